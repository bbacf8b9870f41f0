package scheduler

import (
	"context"
	"time"

	"msgsched/pkg/logx"
)

// Recover registers every Scheduled job in the store. Jobs already in the
// registry are skipped, so it is safe to call repeatedly. Overdue jobs fire
// immediately. It returns the number of newly armed triggers.
//
// Jobs left in dispatching by a crash are not picked up: whether their
// delivery happened is unknown and they are never sent twice.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n, seen := 0, 0
	for j, err := range s.store.FindPending(ctx) {
		if err != nil {
			return n, err
		}
		seen++
		if s.register(j) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("pending jobs registered", logx.Int("registered", n), logx.Int("pending", seen))
	}
	return n, nil
}

// reconcile is the cron sweep; it picks up jobs inserted by other writers.
func (s *Scheduler) reconcile() {
	s.mu.Lock()
	if s.stopping || s.sup == nil {
		s.mu.Unlock()
		return
	}
	parent := s.sup.Context()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()
	start := time.Now()
	n, err := s.Recover(ctx)
	if err != nil {
		s.log.Warn("reconcile sweep failed", logx.Err(err))
		return
	}
	s.log.Debug("reconcile sweep done", logx.Int("registered", n), logx.Duration("took", time.Since(start)))
}
