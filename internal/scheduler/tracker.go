package scheduler

import (
	"context"
	"errors"
	"time"

	"msgsched/internal/eventbus"
	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

// Tracker applies the status state machine. Every transition is a single
// CompareAndSetStatus; there is no other write path for status.
type Tracker struct {
	store   job.Store
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
	now     func() time.Time

	// terminal writes are retried this many times on store errors before the
	// job is left in dispatching
	attempts int
	backoff  time.Duration
}

func NewTracker(store job.Store, bus eventbus.Bus, log logx.Logger, timeout time.Duration) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Tracker{
		store:    store,
		bus:      bus,
		log:      log,
		timeout:  timeout,
		now:      time.Now,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

// Claim moves id from scheduled to dispatching and returns the claimed record.
// claimed=false with a nil error means another firing already owns the job.
func (t *Tracker) Claim(ctx context.Context, id string) (*job.Job, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ok, err := t.store.CompareAndSetStatus(cctx, id, job.StatusScheduled, job.StatusDispatching, job.Fields{})
	if err != nil || !ok {
		return nil, false, err
	}
	j, err := t.store.Get(cctx, id)
	if err != nil {
		// Claimed but unreadable: the job must not stay in dispatching forever.
		_ = t.MarkFailed(ctx, &job.Job{ID: id}, err)
		return nil, false, err
	}
	t.publish(eventbus.JobClaimed, j, 0, "")
	return j, true, nil
}

func (t *Tracker) MarkSent(ctx context.Context, j *job.Job, code int) error {
	now := t.now()
	err := t.finish(ctx, j, job.StatusSent, job.Fields{SentAt: now, ResponseStatus: code})
	if err == nil {
		t.publish(eventbus.JobSent, j, code, "")
	}
	return err
}

func (t *Tracker) MarkSkipped(ctx context.Context, j *job.Job) error {
	err := t.finish(ctx, j, job.StatusSkipped, job.Fields{})
	if err == nil {
		t.publish(eventbus.JobSkipped, j, 0, "")
	}
	return err
}

// MarkFailed records cause. A DeliveryError that carries an HTTP status also
// records it as response_status, since an attempt was made.
func (t *Tracker) MarkFailed(ctx context.Context, j *job.Job, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	f := job.Fields{FailedAt: t.now(), Error: msg}
	code := 0
	var de *job.DeliveryError
	if errors.As(cause, &de) && de.Code != 0 {
		code = de.Code
		f.ResponseStatus = code
	}
	err := t.finish(ctx, j, job.StatusFailed, f)
	if err == nil {
		t.publish(eventbus.JobFailed, j, code, msg)
	}
	return err
}

// finish writes a terminal transition from dispatching. The write runs
// detached from ctx cancellation so a terminated dispatch is still recorded.
func (t *Tracker) finish(ctx context.Context, j *job.Job, next job.Status, f job.Fields) error {
	base := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		wctx, cancel := context.WithTimeout(base, t.timeout)
		ok, err := t.store.CompareAndSetStatus(wctx, j.ID, job.StatusDispatching, next, f)
		cancel()
		if err == nil {
			if !ok {
				t.log.Warn("terminal status not recorded", logx.JobID(j.ID), logx.String("status", string(next)), logx.Err(errStatusRaceLoser))
				return errStatusRaceLoser
			}
			t.log.Info("job finished", logx.JobID(j.ID), logx.String("status", string(next)))
			return nil
		}
		if errors.Is(err, job.ErrNotFound) {
			return err
		}
		lastErr = err
		t.log.Error("status update failed", logx.JobID(j.ID), logx.String("status", string(next)), logx.Int("attempt", attempt), logx.Err(err))
		if attempt < t.attempts {
			time.Sleep(t.backoff * time.Duration(attempt))
		}
	}
	return lastErr
}

func (t *Tracker) publish(typ string, j *job.Job, code int, errMsg string) {
	if t.bus == nil || j == nil {
		return
	}
	status := ""
	switch typ {
	case eventbus.JobClaimed:
		status = string(job.StatusDispatching)
	case eventbus.JobSent:
		status = string(job.StatusSent)
	case eventbus.JobFailed:
		status = string(job.StatusFailed)
	case eventbus.JobSkipped:
		status = string(job.StatusSkipped)
	case eventbus.JobScheduled:
		status = string(job.StatusScheduled)
	}
	t.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{
		ID:       j.ID,
		To:       j.To,
		UserID:   j.UserID,
		Template: j.Template,
		Status:   status,
		Code:     code,
		Error:    errMsg,
		SendAt:   j.SendAt,
	}})
}
