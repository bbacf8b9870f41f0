package scheduler

import (
	"context"
	"strings"
	"time"

	"msgsched/internal/eventbus"
	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

// Submit validates req, persists one Scheduled job per recipient and arms a
// trigger for each. Nothing is persisted when validation fails. On a store
// error the jobs already created are returned alongside the error.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) ([]*job.Job, error) {
	now := s.now()
	recipients, err := validateSubmit(req, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return nil, ErrStopping
	}

	created := make([]*job.Job, 0, len(recipients))
	for _, to := range recipients {
		j := job.New(job.Draft{
			To:        to,
			Body:      req.Body,
			Type:      req.Type,
			Template:  req.Template,
			Params:    req.Params,
			UserID:    req.UserID,
			AuthToken: req.AuthToken,
			SendAt:    req.SendAt,
		}, now)
		if err := s.store.Insert(ctx, j); err != nil {
			s.log.Error("insert job failed", logx.String("to", to), logx.Int("created", len(created)), logx.Err(err))
			return created, job.Persist("insert", err)
		}
		created = append(created, j)
		s.tracker.publish(eventbus.JobScheduled, j, 0, "")
		s.register(j)
		s.log.Info("job scheduled", logx.JobID(j.ID), logx.String("to", j.To), logx.String("template", j.Template), logx.Time("send_at", j.SendAt))
	}
	return created, nil
}

// validateSubmit returns the de-duplicated recipient list in submission order.
// Clients, when given, replaces To.
func validateSubmit(req SubmitRequest, now time.Time) ([]string, error) {
	if req.SendAt.IsZero() {
		return nil, &job.ValidationError{Field: "send_at", Reason: "required"}
	}
	if !req.SendAt.After(now) {
		return nil, &job.ValidationError{Field: "send_at", Reason: "must be in the future"}
	}
	if strings.TrimSpace(req.Template) == "" {
		return nil, &job.ValidationError{Field: "templateName", Reason: "required"}
	}
	recipients := req.Clients
	if len(recipients) == 0 {
		recipients = []string{req.To}
	}
	seen := make(map[string]struct{}, len(recipients))
	var out []string
	for _, to := range recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}
		out = append(out, to)
	}
	if len(out) == 0 {
		return nil, &job.ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	return out, nil
}
