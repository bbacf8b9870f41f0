package scheduler

import (
	"context"
	"errors"
	"strings"

	"msgsched/internal/job"
	"msgsched/internal/trigger"
	"msgsched/pkg/logx"
)

// jobID accepts either a job id or its task name.
func jobID(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "task_")
}

func (s *Scheduler) taskView(e trigger.Entry) Task {
	t := Task{
		Name:      TaskName(e.ID),
		JobID:     e.ID,
		Due:       e.Due,
		State:     string(e.State),
		Disabled:  e.State == trigger.StateDisabled,
		IsRunning: e.State == trigger.StateRunning,
		ForceRun:  e.ForceRun,
	}
	s.tasks.summarize(&t)
	return t
}

// Tasks lists every registered trigger ordered by due time.
func (s *Scheduler) Tasks() []Task {
	entries := s.reg.Snapshot()
	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.taskView(e))
	}
	return out
}

// Task returns one trigger. A task that already finished and left the registry
// is still reported from the task log with state "finished".
func (s *Scheduler) Task(name string) (Task, error) {
	id := jobID(name)
	if e, ok := s.reg.Get(id); ok {
		return s.taskView(e), nil
	}
	if s.tasks.has(TaskName(id)) {
		t := Task{Name: TaskName(id), JobID: id, State: "finished"}
		s.tasks.summarize(&t)
		return t, nil
	}
	return Task{}, ErrTaskNotFound
}

func (s *Scheduler) Disable(name string) error {
	id := jobID(name)
	if s.reg.Disable(id) {
		s.log.Info("task disabled", logx.JobID(id))
		return nil
	}
	return s.stateErr(id)
}

func (s *Scheduler) Enable(name string) error {
	id := jobID(name)
	if s.reg.Enable(id) {
		s.log.Info("task enabled", logx.JobID(id))
		return nil
	}
	return s.stateErr(id)
}

func (s *Scheduler) stateErr(id string) error {
	if _, ok := s.reg.Get(id); ok {
		return ErrTaskState
	}
	return ErrTaskNotFound
}

// Run force-runs a task now. A Scheduled job that is not in the registry is
// registered first.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	started, stopping := s.sup != nil, s.stopping
	s.mu.Unlock()
	switch {
	case stopping:
		return ErrStopping
	case !started:
		return ErrNotStarted
	}

	id := jobID(name)
	if s.reg.Fire(id) {
		s.log.Info("task force-run", logx.JobID(id))
		return nil
	}
	if _, ok := s.reg.Get(id); ok {
		return ErrTaskState
	}

	j, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return ErrTaskNotFound
		}
		return job.Persist("get", err)
	}
	if j.Status != job.StatusScheduled {
		return ErrJobNotRunnable
	}
	armed := s.register(j)
	if !s.reg.Fire(id) {
		// An overdue job arms a zero-delay timer that may already have fired
		// (or even finished) on its own; that is the run we asked for.
		if !armed {
			return ErrTaskState
		}
		if e, ok := s.reg.Get(id); ok && e.State != trigger.StateRunning {
			return ErrTaskState
		}
	}
	s.log.Info("task force-run", logx.JobID(id))
	return nil
}

// Terminate cancels an in-flight dispatch. The job is recorded as failed.
func (s *Scheduler) Terminate(name string) error {
	id := jobID(name)
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		if _, known := s.reg.Get(id); known || s.tasks.has(TaskName(id)) {
			return ErrTaskNotRunning
		}
		return ErrTaskNotFound
	}
	cancel(ErrTerminated)
	s.log.Warn("task terminated", logx.JobID(id))
	return nil
}

// Logs returns task log records newest first.
func (s *Scheduler) Logs(f LogFilter) []LogRecord {
	for i, t := range f.Tasks {
		if !strings.HasPrefix(t, "task_") {
			f.Tasks[i] = TaskName(t)
		}
	}
	return s.tasks.Filter(f)
}

// TaskLogs returns the records of one task, newest first.
func (s *Scheduler) TaskLogs(name string, f LogFilter) []LogRecord {
	f.Tasks = []string{TaskName(jobID(name))}
	return s.tasks.Filter(f)
}

// Job loads one job record from the store.
func (s *Scheduler) Job(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Get(ctx, jobID(id))
	if err != nil {
		return nil, job.Persist("get", err)
	}
	return j, nil
}

func (s *Scheduler) Jobs(ctx context.Context, f job.ListFilter) ([]*job.Job, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, job.Persist("list", err)
	}
	return out, nil
}
