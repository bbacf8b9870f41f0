package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"msgsched/internal/eventbus"
	"msgsched/internal/job"
	"msgsched/internal/runtime/supervisor"
	"msgsched/internal/trigger"
	"msgsched/pkg/logx"
)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store  job.Store
	Gate   Gate
	Sender Sender
	Bus    eventbus.Bus
}

// Scheduler owns the trigger registry and runs each firing as a supervised
// task: claim, validate, deliver, record. Construct one per process and pass
// it to every collaborator.
type Scheduler struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	store   job.Store
	gate    Gate
	sender  Sender
	bus     eventbus.Bus
	reg     *trigger.Registry
	tracker *Tracker
	tasks   *TaskLog
	parser  cron.Parser

	sup      *supervisor.Supervisor
	cron     *cron.Cron
	stopping bool
	// running holds the cancel func of every in-flight dispatch, for Terminate.
	running map[string]context.CancelCauseFunc

	now func() time.Time
}

func New(deps Deps, cfg Config, log logx.Logger) (*Scheduler, error) {
	if deps.Store == nil || deps.Sender == nil {
		return nil, errors.New("scheduler: store and sender are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TaskLogSize <= 0 {
		cfg.TaskLogSize = DefaultTaskLogSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	g := deps.Gate
	if g == nil {
		g = noGate{}
	}
	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		store:   deps.Store,
		gate:    g,
		sender:  deps.Sender,
		bus:     deps.Bus,
		reg:     trigger.New(log.With(logx.Component("trigger"))),
		tracker: NewTracker(deps.Store, deps.Bus, log.With(logx.Component("tracker")), cfg.StoreTimeout),
		tasks:   NewTaskLog(cfg.TaskLogSize),
		parser:  NewReconcileParser(),
		running: map[string]context.CancelCauseFunc{},
		now:     time.Now,
	}
	if cfg.ReconcileSpec != "" {
		if _, err := s.parser.Parse(cfg.ReconcileSpec); err != nil {
			return nil, fmt.Errorf("reconcile spec %q: %w", cfg.ReconcileSpec, err)
		}
	}
	return s, nil
}

// NewReconcileParser accepts standard 5-field specs, optional seconds and
// descriptors such as @every 1m.
func NewReconcileParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start loads every pending job into the registry and starts the reconcile sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.Component("dispatch"))),
		// one failed dispatch must never take the others down
		supervisor.WithCancelOnError(false),
	)
	s.mu.Unlock()

	n, err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	s.log.Info("scheduler started", logx.Int("recovered", n), logx.String("reconcile", s.cfg.ReconcileSpec))

	if s.cfg.ReconcileSpec != "" {
		c := cron.New(
			cron.WithParser(s.parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		if _, err := c.AddFunc(s.cfg.ReconcileSpec, s.reconcile); err != nil {
			return fmt.Errorf("reconcile spec: %w", err)
		}
		c.Start()
		s.mu.Lock()
		s.cron = c
		s.mu.Unlock()
	}
	return nil
}

// Stop cancels every pending timer, then waits for in-flight dispatches until
// ctx is done, after which they are cancelled and recorded as failed.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping || s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sup := s.sup
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	cancelled := s.reg.Stop()
	s.log.Info("scheduler stopping", logx.Int("pending_cancelled", cancelled), logx.Int64("in_flight", sup.Counters().Active))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StopTimeout)
		defer cancel()
	}
	return sup.Drain(ctx, s.cfg.StoreTimeout)
}

// Supervisor exposes dispatch goroutine stats for health output.
func (s *Scheduler) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// register arms the trigger for j. A duplicate is a benign no-op.
func (s *Scheduler) register(j *job.Job) bool {
	ok := s.reg.Register(j.ID, j.SendAt, s.onFire)
	if !ok {
		s.log.Debug("trigger not armed", logx.JobID(j.ID), logx.Err(job.ErrDuplicateRegistration))
	}
	return ok
}

// onFire runs on the timer goroutine and hands the dispatch to the supervisor.
func (s *Scheduler) onFire(id string) {
	s.mu.Lock()
	if s.sup == nil || s.stopping {
		s.mu.Unlock()
		// Leave the job scheduled; the next start's recovery registers it again.
		s.reg.Done(id)
		return
	}
	// Started under s.mu: Stop flips stopping under the same lock before it
	// drains, so no dispatch is added to the supervisor once Drain waits.
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancelCause(s.sup.Context())
	s.running[id] = cancel
	s.sup.GoContext(ctx, "dispatch:"+id, func(ctx context.Context) error {
		defer s.finishTask(id)
		s.dispatch(ctx, id)
		return nil
	})
}

func (s *Scheduler) finishTask(id string) {
	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel(nil)
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.reg.Done(id)
}

// dispatch is the per-job pipeline: claim, validate, deliver, record.
func (s *Scheduler) dispatch(ctx context.Context, id string) {
	task := TaskName(id)
	log := s.log.With(logx.JobID(id))
	s.tasks.Add(task, ActionRun, "")

	j, claimed, err := s.tracker.Claim(ctx, id)
	if err != nil {
		log.Error("claim failed; job left for the next recovery pass", logx.Err(err))
		s.tasks.Add(task, ActionCrash, err.Error())
		return
	}
	if !claimed {
		log.Debug("claim lost; firing abandoned")
		s.tasks.Add(task, ActionInaction, "already claimed")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			_ = s.tracker.MarkFailed(ctx, j, perr)
			s.tasks.Add(task, ActionCrash, perr.Error())
		}
	}()

	now := s.now()
	if s.gate.Enabled() && s.gate.InWindow(j.SendAt, now) {
		proceed, gerr := s.gate.Check(ctx, j, now)
		if gerr != nil {
			log.Warn("validation gate unavailable; sending anyway", logx.Err(gerr))
		}
		if !proceed {
			if err := s.tracker.MarkSkipped(ctx, j); err != nil {
				log.Error("record skipped failed", logx.Err(err))
			}
			s.tasks.Add(task, ActionInaction, "skipped by validation gate")
			return
		}
	}

	res, derr := s.sender.Deliver(ctx, j)
	if derr != nil {
		action := ActionFail
		if cause := context.Cause(ctx); errors.Is(cause, ErrTerminated) {
			derr = fmt.Errorf("%w: %v", ErrTerminated, derr)
			action = ActionTerminate
		}
		log.Warn("delivery failed", logx.Err(derr))
		if err := s.tracker.MarkFailed(ctx, j, derr); err != nil {
			log.Error("record failed status failed", logx.Err(err))
		}
		s.tasks.Add(task, action, derr.Error())
		return
	}
	if err := s.tracker.MarkSent(ctx, j, res.Code); err != nil {
		log.Error("record sent failed", logx.Err(err))
	}
	s.tasks.Add(task, ActionSuccess, fmt.Sprintf("status %d", res.Code))
}

type noGate struct{}

func (noGate) Enabled() bool                                           { return false }
func (noGate) InWindow(time.Time, time.Time) bool                      { return false }
func (noGate) Check(context.Context, *job.Job, time.Time) (bool, error) { return true, nil }
