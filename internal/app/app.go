package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"msgsched/internal/alert"
	"msgsched/internal/api"
	"msgsched/internal/config"
	"msgsched/internal/dispatch"
	"msgsched/internal/eventbus"
	"msgsched/internal/gate"
	"msgsched/internal/job"
	"msgsched/internal/runtime/supervisor"
	"msgsched/internal/scheduler"
	"msgsched/internal/statuscache"
	"msgsched/internal/storage"
	"msgsched/pkg/logx"
)

const (
	openTimeout = 15 * time.Second
	backoffMin  = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// App owns every component of the process and the order they start and stop in.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  job.Store
	gate   *gate.Gate
	disp   *dispatch.Dispatcher
	sched  *scheduler.Scheduler
	redis  *redis.Client
	cache  *statuscache.Cache
	alerts *alert.Service
	api    *api.Server

	sup *supervisor.Supervisor

	mu       sync.Mutex
	addr     string
	stopOnce sync.Once
	stopErr  error
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	cfgm := config.NewManager(cfgPath, boot.With(logx.Component("config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	logs, log := logx.NewService(loggingConfig(cfg))
	defer func() {
		if err != nil {
			_ = logs.Close()
		}
	}()
	if cfgm != nil {
		// reload messages follow the configured outputs from here on
		cfgm.SetLogger(log.With(logx.Component("config")))
	}

	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log, bus: eventbus.New()}

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	a.store, err = storage.Open(octx, storageConfig(cfg), log.With(logx.Component("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = a.store.Close()
		}
	}()

	client := &http.Client{}
	a.gate = gate.New(gateConfig(cfg), client, log.With(logx.Component("gate")))
	a.disp = dispatch.New(dispatchConfig(cfg), client, log.With(logx.Component("dispatch")))

	a.sched, err = scheduler.New(scheduler.Deps{
		Store:  a.store,
		Gate:   a.gate,
		Sender: a.disp,
		Bus:    a.bus,
	}, schedulerConfig(cfg), log.With(logx.Component("scheduler")))
	if err != nil {
		return nil, err
	}

	var lookup api.Lookup
	if cc, ok := cacheConfig(cfg); ok {
		a.redis = statuscache.NewClient(cc)
		a.cache = statuscache.New(a.redis, a.store, cc.TTL, log.With(logx.Component("statuscache")))
		if perr := a.cache.Ping(octx); perr != nil {
			// the cache is optional; reads fall back to the store
			log.Warn("redis unreachable; status cache disabled", logx.String("addr", cc.Addr), logx.Err(perr))
			_ = a.redis.Close()
			a.redis, a.cache = nil, nil
		} else {
			lookup = a.cache
		}
	}

	a.alerts, err = alert.New(alertConfig(cfg), log.With(logx.Component("alert")))
	switch {
	case errors.Is(err, alert.ErrDisabled):
		a.alerts, err = nil, nil
	case err != nil:
		if a.redis != nil {
			_ = a.redis.Close()
		}
		return nil, err
	}

	a.api = api.New(apiConfig(cfg), a.sched, lookup, log.With(logx.Component("http")))
	return a, nil
}

// Start binds the listener and starts every background loop. A bind error is
// returned directly; later failures cancel Done.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", apiConfig(a.cfg).Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))), supervisor.WithCancelOnError(true))

	// The scheduler drains on Stop, so its work must outlive the app context.
	if err := a.sched.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ln.Close()
		a.sup.Cancel()
		return err
	}

	a.sup.Go("http", func(c context.Context) error {
		return a.api.ServeListener(c, ln)
	})
	if a.cache != nil {
		a.sup.GoRestart("statuscache", func(c context.Context) error {
			return a.cache.Run(c, a.bus)
		}, backoffMin, backoffMax)
	}
	if a.alerts != nil {
		a.sup.GoRestart("alert", func(c context.Context) error {
			return a.alerts.Run(c, a.bus)
		}, backoffMin, backoffMax)
	}
	a.logEvents()

	if a.cfgm != nil {
		a.watchConfig()
	}

	a.log.Info("app started", logx.String("addr", a.Addr()), logx.String("storage", storageConfig(a.cfg).Driver), logx.Bool("cache", a.cache != nil), logx.Bool("alerts", a.alerts != nil))
	return nil
}

// Addr is the bound API address once Start returned.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Done is closed when the app context ends, e.g. after a fatal loop error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(eventbus.JobEvent); ok {
					fields = append(fields, logx.JobID(ev.ID), logx.String("status", ev.Status))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

// watchConfig applies hot reloads. Logging, gate and dispatch settings are
// swapped in place; any other change is logged as needing a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, backoffMin, backoffMax)
}

func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(loggingConfig(next))
	a.gate.Apply(gateConfig(next))
	a.disp.Apply(dispatchConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config applied", fields...)
	if ch.RestartRequired {
		a.log.Warn("config change requires restart to take effect", logx.String("changed", strings.Join(ch.Sections, ",")))
	}
}

// Stop shuts down in order: the app loops (HTTP first), then the scheduler,
// which drains in-flight dispatches, then the store and Redis. It is idempotent.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeResources()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("loops", apiConfig(a.cfg).ShutdownTimeout+time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("scheduler", schedulerConfig(a.cfg).StopTimeout+scheduler.DefaultStoreTimeout, a.sched.Stop)
	step("resources", 5*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var g errgroup.Group
	g.Go(a.store.Close)
	if a.redis != nil {
		g.Go(a.redis.Close)
	}
	return g.Wait()
}
