// Package api exposes the HTTP surface: message submission and lookup, a
// health check and the scheduler management routes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"msgsched/internal/job"
	"msgsched/internal/scheduler"
	"msgsched/pkg/logx"
)

type Config struct {
	Addr            string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Pprof           PprofConfig
}

// Scheduler is the part of *scheduler.Scheduler the handlers use.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) ([]*job.Job, error)
	Job(ctx context.Context, id string) (*job.Job, error)
	Tasks() []scheduler.Task
	Task(name string) (scheduler.Task, error)
	Disable(name string) error
	Enable(name string) error
	Run(ctx context.Context, name string) error
	Terminate(name string) error
	Logs(f scheduler.LogFilter) []scheduler.LogRecord
	TaskLogs(name string, f scheduler.LogFilter) []scheduler.LogRecord
}

// Lookup serves job reads ahead of the store, e.g. the Redis status cache.
type Lookup interface {
	Lookup(ctx context.Context, id string) (*job.Job, error)
}

type Server struct {
	cfg      Config
	log      logx.Logger
	sched    Scheduler
	lookup   Lookup
	validate *validator.Validate
	now      func() time.Time
}

// New builds the server. lookup may be nil.
func New(cfg Config, sched Scheduler, lookup Lookup, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		sched:    sched,
		lookup:   lookup,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Handler returns the full router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", s.health)

	r.Route("/v1/space-desk/message", func(r chi.Router) {
		r.Post("/", s.createMessage)
		r.Get("/{id}", s.getMessage)
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/logs", s.listLogs)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/logs", s.taskLogs)
				r.Post("/disable", s.disableTask)
				r.Post("/enable", s.enableTask)
				r.Post("/run", s.runTask)
				r.Post("/terminate", s.terminateTask)
			})
		})
	})

	if s.cfg.Pprof.Enabled {
		mountPprof(r, s.cfg.Pprof)
		s.log.Warn("pprof mounted", logx.String("prefix", pprofPrefix), logx.Bool("token_set", s.cfg.Pprof.Token != ""))
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.String("cors", strings.Join(s.cfg.CORSOrigins, ",")))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
