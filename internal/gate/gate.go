package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

const (
	DefaultWindow  = 30 * time.Second
	DefaultTimeout = 5 * time.Second
)

// Config configures the pre-dispatch validation call. An empty URL disables it.
type Config struct {
	URL     string
	Window  time.Duration
	Timeout time.Duration
}

type request struct {
	To        string `json:"to"`
	CreatedAt string `json:"createdAt"`
	Now       string `json:"now"`
}

type response struct {
	ShouldSend *bool `json:"should_send"`
}

// Gate asks an external service whether a job should still be sent.
// It fails open: any failure to get an answer means "proceed".
type Gate struct {
	mu     sync.RWMutex
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Gate {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{client: client, log: log}
	g.Apply(cfg)
	return g
}

// Apply swaps the configuration at runtime.
func (g *Gate) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Gate) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Gate) Enabled() bool { return g.config().URL != "" }

// InWindow reports whether now falls in the validation window before sendAt.
// Anything at or after sendAt - window qualifies, including late firings.
func (g *Gate) InWindow(sendAt, now time.Time) bool {
	return !now.Before(sendAt.Add(-g.config().Window))
}

// Check returns proceed=false only when the service explicitly answered
// should_send=false. Every failure returns proceed=true together with a
// *job.ValidationGateError for logging.
func (g *Gate) Check(ctx context.Context, j *job.Job, now time.Time) (bool, error) {
	cfg := g.config()
	if cfg.URL == "" {
		return true, nil
	}
	proceed, err := g.call(ctx, cfg, j, now)
	if err != nil {
		return true, &job.ValidationGateError{Err: err}
	}
	return proceed, nil
}

func (g *Gate) call(ctx context.Context, cfg Config, j *job.Job, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{
		To:        j.To,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
		Now:       now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return true, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.AuthToken != "" {
		req.Header.Set("Authorization", j.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return true, fmt.Errorf("timed out after %s: %w", cfg.Timeout, err)
		}
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return true, fmt.Errorf("decode response: %w", err)
	}
	if out.ShouldSend == nil {
		return true, nil
	}
	return *out.ShouldSend, nil
}
