package dispatch

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

	"golang.org/x/time/rate"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultRatePerSec = 10
)

type Config struct {
	URL        string
	Timeout    time.Duration
	RatePerSec int
}

// Result of a delivery attempt that reached the endpoint and got a 2xx.
type Result struct {
	Code int
}

type payload struct {
	To           string      `json:"to"`
	Type         string      `json:"type"`
	Body         string      `json:"body"`
	TemplateName string      `json:"templateName"`
	Params       []job.Param `json:"params"`
	UserID       string      `json:"userId"`
}

// Dispatcher performs exactly one delivery attempt per call. Retrying is left to
// the operator (resubmission); there is no loop here.
type Dispatcher struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	client *http.Client
	log    logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{client: client, log: log}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	d.mu.Lock()
	d.cfg = cfg
	// Token bucket: burst = rate per sec so short spikes of due jobs go out together.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiter
}

// Deliver posts the job to the delivery endpoint. Any non-2xx answer, transport
// failure or timeout is a *job.DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, j *job.Job) (Result, error) {
	cfg, lim := d.snapshot()
	if cfg.URL == "" {
		return Result{}, &job.DeliveryError{Reason: "dispatch url not configured"}
	}

	// The limiter wait is bounded only by the caller (terminate, drain); the
	// timeout covers the request itself so a recovered backlog queues instead of failing.
	if err := lim.Wait(ctx); err != nil {
		return Result{}, &job.DeliveryError{Reason: "rate limit wait: " + err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	params := j.Params
	if params == nil {
		params = []job.Param{}
	}
	body, err := json.Marshal(payload{
		To:           j.To,
		Type:         j.Type,
		Body:         j.Body,
		TemplateName: j.Template,
		Params:       params,
		UserID:       j.UserID,
	})
	if err != nil {
		return Result{}, &job.DeliveryError{Reason: err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &job.DeliveryError{Reason: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if j.AuthToken != "" {
		req.Header.Set("Authorization", j.AuthToken)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		reason := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", cfg.Timeout)
		}
		return Result{}, &job.DeliveryError{Reason: reason, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	d.log.Debug("delivery response",
		logx.JobID(j.ID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := strings.TrimSpace(string(snippet))
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return Result{}, &job.DeliveryError{Code: resp.StatusCode, Reason: reason}
	}
	return Result{Code: resp.StatusCode}, nil
}
