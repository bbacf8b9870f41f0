// Package alert posts a Telegram message to an operator chat whenever a job
// ends in failed. Alerts are best-effort and rate limited; they never affect
// job state.
package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"msgsched/internal/eventbus"
	"msgsched/pkg/logx"
)

var ErrDisabled = errors.New("alerts disabled")

type Config struct {
	Token      string
	ChatID     int64
	RatePerMin int
	// APIURL overrides the Telegram Bot API endpoint.
	APIURL string
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Token) != "" && c.ChatID != 0 }

type Service struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	send    func(ctx context.Context, text string) error

	sent       atomic.Uint64
	suppressed atomic.Uint64
}

// New returns ErrDisabled when no token or chat is configured.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		// no getMe round trip at boot; the first alert surfaces a bad token
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	chat := &tele.Chat{ID: cfg.ChatID}
	s := newService(cfg, log, func(ctx context.Context, text string) error {
		_, err := b.Send(chat, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
		return err
	})
	return s, nil
}

func newService(cfg Config, log logx.Logger, send func(ctx context.Context, text string) error) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 20
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		send:    send,
	}
}

// Run sends an alert for every job.failed event until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	summary := time.NewTicker(time.Minute)
	defer summary.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushSuppressed()
			return ctx.Err()
		case <-summary.C:
			s.flushSuppressed()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.JobFailed {
				continue
			}
			ev, _ := e.Data.(eventbus.JobEvent)
			s.notify(ctx, ev)
		}
	}
}

func (s *Service) notify(ctx context.Context, ev eventbus.JobEvent) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.send(sctx, Format(ev)); err != nil {
		s.log.Warn("alert send failed", logx.JobID(ev.ID), logx.Err(err))
		return
	}
	s.sent.Add(1)
}

func (s *Service) flushSuppressed() {
	if n := s.suppressed.Swap(0); n > 0 {
		s.log.Warn("alerts suppressed by rate limit", logx.Int64("count", int64(n)))
	}
}

// Stats returns sent and currently suppressed counts.
func (s *Service) Stats() (sent, suppressed uint64) {
	return s.sent.Load(), s.suppressed.Load()
}

// Format renders ev as Telegram HTML.
func Format(ev eventbus.JobEvent) string {
	var b strings.Builder
	b.WriteString("<b>Message delivery failed</b>\n")
	fmt.Fprintf(&b, "job: <code>%s</code>\n", html.EscapeString(ev.ID))
	if ev.To != "" {
		fmt.Fprintf(&b, "to: %s\n", html.EscapeString(ev.To))
	}
	if ev.Template != "" {
		fmt.Fprintf(&b, "template: %s\n", html.EscapeString(ev.Template))
	}
	if ev.UserID != "" {
		fmt.Fprintf(&b, "user: %s\n", html.EscapeString(ev.UserID))
	}
	if !ev.SendAt.IsZero() {
		fmt.Fprintf(&b, "send_at: %s\n", ev.SendAt.UTC().Format(time.RFC3339))
	}
	if ev.Code != 0 {
		fmt.Fprintf(&b, "status: %d\n", ev.Code)
	}
	if ev.Error != "" {
		msg := ev.Error
		if len(msg) > 500 {
			msg = msg[:500] + "…"
		}
		fmt.Fprintf(&b, "error: %s", html.EscapeString(msg))
	}
	return strings.TrimRight(b.String(), "\n")
}
