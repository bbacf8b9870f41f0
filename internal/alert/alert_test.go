package alert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"msgsched/internal/eventbus"
	"msgsched/pkg/logx"
)

func TestNewDisabledWithoutToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{Token: "x"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatEscapesHTML(t *testing.T) {
	t.Parallel()
	got := Format(eventbus.JobEvent{ID: "j1", To: "<a>", Template: "t&c", Code: 502, Error: "bad <gateway>"})
	for _, want := range []string{"<code>j1</code>", "&lt;a&gt;", "t&amp;c", "status: 502", "bad &lt;gateway&gt;"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Format() = %q, missing %q", got, want)
		}
	}
}

func TestRunAlertsOnFailedOnly(t *testing.T) {
	t.Parallel()
	sent := make(chan string, 64)
	s := newService(Config{RatePerMin: 600}, logx.Nop(), func(ctx context.Context, text string) error {
		sent <- text
		return nil
	})
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, bus)
	}()

	// publish until the subscription is live
	deadline := time.Now().Add(2 * time.Second)
	for len(sent) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no alert sent")
		}
		bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{ID: "probe"}})
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(eventbus.Event{Type: eventbus.JobSent, Data: eventbus.JobEvent{ID: "ok"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{ID: "real"}})
	timeout := time.After(2 * time.Second)
	for {
		select {
		case text := <-sent:
			if strings.Contains(text, "probe") {
				continue
			}
			if !strings.Contains(text, "real") {
				t.Fatalf("alert = %q", text)
			}
			cancel()
			<-done
			return
		case <-timeout:
			t.Fatal("failed-job alert not sent")
		}
	}
}

func TestNotifyRateLimited(t *testing.T) {
	t.Parallel()
	var calls int
	s := newService(Config{RatePerMin: 2}, logx.Nop(), func(ctx context.Context, text string) error {
		calls++
		return nil
	})
	for i := 0; i < 5; i++ {
		s.notify(context.Background(), eventbus.JobEvent{ID: "j"})
	}
	sent, suppressed := s.Stats()
	if calls != 2 || sent != 2 || suppressed != 3 {
		t.Fatalf("calls=%d sent=%d suppressed=%d", calls, sent, suppressed)
	}
	s.flushSuppressed()
	if _, suppressed := s.Stats(); suppressed != 0 {
		t.Fatalf("suppressed after flush = %d", suppressed)
	}
}

func TestNotifySendErrorIsNotCounted(t *testing.T) {
	t.Parallel()
	s := newService(Config{}, logx.Nop(), func(ctx context.Context, text string) error {
		return errors.New("telegram down")
	})
	s.notify(context.Background(), eventbus.JobEvent{ID: "j"})
	if sent, _ := s.Stats(); sent != 0 {
		t.Fatalf("sent = %d", sent)
	}
}
