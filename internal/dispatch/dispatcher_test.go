package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

func sampleJob() *job.Job {
	return job.New(job.Draft{
		To:        "+15551234567",
		Body:      "Hi Alice",
		Type:      "template",
		Template:  "reminder",
		Params:    []job.Param{{Type: "text", Text: "Alice"}},
		UserID:    "u-1",
		AuthToken: "Bearer xyz",
		SendAt:    time.Now(),
	}, time.Now())
}

func TestDeliverSuccessPayload(t *testing.T) {
	t.Parallel()
	type seen struct {
		auth string
		body map[string]any
	}
	ch := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		ch <- s
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL}, srv.Client(), logx.Nop())
	res, err := d.Deliver(context.Background(), sampleJob())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Code != http.StatusAccepted {
		t.Fatalf("Code = %d", res.Code)
	}
	got := <-ch
	if got.auth != "Bearer xyz" {
		t.Fatalf("Authorization = %q", got.auth)
	}
	for k, want := range map[string]string{"to": "+15551234567", "type": "template", "body": "Hi Alice", "templateName": "reminder", "userId": "u-1"} {
		if got.body[k] != want {
			t.Fatalf("%s = %v, want %v", k, got.body[k], want)
		}
	}
	params, _ := got.body["params"].([]any)
	if len(params) != 1 {
		t.Fatalf("params = %v", got.body["params"])
	}
}

func TestDeliverClassifiesFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   int
		delay    time.Duration
		wantCode int
	}{
		{name: "non-2xx", status: http.StatusBadGateway, wantCode: http.StatusBadGateway},
		{name: "client error", status: http.StatusUnauthorized, wantCode: http.StatusUnauthorized},
		{name: "timeout", status: http.StatusOK, delay: 300 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), logx.Nop())
			_, err := d.Deliver(context.Background(), sampleJob())
			var de *job.DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want DeliveryError", err)
			}
			if de.Code != tt.wantCode {
				t.Fatalf("Code = %d, want %d", de.Code, tt.wantCode)
			}
		})
	}
}

func TestDeliverMakesSingleAttempt(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL}, srv.Client(), logx.Nop())
	if _, err := d.Deliver(context.Background(), sampleJob()); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestDeliverWithoutURL(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil, logx.Nop())
	_, err := d.Deliver(context.Background(), sampleJob())
	var de *job.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
}

func TestRateLimitWaitIsNotBoundByRequestTimeout(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// one token per second, far longer than the request timeout
	d := New(Config{URL: srv.URL, Timeout: 100 * time.Millisecond, RatePerSec: 1}, srv.Client(), logx.Nop())
	for i := 0; i < 2; i++ {
		if _, err := d.Deliver(context.Background(), sampleJob()); err != nil {
			t.Fatalf("Deliver #%d: %v", i+1, err)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("hits = %d, want 2", n)
	}
}

func TestRateLimitWaitHonoursCallerCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL, Timeout: time.Second, RatePerSec: 1}, srv.Client(), logx.Nop())
	if _, err := d.Deliver(context.Background(), sampleJob()); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Deliver(ctx, sampleJob())
	var de *job.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
}
