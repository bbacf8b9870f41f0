package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"msgsched/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msgsched.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppSchedulesAndDeliversOverHTTP(t *testing.T) {
	var delivered atomic.Int32
	wa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer wa.Close()

	path := writeConfig(t, fmt.Sprintf(`
logging:
  level: error
  console: true
http:
  addr: "127.0.0.1:0"
storage:
  driver: memory
dispatch:
  url: %q
recovery:
  reconcile_spec: ""
`, wa.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := a.Stop(sctx, StopAppStop); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	base := "http://" + a.Addr()
	body, _ := json.Marshal(map[string]any{
		"to":           "+15550100",
		"type":         "template",
		"templateName": "welcome",
		"userId":       "u1",
		"send_at":      time.Now().Add(300 * time.Millisecond).UTC().Format(time.RFC3339Nano),
	})
	res, err := http.Post(base+"/v1/space-desk/message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var created struct {
		Status       string   `json:"status"`
		ScheduledIDs []string `json:"scheduled_ids"`
	}
	_ = json.NewDecoder(res.Body).Decode(&created)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || created.Status != "scheduled" || len(created.ScheduledIDs) != 1 {
		t.Fatalf("create: code=%d body=%+v", res.StatusCode, created)
	}

	id := created.ScheduledIDs[0]
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get(base + "/v1/space-desk/message/" + id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var got struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(res.Body).Decode(&got)
		res.Body.Close()
		if got.Status == "sent" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never sent; last status %q", id, got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := delivered.Load(); n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}
}

func TestAppStopWithoutStart(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\nstorage:\n  driver: memory\n")
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// idempotent
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: cassandra\n")
	if _, err := New(context.Background(), path); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestApplyConfigSwapsGateLive(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\nstorage:\n  driver: memory\n")
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	if a.gate.Enabled() {
		t.Fatal("gate should start disabled")
	}
	next := *a.cfg
	next.Gate = config.GateConfig{URL: "http://127.0.0.1:1/validate", Window: "10s"}
	a.applyConfig(a.cfg, &next)
	if !a.gate.Enabled() {
		t.Fatal("gate not enabled after reload")
	}
}

func TestMappersApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if got := apiConfig(cfg); got.ShutdownTimeout != 10*time.Second || got.ReadTimeout != 15*time.Second {
		t.Fatalf("api defaults: %+v", got)
	}
	if sc := schedulerConfig(cfg); sc.ReconcileSpec != config.DefaultReconcileSpec {
		t.Fatalf("reconcile spec = %q", sc.ReconcileSpec)
	}
	if _, ok := cacheConfig(cfg); ok {
		t.Fatal("cache enabled without redis addr")
	}
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.TTL = "1h"
	cc, ok := cacheConfig(cfg)
	if !ok || cc.TTL != time.Hour {
		t.Fatalf("cache config: %+v ok=%v", cc, ok)
	}
	if alertConfig(cfg).Enabled() {
		t.Fatal("alerts enabled without token")
	}
}
