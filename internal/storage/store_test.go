package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

func openers(t *testing.T) map[string]func(t *testing.T) job.Store {
	return map[string]func(t *testing.T) job.Store{
		"memory": func(t *testing.T) job.Store { return NewMemory() },
		"file": func(t *testing.T) job.Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) job.Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db"), BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func newJob(to string, sendAt time.Time) *job.Job {
	return job.New(job.Draft{
		To:        to,
		Body:      "hello",
		Type:      "template",
		Template:  "reminder",
		Params:    []job.Param{{Type: "text", Text: "Alice"}},
		UserID:    "user-1",
		AuthToken: "Bearer t",
		SendAt:    sendAt,
	}, time.Now())
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for name, open := range openers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			base := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			a := newJob("+1", base.Add(2*time.Minute))
			b := newJob("+2", base)
			c := newJob("+3", base.Add(time.Minute))
			for _, j := range []*job.Job{a, b, c} {
				if err := st.Insert(ctx, j); err != nil {
					t.Fatalf("Insert: %v", err)
				}
			}

			got, err := st.Get(ctx, a.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.To != "+1" || got.Template != "reminder" || got.AuthToken != "Bearer t" || got.Status != job.StatusScheduled {
				t.Fatalf("Get returned %+v", got)
			}
			if len(got.Params) != 1 || got.Params[0] != (job.Param{Type: "text", Text: "Alice"}) {
				t.Fatalf("params = %+v", got.Params)
			}
			if !got.SendAt.Equal(a.SendAt) {
				t.Fatalf("SendAt = %v, want %v", got.SendAt, a.SendAt)
			}
			if _, err := st.Get(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
				t.Fatalf("Get missing err = %v", err)
			}

			// pending is ordered by send_at
			var order []string
			for j, err := range st.FindPending(ctx) {
				if err != nil {
					t.Fatalf("FindPending: %v", err)
				}
				order = append(order, j.To)
			}
			if len(order) != 3 || order[0] != "+2" || order[1] != "+3" || order[2] != "+1" {
				t.Fatalf("pending order = %v", order)
			}

			ok, err := st.CompareAndSetStatus(ctx, b.ID, job.StatusScheduled, job.StatusDispatching, job.Fields{})
			if err != nil || !ok {
				t.Fatalf("claim: ok=%v err=%v", ok, err)
			}
			ok, err = st.CompareAndSetStatus(ctx, b.ID, job.StatusScheduled, job.StatusDispatching, job.Fields{})
			if err != nil || ok {
				t.Fatalf("second claim must be a no-op: ok=%v err=%v", ok, err)
			}
			sentAt := time.Now().Truncate(time.Millisecond)
			ok, err = st.CompareAndSetStatus(ctx, b.ID, job.StatusDispatching, job.StatusSent, job.Fields{SentAt: sentAt, ResponseStatus: 200})
			if err != nil || !ok {
				t.Fatalf("mark sent: ok=%v err=%v", ok, err)
			}
			if _, err := st.CompareAndSetStatus(ctx, "missing", job.StatusScheduled, job.StatusDispatching, job.Fields{}); !errors.Is(err, job.ErrNotFound) {
				t.Fatalf("CAS missing err = %v", err)
			}

			got, err = st.Get(ctx, b.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != job.StatusSent || got.ResponseStatus == nil || *got.ResponseStatus != 200 {
				t.Fatalf("after sent: %+v", got)
			}
			if got.SentAt == nil || !got.SentAt.Equal(sentAt) || got.FailedAt != nil || got.Error != "" {
				t.Fatalf("terminal fields wrong: %+v", got)
			}

			n := 0
			for _, err := range st.FindPending(ctx) {
				if err != nil {
					t.Fatalf("FindPending: %v", err)
				}
				n++
			}
			if n != 2 {
				t.Fatalf("pending after send = %d, want 2", n)
			}

			list, err := st.List(ctx, job.ListFilter{Status: []job.Status{job.StatusSent}})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 || list[0].ID != b.ID {
				t.Fatalf("List sent = %v", list)
			}
			list, err = st.List(ctx, job.ListFilter{UserID: "user-1", Limit: 2})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].ID != a.ID {
				t.Fatalf("List newest first = %v", list)
			}
		})
	}
}

func TestStoreConcurrentClaimHasOneWinner(t *testing.T) {
	t.Parallel()
	for name, open := range openers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			j := newJob("+1", time.Now().Add(time.Minute))
			if err := st.Insert(ctx, j); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.CompareAndSetStatus(ctx, j.ID, job.StatusScheduled, job.StatusDispatching, job.Fields{})
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := wins.Load(); got != 1 {
				t.Fatalf("winners = %d, want 1", got)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j := newJob("+1", time.Now().Add(time.Minute))
	if err := st.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := st.CompareAndSetStatus(ctx, j.ID, job.StatusScheduled, job.StatusDispatching, job.Fields{}); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusDispatching || got.AuthToken != "Bearer t" {
		t.Fatalf("reopened job = %+v", got)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.(*fileStore).compactEvery = 3
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		j := newJob("+1", time.Now().Add(time.Minute))
		ids = append(ids, j.ID)
		if err := st.Insert(ctx, j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	_ = st.Close()

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	for _, id := range ids {
		if _, err := st.Get(ctx, id); err != nil {
			t.Fatalf("Get(%s) after compaction: %v", id, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &sqlStore{dialect: "postgres"}
	if got := pg.rebind("a = ? AND b IN (?,?)"); got != "a = $1 AND b IN ($2,$3)" {
		t.Fatalf("rebind = %q", got)
	}
	lite := &sqlStore{dialect: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestReloadedSendAtIsNeverEarlier(t *testing.T) {
	t.Parallel()
	for name, open := range openers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			j := newJob("+1", time.Now().Add(time.Hour))
			// bypass job.New to get a sub-millisecond instant into the store
			submitted := time.Now().Add(time.Hour).Truncate(time.Millisecond).Add(400 * time.Microsecond).UTC()
			j.SendAt = submitted
			if err := st.Insert(ctx, j); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			got, err := st.Get(ctx, j.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.SendAt.Before(submitted) {
				t.Fatalf("reloaded send_at %v is earlier than %v", got.SendAt, submitted)
			}
			if got.SendAt.Sub(submitted) >= time.Millisecond {
				t.Fatalf("reloaded send_at %v drifted from %v", got.SendAt, submitted)
			}
		})
	}
}
