package statuscache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"msgsched/internal/eventbus"
	"msgsched/internal/job"
	"msgsched/internal/storage"
	"msgsched/pkg/logx"
)

// fakeRedis implements the handful of commands the cache uses. Any other
// command panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.vals[key] = string(v)
	case string:
		f.vals[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			delete(f.vals, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) status(t *testing.T, c *Cache, id string) job.Status {
	t.Helper()
	j, ok, err := c.Get(context.Background(), id)
	if err != nil || !ok {
		return ""
	}
	return j.Status
}

func newJob(t *testing.T, st job.Store) *job.Job {
	t.Helper()
	j := job.New(job.Draft{To: "+1555", Template: "reminder", AuthToken: "secret", SendAt: time.Now().Add(time.Hour)}, time.Now())
	if err := st.Insert(context.Background(), j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return j
}

func advance(t *testing.T, st job.Store, id string, to ...job.Status) {
	t.Helper()
	from := job.StatusScheduled
	for _, next := range to {
		ok, err := st.CompareAndSetStatus(context.Background(), id, from, next, job.Fields{})
		if err != nil || !ok {
			t.Fatalf("CAS %s->%s = %v, %v", from, next, ok, err)
		}
		from = next
	}
}

func TestLookupFallsBackToStoreAndFills(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rdb := newFakeRedis()
	c := New(rdb, st, time.Minute, logx.Nop())
	j := newJob(t, st)
	advance(t, st, j.ID, job.StatusDispatching, job.StatusSent)

	got, err := c.Lookup(context.Background(), j.ID)
	if err != nil || got.ID != j.ID || got.Status != job.StatusSent {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
	if ttl := rdb.ttls[key(j.ID)]; ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	cached, ok, err := c.Get(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if cached.AuthToken != "" {
		t.Fatal("auth token must not be cached")
	}

	if _, err := c.Lookup(context.Background(), "missing"); err != job.ErrNotFound {
		t.Fatalf("Lookup(missing) = %v", err)
	}
}

func TestPendingJobsAreNeverCached(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rdb := newFakeRedis()
	c := New(rdb, st, time.Minute, logx.Nop())
	j := newJob(t, st)

	for _, want := range []job.Status{job.StatusScheduled, job.StatusDispatching} {
		if want == job.StatusDispatching {
			advance(t, st, j.ID, job.StatusDispatching)
		}
		got, err := c.Lookup(context.Background(), j.ID)
		if err != nil || got.Status != want {
			t.Fatalf("Lookup = %+v, %v; want %s", got, err, want)
		}
		if _, ok := rdb.vals[key(j.ID)]; ok {
			t.Fatalf("%s record was cached", want)
		}
	}
}

func TestLookupRacingSentEventKeepsSent(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rdb := newFakeRedis()
	c := New(rdb, st, time.Minute, logx.Nop())
	j := newJob(t, st)
	advance(t, st, j.ID, job.StatusDispatching)

	// a reader loads the in-flight record ...
	inFlight, err := st.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	// ... the dispatch finishes and its event is handled ...
	if ok, err := st.CompareAndSetStatus(context.Background(), j.ID, job.StatusDispatching, job.StatusSent, job.Fields{}); err != nil || !ok {
		t.Fatalf("CAS = %v, %v", ok, err)
	}
	c.handle(context.Background(), eventbus.Event{Type: eventbus.JobSent, Data: eventbus.JobEvent{ID: j.ID}})
	// ... and only then the reader fills the cache with what it saw.
	if wrote, err := c.Put(context.Background(), inFlight); wrote || err != nil {
		t.Fatalf("Put(dispatching) = %v, %v", wrote, err)
	}

	got, err := c.Lookup(context.Background(), j.ID)
	if err != nil || got.Status != job.StatusSent {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
}

func TestLostTerminalEventIsCorrectedOnRead(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := New(newFakeRedis(), st, time.Minute, logx.Nop())
	j := newJob(t, st)

	if _, err := c.Lookup(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	// no event is delivered for this transition
	advance(t, st, j.ID, job.StatusDispatching, job.StatusFailed)

	got, err := c.Lookup(context.Background(), j.ID)
	if err != nil || got.Status != job.StatusFailed {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	c := New(rdb, storage.NewMemory(), 0, logx.Nop())
	rdb.vals[key("x")] = "{not json"

	if _, ok, err := c.Get(context.Background(), "x"); ok || err == nil {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if _, ok := rdb.vals[key("x")]; ok {
		t.Fatal("corrupt entry not deleted")
	}
}

func TestRunCachesTerminalRecords(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rdb := newFakeRedis()
	c := New(rdb, st, 0, logx.Nop())
	bus := eventbus.New()
	j := newJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	advance(t, st, j.ID, job.StatusDispatching, job.StatusSkipped)
	deadline := time.Now().Add(2 * time.Second)
	for rdb.status(t, c, j.ID) != job.StatusSkipped {
		if time.Now().After(deadline) {
			t.Fatalf("cached status = %q, want skipped", rdb.status(t, c, j.ID))
		}
		// the subscription may not exist yet on the first publish
		bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobEvent{ID: j.ID}})
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
