// Package statuscache keeps a Redis copy of recently touched job records so
// status lookups do not hit the job store. The store stays authoritative: the
// cache is written after every lifecycle event and misses fall through.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"msgsched/internal/eventbus"
	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

const (
	DefaultTTL = 24 * time.Hour
	keyPrefix  = "msgsched:job:"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache is safe for concurrent use. The caller owns the Redis client.
type Cache struct {
	client redis.Cmdable
	store  job.Store
	ttl    time.Duration
	log    logx.Logger
}

// NewClient dials nothing; go-redis connects lazily. Use Ping to verify.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func New(client redis.Cmdable, store job.Store, ttl time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{client: client, store: store, ttl: ttl, log: log}
}

func key(id string) string { return keyPrefix + id }

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Put writes j with the configured TTL. Only terminal records are cached: they
// never change, so concurrent writers always agree and a lost event costs a
// store read rather than a stale answer. Put reports whether it wrote.
func (c *Cache) Put(ctx context.Context, j *job.Job) (bool, error) {
	if !j.Status.Terminal() {
		return false, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return false, err
	}
	if err := c.client.Set(ctx, key(j.ID), b, c.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the cached record. A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		_ = c.client.Del(ctx, key(id)).Err()
		return nil, false, fmt.Errorf("decode cached job %s: %w", id, err)
	}
	return &j, true, nil
}

// Lookup serves finished jobs from the cache. Anything else is read from the
// store, and a terminal store record fills the cache. Cache errors are logged,
// never returned.
func (c *Cache) Lookup(ctx context.Context, id string) (*job.Job, error) {
	j, ok, err := c.Get(ctx, id)
	if err != nil {
		c.log.Warn("status cache read failed", logx.JobID(id), logx.Err(err))
	}
	if ok && j.Status.Terminal() {
		return j, nil
	}
	j, err = c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.Put(ctx, j); err != nil {
		c.log.Warn("status cache fill failed", logx.JobID(id), logx.Err(err))
	}
	return j, nil
}

// Run caches the final record of every job that reaches a terminal status,
// until ctx is done or the subscription closes.
func (c *Cache) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, e)
		}
	}
}

func (c *Cache) handle(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(eventbus.JobEvent)
	if !ok || ev.ID == "" {
		return
	}
	switch e.Type {
	case eventbus.JobScheduled, eventbus.JobClaimed:
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	j, err := c.store.Get(wctx, ev.ID)
	if err != nil {
		c.log.Debug("status cache refresh skipped", logx.JobID(ev.ID), logx.Err(err))
		return
	}
	if _, err := c.Put(wctx, j); err != nil {
		c.log.Warn("status cache write failed", logx.JobID(ev.ID), logx.Err(err))
	}
}
