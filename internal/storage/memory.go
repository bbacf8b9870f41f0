package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"msgsched/internal/job"
)

// Memory is a process-local job.Store. It also backs the file driver.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job

	// onWrite runs under mu after every successful mutation; the file driver
	// uses it to journal the new record.
	onWrite func(j *job.Job) error
}

var _ job.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: map[string]*job.Job{}}
}

func (m *Memory) Insert(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return job.Persist("insert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return job.Persist("insert", fmt.Errorf("duplicate id %s", j.ID))
	}
	cp := j.Clone()
	if m.onWrite != nil {
		if err := m.onWrite(cp); err != nil {
			return job.Persist("insert", err)
		}
	}
	m.jobs[j.ID] = cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) FindPending(ctx context.Context) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		m.mu.RLock()
		pending := make([]*job.Job, 0)
		for _, j := range m.jobs {
			if j.Status == job.StatusScheduled {
				pending = append(pending, j.Clone())
			}
		}
		m.mu.RUnlock()

		sortBySendAt(pending)
		for _, j := range pending {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (m *Memory) CompareAndSetStatus(ctx context.Context, id string, expected, next job.Status, f job.Fields) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, job.Persist("update status", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	upd := cur.Clone()
	upd.Apply(next, f)
	if m.onWrite != nil {
		if err := m.onWrite(upd); err != nil {
			return false, job.Persist("update status", err)
		}
	}
	m.jobs[id] = upd
	return true, nil
}

func (m *Memory) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	m.mu.RLock()
	out := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if filter.Match(j) {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].SendAt.Equal(out[k].SendAt) {
			return out[i].SendAt.After(out[k].SendAt)
		}
		return out[i].ID < out[k].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortBySendAt(js []*job.Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].SendAt.Equal(js[k].SendAt) {
			return js[i].SendAt.Before(js[k].SendAt)
		}
		return js[i].ID < js[k].ID
	})
}
