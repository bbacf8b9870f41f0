package job

import (
	"context"
	"iter"
	"time"
)

// Store is the durable collection of jobs and the sole source of truth for
// their existence and status.
type Store interface {
	// Insert persists a new job. Failures are returned as *PersistenceError.
	Insert(ctx context.Context, j *Job) error
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Job, error)
	// FindPending yields every job in StatusScheduled ordered by send_at.
	// Each call starts a fresh scan.
	FindPending(ctx context.Context) iter.Seq2[*Job, error]
	// CompareAndSetStatus atomically moves id from expected to next and writes f.
	// It returns false, nil when the current status is not expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, f Fields) (bool, error)
	// List returns jobs matching filter, newest send_at first.
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Close() error
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	Status []Status
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether j satisfies f. In-memory backends use it directly.
func (f ListFilter) Match(j *Job) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && j.SendAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && j.SendAt.After(f.To) {
		return false
	}
	return true
}
