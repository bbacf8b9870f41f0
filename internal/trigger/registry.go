package trigger

import (
	"sort"
	"sync"
	"time"

	"msgsched/pkg/logx"
)

// State of a registry entry.
type State string

const (
	StatePending  State = "pending"
	StateDisabled State = "disabled"
	StateRunning  State = "running"
)

// Handler is invoked once per firing with the job id. It runs on the timer goroutine
// and must hand off long work.
type Handler func(id string)

// Entry is a point-in-time view of one registration.
type Entry struct {
	ID           string    `json:"id"`
	Due          time.Time `json:"due"`
	State        State     `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	FiredAt      time.Time `json:"fired_at,omitempty"`
	ForceRun     bool      `json:"force_run,omitempty"`
}

type entry struct {
	Entry
	fn    Handler
	timer *time.Timer
	// ver is bumped whenever the timer is re-armed or stopped so a callback
	// that lost the race with Stop() is ignored.
	ver uint64
}

// Registry maps job ids to strict one-shot timers. It is process-local and
// rebuilt from the Job Store on every start.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	log logx.Logger
	now func() time.Time
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		entries: map[string]*entry{},
		log:     log,
		now:     time.Now,
	}
}

// Register arms a one-shot timer for id at due. A due time in the past fires
// immediately. Registering an id that already has an entry is a silent no-op
// and returns false.
func (r *Registry) Register(id string, due time.Time, fn Handler) bool {
	if id == "" || fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if _, ok := r.entries[id]; ok {
		r.log.Debug("duplicate registration ignored", logx.JobID(id))
		return false
	}
	e := &entry{
		Entry: Entry{ID: id, Due: due, State: StatePending, RegisteredAt: r.now()},
		fn:    fn,
	}
	r.entries[id] = e
	r.armLocked(e, r.delayLocked(due))
	r.log.Debug("trigger registered", logx.JobID(id), logx.Time("due", due))
	return true
}

func (r *Registry) delayLocked(due time.Time) time.Duration {
	d := due.Sub(r.now())
	if d < 0 {
		return 0
	}
	return d
}

func (r *Registry) armLocked(e *entry, delay time.Duration) {
	e.ver++
	ver := e.ver
	id := e.ID
	e.timer = time.AfterFunc(delay, func() { r.fire(id, ver) })
}

func (r *Registry) fire(id string, ver uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.ver != ver || e.State != StatePending || r.stopped {
		r.mu.Unlock()
		return
	}
	// time.AfterFunc may run a hair early relative to a wall clock that was
	// adjusted; never fire before due.
	if d := r.delayLocked(e.Due); d > 0 && !e.ForceRun {
		r.armLocked(e, d)
		r.mu.Unlock()
		return
	}
	e.State = StateRunning
	e.FiredAt = r.now()
	e.timer = nil
	fn := e.fn
	r.mu.Unlock()

	fn(id)
}

// Deregister removes a pending or disabled entry before it fires.
// It returns false when id is unknown or already running.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State == StateRunning {
		return false
	}
	r.stopLocked(e)
	delete(r.entries, id)
	return true
}

// Disable stops a pending timer but keeps the entry so Enable can re-arm it.
func (r *Registry) Disable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State != StatePending {
		return false
	}
	r.stopLocked(e)
	e.State = StateDisabled
	return true
}

// Enable re-arms a disabled entry for its original due time, immediately if overdue.
func (r *Registry) Enable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State != StateDisabled || r.stopped {
		return false
	}
	e.State = StatePending
	r.armLocked(e, r.delayLocked(e.Due))
	return true
}

// Fire forces a pending or disabled entry to fire now.
func (r *Registry) Fire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State == StateRunning || r.stopped {
		return false
	}
	r.stopLocked(e)
	e.State = StatePending
	e.ForceRun = true
	r.armLocked(e, 0)
	return true
}

// Done drops a running entry once its dispatch has finished, so a later
// recovery pass may register the id again if the job is still pending.
func (r *Registry) Done(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.State == StateRunning {
		delete(r.entries, id)
	}
}

func (r *Registry) stopLocked(e *entry) {
	e.ver++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Snapshot returns every entry ordered by due time.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Entry)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Due.Equal(out[j].Due) {
			return out[i].Due.Before(out[j].Due)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels every pending timer and rejects further registrations.
// Running handlers are not interrupted. It returns the number of cancelled timers.
func (r *Registry) Stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	n := 0
	for _, e := range r.entries {
		if e.State == StatePending {
			n++
		}
		r.stopLocked(e)
	}
	return n
}
