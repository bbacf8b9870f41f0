package scheduler

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// Action recorded in the task log.
type Action string

const (
	ActionRun       Action = "run"
	ActionSuccess   Action = "success"
	ActionFail      Action = "fail"
	ActionTerminate Action = "terminate"
	ActionCrash     Action = "crash"
	ActionInaction  Action = "inaction"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRun, ActionSuccess, ActionFail, ActionTerminate, ActionCrash, ActionInaction:
		return true
	}
	return false
}

// LogRecord is one task log line.
type LogRecord struct {
	Created  time.Time `json:"created"`
	TaskName string    `json:"task_name"`
	Action   Action    `json:"action"`
	Message  string    `json:"message,omitempty"`
}

// LogFilter selects task log records. Zero values match everything.
// Past, when set, wins over MinCreated/MaxCreated.
type LogFilter struct {
	Actions    []Action
	MinCreated time.Time
	MaxCreated time.Time
	Past       time.Duration
	Tasks      []string
	Limit      int
}

// TaskLog is a bounded in-memory ring of task actions.
type TaskLog struct {
	mu   sync.Mutex
	buf  []LogRecord
	next int
	full bool
	now  func() time.Time
}

func NewTaskLog(size int) *TaskLog {
	if size <= 0 {
		size = DefaultTaskLogSize
	}
	return &TaskLog{buf: make([]LogRecord, size), now: time.Now}
}

func (l *TaskLog) Add(task string, a Action, msg string) {
	l.mu.Lock()
	l.buf[l.next] = LogRecord{Created: l.now(), TaskName: task, Action: a, Message: msg}
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// all returns records oldest first.
func (l *TaskLog) all() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]LogRecord(nil), l.buf[:l.next]...)
	}
	out := make([]LogRecord, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

// Filter returns matching records newest first. Limit keeps the most recent ones.
func (l *TaskLog) Filter(f LogFilter) []LogRecord {
	minC, maxC := f.MinCreated, f.MaxCreated
	if f.Past > 0 {
		minC, maxC = l.now().Add(-f.Past), time.Time{}
	}
	var out []LogRecord
	for _, r := range l.all() {
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, r.Action) {
			continue
		}
		if len(f.Tasks) > 0 && !slices.Contains(f.Tasks, r.TaskName) {
			continue
		}
		if !minC.IsZero() && r.Created.Before(minC) {
			continue
		}
		if !maxC.IsZero() && r.Created.After(maxC) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// summarize fills the Last* timestamps of t from the log.
func (l *TaskLog) summarize(t *Task) {
	for _, r := range l.all() {
		if r.TaskName != t.Name {
			continue
		}
		switch r.Action {
		case ActionRun:
			t.LastRun = r.Created
		case ActionSuccess:
			t.LastSuccess = r.Created
		case ActionFail:
			t.LastFail = r.Created
		case ActionTerminate:
			t.LastTerminate = r.Created
		case ActionInaction:
			t.LastInaction = r.Created
		case ActionCrash:
			t.LastCrash = r.Created
		}
	}
}

// has reports whether any record exists for task.
func (l *TaskLog) has(task string) bool {
	for _, r := range l.all() {
		if r.TaskName == task {
			return true
		}
	}
	return false
}
