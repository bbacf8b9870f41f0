package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusDispatching Status = "dispatching"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDispatching, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// CanTransition encodes the state machine:
//
//	scheduled -> dispatching -> sent | failed | skipped
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusDispatching
	case StatusDispatching:
		return to == StatusSent || to == StatusFailed || to == StatusSkipped
	}
	return false
}

// Param is one typed template parameter.
type Param struct {
	Type string `json:"type" bson:"type"`
	Text string `json:"text" bson:"text"`
}

// Job is a single scheduled message delivery. Field names on the wire and in the
// document store are kept stable for compatibility with existing records.
type Job struct {
	ID        string    `json:"id" bson:"_id"`
	To        string    `json:"to" bson:"to"`
	Body      string    `json:"body" bson:"body"`
	Type      string    `json:"type" bson:"type"`
	Template  string    `json:"template" bson:"template"`
	Params    []Param   `json:"params" bson:"params"`
	UserID    string    `json:"userId" bson:"userId"`
	AuthToken string    `json:"-" bson:"auth_token,omitempty"`
	SendAt    time.Time `json:"send_at" bson:"send_at"`
	Status    Status    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`

	SentAt         *time.Time `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty" bson:"failed_at,omitempty"`
	Error          string     `json:"error,omitempty" bson:"error,omitempty"`
	ResponseStatus *int       `json:"response_status,omitempty" bson:"response_status,omitempty"`
}

// Draft holds the caller-supplied part of a job before it is persisted.
type Draft struct {
	To        string
	Body      string
	Type      string
	Template  string
	Params    []Param
	UserID    string
	AuthToken string
	SendAt    time.Time
}

// CeilMillis rounds t up to the millisecond, the precision every store keeps.
// A job reloaded from storage therefore never fires before its submitted send_at.
func CeilMillis(t time.Time) time.Time {
	t = t.UTC()
	tr := t.Truncate(time.Millisecond)
	if tr.Before(t) {
		tr = tr.Add(time.Millisecond)
	}
	return tr
}

// New builds a Scheduled job with a fresh id. send_at is normalized to UTC and
// rounded up to the millisecond.
func New(d Draft, now time.Time) *Job {
	params := make([]Param, len(d.Params))
	copy(params, d.Params)
	return &Job{
		ID:        uuid.NewString(),
		To:        strings.TrimSpace(d.To),
		Body:      d.Body,
		Type:      d.Type,
		Template:  d.Template,
		Params:    params,
		UserID:    d.UserID,
		AuthToken: d.AuthToken,
		SendAt:    CeilMillis(d.SendAt),
		Status:    StatusScheduled,
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Params = append([]Param(nil), j.Params...)
	if j.SentAt != nil {
		t := *j.SentAt
		cp.SentAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		cp.FailedAt = &t
	}
	if j.ResponseStatus != nil {
		c := *j.ResponseStatus
		cp.ResponseStatus = &c
	}
	return &cp
}

// Fields are the columns written together with a status transition.
// Zero-valued fields are left untouched.
type Fields struct {
	SentAt         time.Time
	FailedAt       time.Time
	Error          string
	ResponseStatus int
}

// Apply writes next and f onto j. Stores that keep Go values (memory) share it.
func (j *Job) Apply(next Status, f Fields) {
	j.Status = next
	if !f.SentAt.IsZero() {
		t := f.SentAt.UTC()
		j.SentAt = &t
	}
	if !f.FailedAt.IsZero() {
		t := f.FailedAt.UTC()
		j.FailedAt = &t
	}
	if f.Error != "" {
		j.Error = f.Error
	}
	if f.ResponseStatus != 0 {
		c := f.ResponseStatus
		j.ResponseStatus = &c
	}
}
