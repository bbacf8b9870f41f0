package eventbus

import "time"

// Job lifecycle event types.
const (
	JobScheduled = "job.scheduled"
	JobClaimed   = "job.claimed"
	JobSent      = "job.sent"
	JobFailed    = "job.failed"
	JobSkipped   = "job.skipped"
)

// JobEvent is the Data payload of every job.* event.
type JobEvent struct {
	ID       string
	To       string
	UserID   string
	Template string
	Status   string
	Code     int
	Error    string
	SendAt   time.Time
}
