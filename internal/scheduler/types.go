package scheduler

import (
	"context"
	"errors"
	"time"

	"msgsched/internal/dispatch"
	"msgsched/internal/job"
)

var (
	ErrNotStarted      = errors.New("scheduler not started")
	ErrStopping        = errors.New("scheduler stopping")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskState       = errors.New("task is not in a state that allows this operation")
	ErrTaskNotRunning  = errors.New("task is not running")
	ErrJobNotRunnable  = errors.New("job is no longer scheduled")
	ErrTerminated      = errors.New("terminated by operator")
	errStatusRaceLoser = errors.New("status changed by another writer")
)

const (
	DefaultTaskLogSize  = 1000
	DefaultStopTimeout  = 15 * time.Second
	DefaultStoreTimeout = 10 * time.Second
)

type Config struct {
	// ReconcileSpec is a robfig/cron spec for the periodic recovery sweep.
	// Empty disables the sweep; startup recovery always runs.
	ReconcileSpec string
	TaskLogSize   int
	StopTimeout   time.Duration
	// StoreTimeout bounds each status write made after a claim.
	StoreTimeout time.Duration
}

// Gate is the pre-dispatch validation check.
type Gate interface {
	Enabled() bool
	InWindow(sendAt, now time.Time) bool
	Check(ctx context.Context, j *job.Job, now time.Time) (bool, error)
}

// Sender performs one delivery attempt.
type Sender interface {
	Deliver(ctx context.Context, j *job.Job) (dispatch.Result, error)
}

// SubmitRequest is one submission; it fans out into one job per recipient.
type SubmitRequest struct {
	To        string
	Clients   []string
	Body      string
	Type      string
	Template  string
	Params    []job.Param
	UserID    string
	AuthToken string
	SendAt    time.Time
}

// Task is the management view of one job's trigger.
type Task struct {
	Name          string    `json:"name"`
	JobID         string    `json:"job_id"`
	Due           time.Time `json:"due"`
	State         string    `json:"state"`
	Disabled      bool      `json:"disabled"`
	IsRunning     bool      `json:"is_running"`
	ForceRun      bool      `json:"force_run"`
	LastRun       time.Time `json:"last_run,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastFail      time.Time `json:"last_fail,omitempty"`
	LastTerminate time.Time `json:"last_terminate,omitempty"`
	LastInaction  time.Time `json:"last_inaction,omitempty"`
	LastCrash     time.Time `json:"last_crash,omitempty"`
}

// TaskName is the management name of the trigger for a job id.
func TaskName(jobID string) string { return "task_" + jobID }
