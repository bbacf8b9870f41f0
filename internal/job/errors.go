package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateRegistration is benign: a second registration for the same id is a no-op.
	// It is only ever logged, never returned to a caller.
	ErrDuplicateRegistration = errors.New("job already registered")
)

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a Job Store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist wraps err as a PersistenceError unless it is nil or already one.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ValidationGateError means the pre-dispatch check could not be completed.
// The caller proceeds anyway.
type ValidationGateError struct {
	Err error
}

func (e *ValidationGateError) Error() string { return "validation gate: " + e.Err.Error() }
func (e *ValidationGateError) Unwrap() error { return e.Err }

// DeliveryError is any failed delivery attempt. Code is the HTTP status when one was received.
type DeliveryError struct {
	Code   int
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("delivery failed: status %d: %s", e.Code, e.Reason)
	}
	return "delivery failed: " + e.Reason
}

func (e *DeliveryError) Unwrap() error { return e.Err }
