// Package trigger keeps the in-memory index of job id to one-shot timer.
//
// The registry is derived state: it is never persisted and is rebuilt from the
// pending jobs in the store at startup. Duplicate registrations are no-ops, so
// the submission path and the recovery loader may race freely.
package trigger
