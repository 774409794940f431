// Package jobqueue implements the durable, at-least-once background job
// queue: prioritized family queues, lease-based claims, retries with
// exponential backoff, and a dead letter state for poisoned jobs.
package jobqueue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Family partitions the queue so that worker pools and SLAs can be
// segregated. Cross-family ordering is never guaranteed.
type Family string

const (
	FamilyDefault    Family = "default"
	FamilyHigh       Family = "high"
	FamilyLow        Family = "low"
	FamilyBulk       Family = "bulk"
	FamilyScreenshot Family = "screenshot"
)

// Families lists every valid family, in canonical order.
func Families() []Family {
	return []Family{FamilyDefault, FamilyHigh, FamilyLow, FamilyBulk, FamilyScreenshot}
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyDefault, FamilyHigh, FamilyLow, FamilyBulk, FamilyScreenshot:
		return true
	}
	return false
}

// Status is the job lifecycle state. succeeded and dead are absorbing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// DefaultMaxAttempts applies when neither the handler declaration nor the
// enqueue options override it.
const DefaultMaxAttempts = 5

// Job is one unit of background work.
type Job struct {
	ID             uuid.UUID
	Type           string
	Family         Family
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  *time.Time
	LeaseHolder    *string
	LeaseExpiresAt *time.Time
	LastError      *string
	IdempotencyKey *string
	EnqueuedAt     time.Time
	FirstStartedAt *time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the job is in an absorbing state.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusDead
}

var (
	// ErrNotLeaseHolder is returned when a worker operates on a job whose
	// lease it does not hold.
	ErrNotLeaseHolder = errors.New("worker is not the lease holder")

	// ErrLeaseExpired is returned when a lease renewal arrives after the
	// lease already lapsed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotFound is returned when the job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrNotDead is returned when Revive is called on a job that is not in
	// the dead letter state.
	ErrNotDead = errors.New("job is not dead")

	// ErrUnknownType is returned when a job is enqueued or claimed for a
	// type with no registered handler.
	ErrUnknownType = errors.New("unknown job type")
)
