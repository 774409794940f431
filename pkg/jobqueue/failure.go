package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a handler failure for retry purposes. The taxonomy is a
// semantic code, never a concrete error type from a collaborator.
type Kind string

const (
	// KindTransient covers network timeouts, 5xx responses, lease expiry,
	// and optimistic-lock conflicts. Retried with backoff.
	KindTransient Kind = "transient"

	// KindThrottle covers HTTP 429 from a collaborator. Retried with a
	// backoff that respects the upstream Retry-After.
	KindThrottle Kind = "throttle_upstream"

	// KindValidation covers bad payloads, unknown types, bad URLs, and
	// forbidden state transitions. Never retried.
	KindValidation Kind = "validation"

	// KindBudget covers AI hard stops and rate limit denials. Surfaced to
	// the caller, never retried silently.
	KindBudget Kind = "budget_exceeded"

	// KindConflict covers duplicate idempotency keys and duplicate votes.
	// Not an error: callers collapse to the existing state.
	KindConflict Kind = "conflict"

	// KindFatal covers an unreachable data store or missing configuration.
	// Stops the worker without advancing job state.
	KindFatal Kind = "fatal"
)

// Failure is the error handlers return to control retry behavior.
type Failure struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration // only meaningful for KindThrottle
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &Failure{Kind: KindTransient, Err: err}
}

// Throttled wraps err as an upstream-throttle failure carrying the
// Retry-After the collaborator asked for.
func Throttled(err error, retryAfter time.Duration) error {
	return &Failure{Kind: KindThrottle, Err: err, RetryAfter: retryAfter}
}

// Invalid wraps err as a non-retryable validation failure.
func Invalid(err error) error {
	return &Failure{Kind: KindValidation, Err: err}
}

// Fatal wraps err as a worker-stopping failure.
func Fatal(err error) error {
	return &Failure{Kind: KindFatal, Err: err}
}

// Retryable reports whether err should be retried with backoff. Errors
// with no classification default to retryable: at-least-once delivery
// prefers a spurious retry over silently dropping work.
func Retryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case KindTransient, KindThrottle:
			return true
		default:
			return false
		}
	}
	return true
}

// ClassOf extracts the failure kind, defaulting to transient.
func ClassOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// RetryAfterOf extracts the upstream Retry-After hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Failure
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}
