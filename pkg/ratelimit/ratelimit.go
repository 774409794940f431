// Package ratelimit enforces per-(action, tier) sliding-window limits.
// Counters live in redis; rules live in postgres behind a process-local
// cache that is invalidated over redis pub/sub when a rule changes.
package ratelimit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLimited is returned by helpers that enforce a decision: the caller
// must surface it, never retry silently.
var ErrLimited = errors.New("rate limited")

// Tier buckets subjects by trust for rule selection.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierLoggedIn  Tier = "logged_in"
	TierTrusted   Tier = "trusted"
)

// Subject identifies the caller being limited.
type Subject struct {
	// UserID is set for authenticated callers.
	UserID *uuid.UUID

	// SessionHash identifies anonymous sessions.
	SessionHash string

	// IP is the caller's address, kept for the violations log.
	IP string

	// Trusted is true when the user's trust level is trusted or moderator.
	Trusted bool
}

// Key returns the counter key component for the subject: the user id when
// present, otherwise the session hash, otherwise the bare IP.
func (s Subject) Key() string {
	if s.UserID != nil {
		return "u:" + s.UserID.String()
	}
	if s.SessionHash != "" {
		return "s:" + s.SessionHash
	}
	return "ip:" + s.IP
}

// Tier derives the rule tier from the subject's state.
func (s Subject) Tier() Tier {
	switch {
	case s.UserID == nil:
		return TierAnonymous
	case s.Trusted:
		return TierTrusted
	default:
		return TierLoggedIn
	}
}

// Rule is one (action, tier) limit.
type Rule struct {
	Action        string
	Tier          Tier
	LimitCount    int
	WindowSeconds int
}

// Window returns the rule's window as a duration.
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
