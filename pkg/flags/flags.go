// Package flags implements feature flag evaluation with deterministic
// cohort bucketing, whitelists, kill switches, consent-gated evaluation
// logging, and audited mutations.
package flags

import (
	"time"

	"github.com/google/uuid"
)

// Flag is one feature flag's full state.
type Flag struct {
	Key               string
	Description       string
	Enabled           bool
	RolloutPercentage int
	Whitelist         []string
	AnalyticsEnabled  bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// inWhitelist reports whether subjectKey is explicitly enabled.
func (f *Flag) inWhitelist(subjectKey string) bool {
	for _, w := range f.Whitelist {
		if w == subjectKey {
			return true
		}
	}
	return false
}

// Reason explains an evaluation decision.
type Reason string

const (
	ReasonMasterDisabled Reason = "master_disabled"
	ReasonWhitelisted    Reason = "whitelisted"
	ReasonCohortEnabled  Reason = "cohort_enabled"
	ReasonCohortDisabled Reason = "cohort_disabled"
	ReasonUnknownFlag    Reason = "unknown_flag"
)

// Decision is an evaluation result. RolloutSnapshot records the rollout
// percentage at evaluation time for the analytics log.
type Decision struct {
	Enabled         bool
	Reason          Reason
	RolloutSnapshot int
}

// Subject identifies who a flag is evaluated for. The subject key is the
// user id when present, else the session hash, else a stable anonymous id
// derived from the request.
type Subject struct {
	UserID      *uuid.UUID
	SessionHash string
	AnonymousID string
}

// Key returns the stable subject key used for bucketing and whitelists.
func (s Subject) Key() string {
	if s.UserID != nil {
		return s.UserID.String()
	}
	if s.SessionHash != "" {
		return s.SessionHash
	}
	return s.AnonymousID
}

// Audit is one append-only record of a flag mutation.
type Audit struct {
	ID        int64
	FlagKey   string
	ActorID   *uuid.UUID
	Before    *Flag
	After     Flag
	Reason    string
	CreatedAt time.Time
}
