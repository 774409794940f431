// Package user holds the minimal user view the work core needs: identity,
// trust level, karma, and ban state.
package user

import (
	"time"

	"github.com/google/uuid"
)

// TrustLevel gates auto-publication and moderation rights.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustTrusted   TrustLevel = "trusted"
	TrustModerator TrustLevel = "moderator"
)

// Valid reports whether t is a known trust level.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustUntrusted, TrustTrusted, TrustModerator:
		return true
	}
	return false
}

// AtLeastTrusted reports whether t carries auto-publish rights.
func (t TrustLevel) AtLeastTrusted() bool {
	return t == TrustTrusted || t == TrustModerator
}

// User is the core's view of an account.
type User struct {
	ID         uuid.UUID
	Email      string
	TrustLevel TrustLevel
	Karma      int
	IsBanned   bool
	BannedAt   *time.Time
	CreatedAt  time.Time
}
