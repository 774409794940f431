// Package marketplace implements the classifieds listing lifecycle:
// creation, paid promotion, bumping, expiry, flagging, and the
// masked-email relay that keeps seller addresses private.
package marketplace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the listing lifecycle state.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusRemoved        Status = "removed"
	StatusFlagged        Status = "flagged"
)

// transitions lists the legal moves. Flagging and removal are reachable
// from anywhere, handled separately.
var transitions = map[Status][]Status{
	StatusDraft:          {StatusActive, StatusPendingPayment},
	StatusPendingPayment: {StatusActive},
	StatusActive:         {StatusExpired},
	StatusExpired:        {StatusActive},
	StatusFlagged:        {StatusActive, StatusExpired},
}

// CanTransition reports whether from → to is legal. Removal and flagging
// are always permitted.
func CanTransition(from, to Status) bool {
	if to == StatusRemoved || to == StatusFlagged {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrForbiddenTransition is returned for illegal status moves.
	ErrForbiddenTransition = errors.New("forbidden listing transition")

	// ErrNotFound is returned for unknown listings.
	ErrNotFound = errors.New("listing not found")

	// ErrBumpTooSoon is returned when a bump arrives inside the cooldown.
	ErrBumpTooSoon = errors.New("listing bumped too recently")
)

// Lifecycle constants.
const (
	listingDuration = 30 * 24 * time.Hour
	bumpCooldown    = 24 * time.Hour
	reminderLead    = 3 * 24 * time.Hour
	flagThreshold   = 3

	titleMin = 10
	titleMax = 100
	descMin  = 50
	descMax  = 8000
)

// Listing is one marketplace post.
type Listing struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID
	CategoryID   uuid.UUID
	GeoCity      string
	Title        string
	Description  string
	PriceCents   *int64
	ContactEmail string
	Status       Status
	ExpiresAt    *time.Time
	LastBumpedAt *time.Time
	ReminderSent bool
	FlagCount    int
	CreatedAt    time.Time
}

// Validate checks the field constraints for creation.
func Validate(title, description string, priceCents *int64) error {
	if n := len(title); n < titleMin || n > titleMax {
		return fmt.Errorf("title must be %d to %d characters, got %d", titleMin, titleMax, n)
	}
	if n := len(description); n < descMin || n > descMax {
		return fmt.Errorf("description must be %d to %d characters, got %d", descMin, descMax, n)
	}
	if priceCents != nil && *priceCents < 0 {
		return fmt.Errorf("price must be zero or positive, got %d", *priceCents)
	}
	return nil
}

// MaskedEmail builds the relay address for a listing.
func MaskedEmail(listingID uuid.UUID, relayDomain string) string {
	return fmt.Sprintf("listing-%s@%s", listingID, relayDomain)
}

// maskedEmailPattern matches listing-{uuid}@{domain}.
var maskedEmailPattern = regexp.MustCompile(`^listing-([0-9a-fA-F-]{36})@(.+)$`)

// ParseMaskedEmail extracts the listing id from a relay address.
func ParseMaskedEmail(address string) (uuid.UUID, error) {
	m := maskedEmailPattern.FindStringSubmatch(strings.TrimSpace(address))
	if m == nil {
		return uuid.Nil, fmt.Errorf("address %q is not a listing relay address", address)
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("address %q carries a malformed listing id: %w", address, err)
	}
	return id, nil
}

// CanBump reports whether enough time has passed since the last bump.
func CanBump(lastBumpedAt *time.Time, now time.Time) bool {
	return lastBumpedAt == nil || now.Sub(*lastBumpedAt) >= bumpCooldown
}

// ReminderDue reports whether the expiry reminder should go out: inside
// the lead window, not already sent, and not already past expiry.
func ReminderDue(l Listing, now time.Time) bool {
	if l.Status != StatusActive || l.ReminderSent || l.ExpiresAt == nil {
		return false
	}
	return now.Before(*l.ExpiresAt) && now.Add(reminderLead).After(*l.ExpiresAt)
}
