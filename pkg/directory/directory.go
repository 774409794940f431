// Package directory implements the curated web directory: submissions,
// voting, ranking, and dead-link handling. Trust gates auto-publication;
// karma flows from voting and moderation through the karma engine inside
// the same transactions that record the triggering events.
package directory

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SiteStatus is the submission lifecycle state.
type SiteStatus string

const (
	StatusPending  SiteStatus = "pending"
	StatusApproved SiteStatus = "approved"
	StatusRejected SiteStatus = "rejected"
	StatusDead     SiteStatus = "dead"
	StatusRemoved  SiteStatus = "removed"
)

// transitions lists the legal site status moves.
var transitions = map[SiteStatus][]SiteStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusDead, StatusRemoved},
	StatusDead:     {StatusApproved, StatusRemoved},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to SiteStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrForbiddenTransition is returned for illegal status moves.
var ErrForbiddenTransition = errors.New("forbidden status transition")

// ErrNotFound is returned for unknown sites, memberships, or votes.
var ErrNotFound = errors.New("not found")

// ErrNotVotable is returned when a vote targets a non-approved membership.
var ErrNotVotable = errors.New("site category is not open for voting")

// Site is one directory entry.
type Site struct {
	ID                  uuid.UUID
	URL                 string
	Domain              string
	Title               string
	Description         string
	ScreenshotURL       *string
	OGImageURL          *string
	FaviconURL          *string
	SubmittedBy         uuid.UUID
	Status              SiteStatus
	IsDead              bool
	HealthCheckFailures int
	LastCheckedAt       *time.Time
	CreatedAt           time.Time
}

// SiteCategory is a site's membership in one category with its vote
// aggregates.
type SiteCategory struct {
	ID             uuid.UUID
	SiteID         uuid.UUID
	CategoryID     uuid.UUID
	Score          int
	Upvotes        int
	Downvotes      int
	RankInCategory *int
	Status         SiteStatus
	CreatedAt      time.Time
}

// Vote is one user's vote on a site-category membership.
type Vote struct {
	UserID         uuid.UUID
	SiteCategoryID uuid.UUID
	Value          int
	CreatedAt      time.Time
}

// submission limits.
const (
	minCategories = 1
	maxCategories = 3
)

// ValidateSubmission checks the url and category selection. The returned
// domain is lowercased with any www prefix stripped, which is what
// dedupe keys on.
func ValidateSubmission(rawURL string, categoryIDs []uuid.UUID) (domain string, err error) {
	if len(categoryIDs) < minCategories || len(categoryIDs) > maxCategories {
		return "", fmt.Errorf("submissions take %d to %d categories, got %d", minCategories, maxCategories, len(categoryIDs))
	}
	seen := make(map[uuid.UUID]bool, len(categoryIDs))
	for _, id := range categoryIDs {
		if seen[id] {
			return "", fmt.Errorf("duplicate category %s", id)
		}
		seen[id] = true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url has no host")
	}
	return strings.TrimPrefix(host, "www."), nil
}
