package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/karma"
	"github.com/teacurran/village-homepage/pkg/ratelimit"
	"github.com/teacurran/village-homepage/pkg/user"
)

// Service runs the directory state machine.
type Service struct {
	pool    *pgxpool.Pool
	queue   *jobqueue.Queue
	karma   *karma.Engine
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewService creates a directory Service. limiter may be nil (internal
// callers such as jobs are not rate limited).
func NewService(pool *pgxpool.Pool, queue *jobqueue.Queue, karmaEngine *karma.Engine, limiter *ratelimit.Limiter, logger *slog.Logger) *Service {
	return &Service{pool: pool, queue: queue, karma: karmaEngine, limiter: limiter, logger: logger}
}

// enforce applies a rate limit for a user-originated action.
func (s *Service) enforce(ctx context.Context, u user.User, action, endpoint string) error {
	if s.limiter == nil {
		return nil
	}
	sub := ratelimit.Subject{UserID: &u.ID, Trusted: u.TrustLevel.AtLeastTrusted()}
	if err := s.limiter.Enforce(ctx, sub, action, endpoint); err != nil {
		return &jobqueue.Failure{Kind: jobqueue.KindBudget, Err: err}
	}
	return nil
}

// SubmitResult reports what a submission produced.
type SubmitResult struct {
	Site          Site
	Memberships   []SiteCategory
	AutoApproved  bool
	ScreenshotJob *uuid.UUID
}

// Submit validates and persists a site submission. Trusted submitters are
// auto-approved: the site goes live and the submitter's karma is awarded
// in one transaction with the submission itself; the screenshot capture
// job is enqueued after that transaction commits. Everyone else waits
// for a moderator.
func (s *Service) Submit(ctx context.Context, rawURL string, categoryIDs []uuid.UUID, submitter user.User) (SubmitResult, error) {
	domain, err := ValidateSubmission(rawURL, categoryIDs)
	if err != nil {
		return SubmitResult{}, jobqueue.Invalid(err)
	}
	if submitter.IsBanned {
		return SubmitResult{}, jobqueue.Invalid(errors.New("banned users cannot submit"))
	}
	if err := s.enforce(ctx, submitter, "directory_submit", "directory/submit"); err != nil {
		return SubmitResult{}, err
	}

	autoApprove := submitter.TrustLevel.AtLeastTrusted()
	status := StatusPending
	if autoApprove {
		status = StatusApproved
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("beginning submission: %w", err)
	}
	defer tx.Rollback(ctx)

	// Dedupe by domain: a resubmission of a known site reuses the row
	// and only adds the missing category memberships.
	site, err := findSiteByDomain(ctx, tx, domain)
	created := false
	if errors.Is(err, ErrNotFound) {
		site, err = insertSite(ctx, tx, rawURL, domain, submitter.ID, status)
		created = true
	}
	if err != nil {
		return SubmitResult{}, err
	}

	var memberships []SiteCategory
	for _, catID := range categoryIDs {
		m, err := upsertMembership(ctx, tx, site.ID, catID, status)
		if err != nil {
			return SubmitResult{}, err
		}
		memberships = append(memberships, m)
	}

	res := SubmitResult{Site: site, Memberships: memberships, AutoApproved: autoApprove}

	if autoApprove && created {
		if _, err := s.karma.Adjust(ctx, tx, submitter.ID, karma.SubmissionApproved(), nil); err != nil {
			return SubmitResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("committing submission: %w", err)
	}

	// The screenshot enqueue rides outside the transaction: the dedupe
	// key makes a crash-window retry collapse, and a missing screenshot
	// is repaired by the next approval pass.
	if autoApprove {
		jobID, err := s.enqueueScreenshot(ctx, site.ID, site.URL)
		if err != nil {
			s.logger.Error("enqueueing screenshot capture", "site_id", site.ID, "error", err)
		} else {
			res.ScreenshotJob = &jobID
		}
	}
	return res, nil
}

// enqueueScreenshot schedules a capture for the site.
func (s *Service) enqueueScreenshot(ctx context.Context, siteID uuid.UUID, url string) (uuid.UUID, error) {
	return s.queue.Enqueue(ctx, "screenshot_capture", map[string]string{
		"site_id": siteID.String(),
		"url":     url,
	}, jobqueue.Options{
		Family:         jobqueue.FamilyScreenshot,
		IdempotencyKey: "screenshot:" + siteID.String(),
	})
}

// Moderate applies a moderator decision to a site. Approval awards the
// submitter's karma and enqueues a screenshot; rejection penalizes. The
// status change, karma, and audit all commit together.
func (s *Service) Moderate(ctx context.Context, siteID uuid.UUID, to SiteStatus, moderator user.User) error {
	if moderator.TrustLevel != user.TrustModerator {
		return jobqueue.Invalid(errors.New("moderator role required"))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning moderation: %w", err)
	}
	defer tx.Rollback(ctx)

	site, err := getSiteForUpdate(ctx, tx, siteID)
	if err != nil {
		return err
	}
	if !CanTransition(site.Status, to) {
		return fmt.Errorf("%s -> %s: %w", site.Status, to, ErrForbiddenTransition)
	}

	if err := setSiteStatus(ctx, tx, siteID, to, to == StatusDead); err != nil {
		return err
	}
	if err := setMembershipStatuses(ctx, tx, siteID, to); err != nil {
		return err
	}

	switch {
	case to == StatusApproved && site.Status == StatusPending:
		if _, err := s.karma.Adjust(ctx, tx, site.SubmittedBy, karma.SubmissionApproved(), &moderator.ID); err != nil {
			return err
		}
	case to == StatusRejected:
		if _, err := s.karma.Adjust(ctx, tx, site.SubmittedBy, karma.SubmissionRejected(), &moderator.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing moderation: %w", err)
	}

	if to == StatusApproved {
		if _, err := s.enqueueScreenshot(ctx, site.ID, site.URL); err != nil {
			s.logger.Error("enqueueing screenshot capture", "site_id", site.ID, "error", err)
		}
	}
	return nil
}

// Cast records a vote. Everything — the vote row, the aggregate update,
// and the author's karma — commits in one transaction. Re-casting the
// same value is a no-op.
func (s *Service) Cast(ctx context.Context, voter user.User, siteCategoryID uuid.UUID, value int) error {
	if value != 1 && value != -1 {
		return jobqueue.Invalid(fmt.Errorf("vote value must be +1 or -1, got %d", value))
	}
	if err := s.enforce(ctx, voter, "vote", "directory/vote"); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning vote: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := getMembershipForUpdate(ctx, tx, siteCategoryID)
	if err != nil {
		return err
	}
	if m.Status != StatusApproved {
		return ErrNotVotable
	}

	author, err := siteSubmitter(ctx, tx, m.SiteID)
	if err != nil {
		return err
	}

	prev, err := getVote(ctx, tx, voter.ID, siteCategoryID)
	switch {
	case errors.Is(err, ErrNotFound):
		// First vote.
		if err := insertVote(ctx, tx, voter.ID, siteCategoryID, value); err != nil {
			return err
		}
		if err := applyVoteDelta(ctx, tx, siteCategoryID, value, 0); err != nil {
			return err
		}
		ev, err := karma.ReceivedVote(value)
		if err != nil {
			return jobqueue.Invalid(err)
		}
		if author != voter.ID {
			if _, err := s.karma.Adjust(ctx, tx, author, ev, &voter.ID); err != nil {
				return err
			}
		}
	case err != nil:
		return err
	case prev.Value == value:
		// Idempotent: same vote again changes nothing.
		return tx.Commit(ctx)
	default:
		// Vote flip.
		if err := updateVote(ctx, tx, voter.ID, siteCategoryID, value); err != nil {
			return err
		}
		if err := applyVoteDelta(ctx, tx, siteCategoryID, value, prev.Value); err != nil {
			return err
		}
		if author != voter.ID {
			if _, err := s.karma.Adjust(ctx, tx, author, karma.VoteChanged(prev.Value, value), &voter.ID); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing vote: %w", err)
	}
	return nil
}

// Remove deletes a user's vote, reversing its aggregate and karma
// effects. Removing a vote that does not exist is a no-op.
func (s *Service) Remove(ctx context.Context, voter user.User, siteCategoryID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning vote removal: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := getMembershipForUpdate(ctx, tx, siteCategoryID)
	if err != nil {
		return err
	}

	prev, err := getVote(ctx, tx, voter.ID, siteCategoryID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := deleteVote(ctx, tx, voter.ID, siteCategoryID); err != nil {
		return err
	}
	if err := applyVoteDelta(ctx, tx, siteCategoryID, 0, prev.Value); err != nil {
		return err
	}

	author, err := siteSubmitter(ctx, tx, m.SiteID)
	if err != nil {
		return err
	}
	if author != voter.ID {
		if _, err := s.karma.Adjust(ctx, tx, author, karma.VoteRemoved(prev.Value), &voter.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing vote removal: %w", err)
	}
	return nil
}

// RecalculateRanks recomputes rank_in_category for every approved
// membership, ordered by score descending with submission time breaking
// ties. Run hourly.
func (s *Service) RecalculateRanks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE directory_site_categories c
		SET rank_in_category = ranked.rank
		FROM (
			SELECT id, ROW_NUMBER() OVER (
				PARTITION BY category_id
				ORDER BY score DESC, created_at ASC
			) AS rank
			FROM directory_site_categories
			WHERE status = 'approved'
		) ranked
		WHERE c.id = ranked.id`)
	if err != nil {
		return 0, fmt.Errorf("recalculating ranks: %w", err)
	}
	return tag.RowsAffected(), nil
}
