package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const siteColumns = `id, url, domain, title, description, screenshot_url, og_image_url,
	favicon_url, submitted_by, status, is_dead, health_check_failures, last_checked_at, created_at`

func scanSite(row pgx.Row) (Site, error) {
	var s Site
	err := row.Scan(&s.ID, &s.URL, &s.Domain, &s.Title, &s.Description,
		&s.ScreenshotURL, &s.OGImageURL, &s.FaviconURL, &s.SubmittedBy,
		&s.Status, &s.IsDead, &s.HealthCheckFailures, &s.LastCheckedAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	if err != nil {
		return Site{}, fmt.Errorf("scanning site: %w", err)
	}
	return s, nil
}

func findSiteByDomain(ctx context.Context, tx pgx.Tx, domain string) (Site, error) {
	return scanSite(tx.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM directory_sites
		 WHERE domain = $1 AND status NOT IN ('removed', 'rejected')
		 ORDER BY created_at LIMIT 1`, domain))
}

func insertSite(ctx context.Context, tx pgx.Tx, rawURL, domain string, submittedBy uuid.UUID, status SiteStatus) (Site, error) {
	return scanSite(tx.QueryRow(ctx, `
		INSERT INTO directory_sites (id, url, domain, submitted_by, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+siteColumns,
		uuid.New(), rawURL, domain, submittedBy, status))
}

func getSiteForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Site, error) {
	return scanSite(tx.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM directory_sites WHERE id = $1 FOR UPDATE`, id))
}

func setSiteStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status SiteStatus, isDead bool) error {
	tag, err := tx.Exec(ctx,
		`UPDATE directory_sites SET status = $2, is_dead = $3 WHERE id = $1`,
		id, status, isDead)
	if err != nil {
		return fmt.Errorf("setting site %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func setMembershipStatuses(ctx context.Context, tx pgx.Tx, siteID uuid.UUID, status SiteStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE directory_site_categories SET status = $2 WHERE site_id = $1`,
		siteID, status)
	if err != nil {
		return fmt.Errorf("setting membership statuses for site %s: %w", siteID, err)
	}
	return nil
}

const membershipColumns = `id, site_id, category_id, score, upvotes, downvotes, rank_in_category, status, created_at`

func scanMembership(row pgx.Row) (SiteCategory, error) {
	var m SiteCategory
	err := row.Scan(&m.ID, &m.SiteID, &m.CategoryID, &m.Score, &m.Upvotes,
		&m.Downvotes, &m.RankInCategory, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SiteCategory{}, ErrNotFound
	}
	if err != nil {
		return SiteCategory{}, fmt.Errorf("scanning site category: %w", err)
	}
	return m, nil
}

// upsertMembership creates the (site, category) membership or returns the
// existing one untouched.
func upsertMembership(ctx context.Context, tx pgx.Tx, siteID, categoryID uuid.UUID, status SiteStatus) (SiteCategory, error) {
	m, err := scanMembership(tx.QueryRow(ctx, `
		INSERT INTO directory_site_categories (id, site_id, category_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, category_id) DO NOTHING
		RETURNING `+membershipColumns,
		uuid.New(), siteID, categoryID, status))
	if errors.Is(err, ErrNotFound) {
		return scanMembership(tx.QueryRow(ctx,
			`SELECT `+membershipColumns+` FROM directory_site_categories
			 WHERE site_id = $1 AND category_id = $2`, siteID, categoryID))
	}
	return m, err
}

func getMembershipForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (SiteCategory, error) {
	return scanMembership(tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM directory_site_categories WHERE id = $1 FOR UPDATE`, id))
}

func siteSubmitter(ctx context.Context, tx pgx.Tx, siteID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT submitted_by FROM directory_sites WHERE id = $1`, siteID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading site %s submitter: %w", siteID, err)
	}
	return id, nil
}

func getVote(ctx context.Context, tx pgx.Tx, userID, siteCategoryID uuid.UUID) (Vote, error) {
	var v Vote
	err := tx.QueryRow(ctx,
		`SELECT user_id, site_category_id, value, created_at
		 FROM directory_votes WHERE user_id = $1 AND site_category_id = $2`,
		userID, siteCategoryID).Scan(&v.UserID, &v.SiteCategoryID, &v.Value, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Vote{}, ErrNotFound
	}
	if err != nil {
		return Vote{}, fmt.Errorf("loading vote: %w", err)
	}
	return v, nil
}

func insertVote(ctx context.Context, tx pgx.Tx, userID, siteCategoryID uuid.UUID, value int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO directory_votes (user_id, site_category_id, value) VALUES ($1, $2, $3)`,
		userID, siteCategoryID, value)
	if err != nil {
		return fmt.Errorf("inserting vote: %w", err)
	}
	return nil
}

func updateVote(ctx context.Context, tx pgx.Tx, userID, siteCategoryID uuid.UUID, value int) error {
	_, err := tx.Exec(ctx,
		`UPDATE directory_votes SET value = $3 WHERE user_id = $1 AND site_category_id = $2`,
		userID, siteCategoryID, value)
	if err != nil {
		return fmt.Errorf("updating vote: %w", err)
	}
	return nil
}

func deleteVote(ctx context.Context, tx pgx.Tx, userID, siteCategoryID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM directory_votes WHERE user_id = $1 AND site_category_id = $2`,
		userID, siteCategoryID)
	if err != nil {
		return fmt.Errorf("deleting vote: %w", err)
	}
	return nil
}

// applyVoteDelta moves the aggregates from oldValue to newValue. A zero
// means "no vote" on that side. The score column follows the up/down
// counts in the same statement, preserving score = upvotes - downvotes.
func applyVoteDelta(ctx context.Context, tx pgx.Tx, siteCategoryID uuid.UUID, newValue, oldValue int) error {
	upDelta, downDelta := 0, 0
	switch oldValue {
	case 1:
		upDelta--
	case -1:
		downDelta--
	}
	switch newValue {
	case 1:
		upDelta++
	case -1:
		downDelta++
	}

	_, err := tx.Exec(ctx, `
		UPDATE directory_site_categories
		SET upvotes = upvotes + $2,
		    downvotes = downvotes + $3,
		    score = (upvotes + $2) - (downvotes + $3)
		WHERE id = $1`,
		siteCategoryID, upDelta, downDelta)
	if err != nil {
		return fmt.Errorf("applying vote delta: %w", err)
	}
	return nil
}

// BatchForHealthCheck returns sites due for a probe in ascending
// last-checked order. Null last_checked_at sorts first so new sites get
// their first check promptly. Dead sites are probed too: a recovery
// resets their failure counter even though only a moderator can restore
// them.
func (s *Service) BatchForHealthCheck(ctx context.Context, limit int) ([]Site, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+siteColumns+` FROM directory_sites
		 WHERE status IN ('approved', 'dead')
		 ORDER BY last_checked_at ASC NULLS FIRST
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sites for health check: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

// GetSite loads one site.
func (s *Service) GetSite(ctx context.Context, id uuid.UUID) (Site, error) {
	return scanSite(s.pool.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM directory_sites WHERE id = $1`, id))
}

// SetDescription stores a generated site description.
func (s *Service) SetDescription(ctx context.Context, id uuid.UUID, description string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE directory_sites SET description = $2 WHERE id = $1`, id, description)
	if err != nil {
		return fmt.Errorf("setting description for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScreenshotURL records the captured image location.
func (s *Service) SetScreenshotURL(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE directory_sites SET screenshot_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("setting screenshot url for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// recordHealthResult persists the outcome of one health probe.
func (s *Service) recordHealthResult(ctx context.Context, id uuid.UUID, failures int, dead bool, at time.Time) error {
	var err error
	if dead {
		_, err = s.pool.Exec(ctx, `
			UPDATE directory_sites
			SET health_check_failures = $2, last_checked_at = $3, status = 'dead', is_dead = TRUE
			WHERE id = $1 AND status = 'approved'`,
			id, failures, at)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE directory_sites
			SET health_check_failures = $2, last_checked_at = $3
			WHERE id = $1`,
			id, failures, at)
	}
	if err != nil {
		return fmt.Errorf("recording health result for %s: %w", id, err)
	}
	return nil
}
