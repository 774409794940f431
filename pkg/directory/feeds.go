package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedSource is one external content source (RSS feed, weather endpoint,
// stock quotes, social timeline). Kind selects the refresh job; Interval
// is the per-source cadence, bounded at write time to 15m–24h for RSS.
type FeedSource struct {
	ID            uuid.UUID
	Kind          string
	URL           string
	Interval      time.Duration
	LastFetchedAt *time.Time
}

// FeedSourcesDue returns RSS sources whose interval has elapsed.
func (s *Service) FeedSourcesDue(ctx context.Context, now time.Time) ([]FeedSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, url, refresh_interval_seconds, last_fetched_at
		FROM feed_sources
		WHERE kind = 'rss_refresh'
		  AND (last_fetched_at IS NULL
		       OR last_fetched_at + make_interval(secs => refresh_interval_seconds) <= $1)`,
		now)
	if err != nil {
		return nil, fmt.Errorf("listing due feed sources: %w", err)
	}
	return scanFeedSources(rows)
}

// FeedSourcesByKind returns every source of one kind.
func (s *Service) FeedSourcesByKind(ctx context.Context, kind string) ([]FeedSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, url, refresh_interval_seconds, last_fetched_at
		FROM feed_sources WHERE kind = $1`,
		kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s feed sources: %w", kind, err)
	}
	return scanFeedSources(rows)
}

type feedRows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

func scanFeedSources(rows feedRows) ([]FeedSource, error) {
	defer rows.Close()
	var out []FeedSource
	for rows.Next() {
		var f FeedSource
		var intervalSecs int64
		if err := rows.Scan(&f.ID, &f.Kind, &f.URL, &intervalSecs, &f.LastFetchedAt); err != nil {
			return nil, fmt.Errorf("scanning feed source: %w", err)
		}
		f.Interval = time.Duration(intervalSecs) * time.Second
		out = append(out, f)
	}
	return out, rows.Err()
}

// StoreFeedDocument saves the latest raw document for a source and stamps
// the fetch time.
func (s *Service) StoreFeedDocument(ctx context.Context, sourceID string, body []byte, at time.Time) error {
	id, err := uuid.Parse(sourceID)
	if err != nil {
		return fmt.Errorf("malformed feed source id %q: %w", sourceID, err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE feed_sources
		SET last_document = $2, last_fetched_at = $3
		WHERE id = $1`,
		id, body, at)
	if err != nil {
		return fmt.Errorf("storing feed document for %s: %w", id, err)
	}
	return nil
}

// ApprovedSiteURLs returns every approved site url for the sitemap.
func (s *Service) ApprovedSiteURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM directory_sites WHERE status = 'approved' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing approved site urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning site url: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
