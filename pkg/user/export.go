package user

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/pkg/gateway"
)

// ExportService assembles per-user data exports for data-portability
// requests. Requests are recorded on the user row; the sweep job drains
// them.
type ExportService struct {
	pool   *pgxpool.Pool
	store  gateway.ObjectStore
	logger *slog.Logger
}

// NewExportService creates an ExportService.
func NewExportService(pool *pgxpool.Pool, store gateway.ObjectStore, logger *slog.Logger) *ExportService {
	return &ExportService{pool: pool, store: store, logger: logger}
}

// export is the serialized shape written to the object store.
type export struct {
	User        User              `json:"user"`
	KarmaAudits []exportKarmaRow  `json:"karma_audits"`
	GeneratedAt time.Time         `json:"generated_at"`
}

type exportKarmaRow struct {
	Delta  int       `json:"delta"`
	Reason string    `json:"reason"`
	Before int       `json:"before_karma"`
	After  int       `json:"after_karma"`
	At     time.Time `json:"at"`
}

// Sweep processes every pending export request and returns how many were
// produced. Each export is independent; one failure does not block the
// rest.
func (s *ExportService) Sweep(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM users WHERE export_requested_at IS NOT NULL AND export_completed_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("listing export requests: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning export request: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		if err := s.exportOne(ctx, id); err != nil {
			s.logger.Error("producing data export", "user_id", id, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *ExportService) exportOne(ctx context.Context, id uuid.UUID) error {
	u, err := NewStore(s.pool).Get(ctx, id)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT delta, reason, before_karma, after_karma, created_at
		FROM karma_audits WHERE user_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return fmt.Errorf("loading karma audits: %w", err)
	}
	var audits []exportKarmaRow
	for rows.Next() {
		var r exportKarmaRow
		if err := rows.Scan(&r.Delta, &r.Reason, &r.Before, &r.After, &r.At); err != nil {
			rows.Close()
			return fmt.Errorf("scanning karma audit: %w", err)
		}
		audits = append(audits, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	blob, err := json.MarshalIndent(export{User: u, KarmaAudits: audits, GeneratedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}

	key := fmt.Sprintf("exports/%s.json", id)
	if _, err := s.store.Put(ctx, "gdpr", key, "application/json", blob); err != nil {
		return fmt.Errorf("uploading export: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET export_completed_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking export complete: %w", err)
	}
	return nil
}
