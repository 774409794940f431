package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for unknown flag keys.
var ErrNotFound = errors.New("feature flag not found")

// Store persists flags, their audit trail, and the evaluation log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a flag Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const flagColumns = `flag_key, description, enabled, rollout_percentage, whitelist, analytics_enabled, created_at, updated_at`

// Get loads one flag by key.
func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM feature_flags WHERE flag_key = $1`, key)
	return scanFlag(row)
}

// List returns all flags ordered by key.
func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flagColumns+` FROM feature_flags ORDER BY flag_key`)
	if err != nil {
		return nil, fmt.Errorf("listing flags: %w", err)
	}
	defer rows.Close()

	var out []*Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Mutation describes a flag write. Nil fields are left unchanged.
type Mutation struct {
	Description       *string
	Enabled           *bool
	RolloutPercentage *int
	Whitelist         *[]string
	AnalyticsEnabled  *bool
}

// Upsert creates or updates a flag and appends the audit record in the
// same transaction. Writes to the same flag key serialize on the row
// lock, so concurrent mutations cannot interleave their audit entries.
func (s *Store) Upsert(ctx context.Context, key string, m Mutation, actorID *uuid.UUID, reason string) (*Flag, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning flag mutation: %w", err)
	}
	defer tx.Rollback(ctx)

	var before *Flag
	row := tx.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM feature_flags WHERE flag_key = $1 FOR UPDATE`, key)
	before, err = scanFlag(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	after := Flag{Key: key}
	if before != nil {
		after = *before
	}
	if m.Description != nil {
		after.Description = *m.Description
	}
	if m.Enabled != nil {
		after.Enabled = *m.Enabled
	}
	if m.RolloutPercentage != nil {
		after.RolloutPercentage = clampRollout(*m.RolloutPercentage)
	}
	if m.Whitelist != nil {
		after.Whitelist = *m.Whitelist
	}
	if m.AnalyticsEnabled != nil {
		after.AnalyticsEnabled = *m.AnalyticsEnabled
	}
	if after.Whitelist == nil {
		after.Whitelist = []string{}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO feature_flags (flag_key, description, enabled, rollout_percentage, whitelist, analytics_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flag_key) DO UPDATE SET
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			rollout_percentage = EXCLUDED.rollout_percentage,
			whitelist = EXCLUDED.whitelist,
			analytics_enabled = EXCLUDED.analytics_enabled,
			updated_at = now()
		RETURNING created_at, updated_at`,
		key, after.Description, after.Enabled, after.RolloutPercentage, after.Whitelist, after.AnalyticsEnabled,
	).Scan(&after.CreatedAt, &after.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting flag %s: %w", key, err)
	}

	beforeJSON, err := marshalFlag(before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := marshalFlag(&after)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO feature_flag_audits (flag_key, actor_id, before, after, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		key, actorID, beforeJSON, afterJSON, reason,
	)
	if err != nil {
		return nil, fmt.Errorf("writing flag audit for %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing flag mutation %s: %w", key, err)
	}
	return &after, nil
}

// Audits returns the audit trail for a flag, newest first.
func (s *Store) Audits(ctx context.Context, key string, limit int) ([]Audit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, flag_key, actor_id, before, after, reason, created_at
		FROM feature_flag_audits WHERE flag_key = $1
		ORDER BY id DESC LIMIT $2`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing flag audits for %s: %w", key, err)
	}
	defer rows.Close()

	var out []Audit
	for rows.Next() {
		var a Audit
		var beforeJSON, afterJSON []byte
		if err := rows.Scan(&a.ID, &a.FlagKey, &a.ActorID, &beforeJSON, &afterJSON, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning flag audit: %w", err)
		}
		if len(beforeJSON) > 0 {
			var b Flag
			if err := json.Unmarshal(beforeJSON, &b); err == nil {
				a.Before = &b
			}
		}
		if err := json.Unmarshal(afterJSON, &a.After); err != nil {
			return nil, fmt.Errorf("decoding flag audit after-state: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LogEvaluation appends one evaluation row. Callers gate this on
// analytics_enabled and consent; the store never writes unconditionally.
func (s *Store) LogEvaluation(ctx context.Context, flagKey, subjectKey string, d Decision, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feature_flag_evaluations (flag_key, subject_key, decision, reason, rollout_snapshot, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		flagKey, subjectKey, d.Enabled, d.Reason, d.RolloutSnapshot, at,
	)
	if err != nil {
		return fmt.Errorf("logging flag evaluation %s: %w", flagKey, err)
	}
	return nil
}

// PruneEvaluations enforces the evaluation log retention window.
func (s *Store) PruneEvaluations(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM feature_flag_evaluations WHERE evaluated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning flag evaluations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanFlag(row pgx.Row) (*Flag, error) {
	var f Flag
	err := row.Scan(&f.Key, &f.Description, &f.Enabled, &f.RolloutPercentage,
		&f.Whitelist, &f.AnalyticsEnabled, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning flag: %w", err)
	}
	return &f, nil
}

func marshalFlag(f *Flag) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding flag state: %w", err)
	}
	return b, nil
}
