// Package seed loads the baseline data a fresh deployment needs:
// default rate limit rules, the canonical feature flags, and a
// super-admin API key printed once to stdout.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/internal/auth"
)

// Run applies the baseline data. Idempotent: rerunning leaves existing rows untouched.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if err := seedRules(ctx, pool); err != nil {
		return err
	}
	if err := seedFlags(ctx, pool); err != nil {
		return err
	}
	if err := seedAdminKey(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("seed complete")
	return nil
}

func seedRules(ctx context.Context, pool *pgxpool.Pool) error {
	rules := []struct {
		action string
		tier   string
		limit  int
		window int
	}{
		{"directory_submit", "anonymous", 2, 3600},
		{"directory_submit", "logged_in", 5, 3600},
		{"directory_submit", "trusted", 20, 3600},
		{"vote", "logged_in", 60, 3600},
		{"vote", "trusted", 200, 3600},
		{"listing_create", "logged_in", 5, 86400},
		{"listing_create", "trusted", 20, 86400},
		{"listing_flag", "logged_in", 10, 3600},
		{"ai_request", "logged_in", 10, 3600},
		{"ai_request", "trusted", 30, 3600},
	}

	for _, r := range rules {
		_, err := pool.Exec(ctx, `
			INSERT INTO rate_limit_rules (action_type, tier, limit_count, window_seconds)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (action_type, tier) DO NOTHING`,
			r.action, r.tier, r.limit, r.window)
		if err != nil {
			return fmt.Errorf("seeding rule %s/%s: %w", r.action, r.tier, err)
		}
	}
	return nil
}

func seedFlags(ctx context.Context, pool *pgxpool.Pool) error {
	flags := []struct {
		key         string
		description string
		enabled     bool
		rollout     int
	}{
		{"new_directory_ui", "Redesigned directory browse experience", true, 0},
		{"ai_site_summaries", "LLM-generated site descriptions", true, 100},
		{"marketplace_promotions", "Paid bump and featured listings", true, 100},
		{"weather_widget_v2", "Open-Meteo backed weather widget", false, 0},
	}

	for _, f := range flags {
		_, err := pool.Exec(ctx, `
			INSERT INTO feature_flags (flag_key, description, enabled, rollout_percentage)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (flag_key) DO NOTHING`,
			f.key, f.description, f.enabled, f.rollout)
		if err != nil {
			return fmt.Errorf("seeding flag %s: %w", f.key, err)
		}
	}
	return nil
}

func seedAdminKey(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var existing int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE role = 'super_admin' AND revoked_at IS NULL`,
	).Scan(&existing); err != nil {
		return fmt.Errorf("checking for admin keys: %w", err)
	}
	if existing > 0 {
		return nil
	}

	keys := auth.NewKeyStore(pool)
	plaintext, id, err := keys.Create(ctx, "bootstrap", auth.RoleSuperAdmin)
	if err != nil {
		return fmt.Errorf("creating bootstrap key: %w", err)
	}

	// Printed once; the hash is all that survives in the database.
	fmt.Printf("bootstrap super_admin api key (id %s): %s\n", id, plaintext)
	logger.Info("bootstrap admin key created", "key_id", id)
	return nil
}
