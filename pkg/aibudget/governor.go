package aibudget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
)

// Governor is the AI budget gatekeeper. Callers ask Begin before an AI
// call with their token estimates and report actuals with Record after.
type Governor struct {
	pool         *pgxpool.Pool
	clk          clock.Clock
	pricing      Pricing
	defaultLimit int64
	logger       *slog.Logger
}

// NewGovernor creates a Governor. defaultLimitCents seeds the budget for
// months with no row yet.
func NewGovernor(pool *pgxpool.Pool, clk clock.Clock, pricing Pricing, defaultLimitCents int64, logger *slog.Logger) *Governor {
	if clk == nil {
		clk = clock.System
	}
	return &Governor{pool: pool, clk: clk, pricing: pricing, defaultLimit: defaultLimitCents, logger: logger}
}

// Verdict is the outcome of a Begin check.
type Verdict struct {
	Action      Action
	PercentUsed float64

	// DeferUntil is set for ActionQueue: the next month boundary.
	DeferUntil time.Time
}

// Begin decides whether an AI call may proceed. The estimate is checked
// against the remaining budget: an estimate that would overshoot is
// rejected outright with ErrBudgetExceeded, as is any call once the
// budget is fully spent. Critical callers skip the queue tier but never
// the hard stop.
func (g *Governor) Begin(ctx context.Context, provider string, estInputTokens, estOutputTokens int, critical bool) (Verdict, error) {
	u, err := g.usage(ctx, provider)
	if err != nil {
		return Verdict{}, err
	}

	percent := u.PercentUsed()
	telemetry.AIBudgetPercentUsed.WithLabelValues(provider).Set(percent)

	estCost := g.pricing.Cost(estInputTokens, estOutputTokens)
	if u.EstimatedCostCents+estCost > u.BudgetLimitCents {
		return Verdict{Action: ActionHardStop, PercentUsed: percent},
			fmt.Errorf("estimated %d cents overshoots remaining budget: %w", estCost, ErrBudgetExceeded)
	}

	action := ActionFor(percent)
	switch action {
	case ActionHardStop:
		return Verdict{Action: action, PercentUsed: percent}, ErrBudgetExceeded
	case ActionQueue:
		if critical {
			return Verdict{Action: ActionReduce, PercentUsed: percent}, nil
		}
		return Verdict{Action: action, PercentUsed: percent, DeferUntil: NextMonthStart(g.clk.Now())}, nil
	default:
		return Verdict{Action: action, PercentUsed: percent}, nil
	}
}

// Record reports actual token usage after a call. The accounting row is
// incremented atomically; a serialization conflict under concurrent
// updates is retried with exponential backoff.
func (g *Governor) Record(ctx context.Context, provider string, inputTokens, outputTokens int) error {
	month := MonthStart(g.clk.Now())
	cost := g.pricing.Cost(inputTokens, outputTokens)

	op := func() (struct{}, error) {
		_, err := g.pool.Exec(ctx, `
			INSERT INTO ai_usage (month, provider, requests, input_tokens, output_tokens, estimated_cost_cents, budget_limit_cents)
			VALUES ($1, $2, 1, $3, $4, $5, $6)
			ON CONFLICT (month, provider) DO UPDATE SET
				requests = ai_usage.requests + 1,
				input_tokens = ai_usage.input_tokens + EXCLUDED.input_tokens,
				output_tokens = ai_usage.output_tokens + EXCLUDED.output_tokens,
				estimated_cost_cents = ai_usage.estimated_cost_cents + EXCLUDED.estimated_cost_cents,
				updated_at = now()`,
			month, provider, inputTokens, outputTokens, cost, g.defaultLimit,
		)
		if err != nil && !isSerializationConflict(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	if err != nil {
		return fmt.Errorf("recording ai usage for %s: %w", provider, err)
	}
	return nil
}

// usage loads the current month's row, or a zero row with the default
// limit when the month is untouched.
func (g *Governor) usage(ctx context.Context, provider string) (Usage, error) {
	month := MonthStart(g.clk.Now())

	var u Usage
	err := g.pool.QueryRow(ctx, `
		SELECT month, provider, requests, input_tokens, output_tokens, estimated_cost_cents, budget_limit_cents
		FROM ai_usage WHERE month = $1 AND provider = $2`,
		month, provider,
	).Scan(&u.Month, &u.Provider, &u.Requests, &u.InputTokens, &u.OutputTokens, &u.EstimatedCostCents, &u.BudgetLimitCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{Month: month, Provider: provider, BudgetLimitCents: g.defaultLimit}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("loading ai usage for %s: %w", provider, err)
	}
	return u, nil
}

// SetBudgetLimit updates the month's cap (admin surface).
func (g *Governor) SetBudgetLimit(ctx context.Context, provider string, limitCents int64) error {
	if limitCents <= 0 {
		return fmt.Errorf("budget limit must be positive, got %d", limitCents)
	}
	month := MonthStart(g.clk.Now())
	_, err := g.pool.Exec(ctx, `
		INSERT INTO ai_usage (month, provider, budget_limit_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (month, provider) DO UPDATE SET
			budget_limit_cents = EXCLUDED.budget_limit_cents,
			updated_at = now()`,
		month, provider, limitCents,
	)
	if err != nil {
		return fmt.Errorf("setting ai budget limit for %s: %w", provider, err)
	}
	return nil
}

// isSerializationConflict detects postgres serialization and deadlock
// failures, which are safe to retry.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
