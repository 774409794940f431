package karma

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/user"
)

// Engine applies karma events. It deliberately has no database handle of
// its own: Adjust runs inside the transaction that carries the triggering
// event (a vote write, a submission status change), never a nested one.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a karma Engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Result describes a committed-if-the-caller-commits adjustment.
type Result struct {
	Before   int
	After    int
	Applied  int
	Promoted bool
}

// Adjust applies one event to a user inside tx. The user row lock
// serializes concurrent adjustments; the audit row is written in the same
// transaction. Crossing the promotion threshold upgrades untrusted users
// to trusted in place.
func (e *Engine) Adjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, ev Event, actorID *uuid.UUID) (Result, error) {
	u, err := user.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("locking user %s for karma adjust: %w", userID, err)
	}

	next, applied := Apply(u.Karma, ev)
	res := Result{Before: u.Karma, After: next, Applied: applied}

	trust := u.TrustLevel
	if u.TrustLevel == user.TrustUntrusted && Promoted(u.Karma, next) {
		trust = user.TrustTrusted
		res.Promoted = true
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET karma = $2, trust_level = $3 WHERE id = $1`,
		userID, next, trust,
	); err != nil {
		return Result{}, fmt.Errorf("updating karma for %s: %w", userID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO karma_audits (user_id, delta, reason, actor_id, before_karma, after_karma)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, applied, ev.Reason, actorID, u.Karma, next,
	); err != nil {
		return Result{}, fmt.Errorf("writing karma audit for %s: %w", userID, err)
	}

	telemetry.KarmaAuditTotal.WithLabelValues(string(ev.Reason)).Inc()
	if res.Promoted {
		e.logger.Info("user auto-promoted to trusted", "user_id", userID, "karma", next)
	}
	return res, nil
}
