package flags

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
)

// evaluationRetention is how long evaluation rows are kept.
const evaluationRetention = 90 * 24 * time.Hour

// Service is the evaluation front door: it loads flag state, applies the
// pure evaluation, and writes the analytics row when consent allows.
type Service struct {
	store  *Store
	clk    clock.Clock
	logger *slog.Logger
}

// NewService creates a flag Service.
func NewService(store *Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System
	}
	return &Service{store: store, clk: clk, logger: logger}
}

// Evaluate decides the flag for the subject. An unknown flag is off with
// reason "unknown_flag" rather than an error: a missing flag must never
// take a request down. The evaluation row is written only when the flag
// has analytics enabled AND the subject granted consent.
func (s *Service) Evaluate(ctx context.Context, flagKey string, subject Subject, consent bool) Decision {
	f, err := s.store.Get(ctx, flagKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("loading flag", "flag", flagKey, "error", err)
		}
		return Decision{Enabled: false, Reason: ReasonUnknownFlag}
	}

	d := Evaluate(f, subject.Key())
	telemetry.FlagEvaluationsTotal.WithLabelValues(flagKey, string(d.Reason)).Inc()

	if f.AnalyticsEnabled && consent {
		if err := s.store.LogEvaluation(ctx, flagKey, subject.Key(), d, s.clk.Now()); err != nil {
			s.logger.Warn("writing flag evaluation row", "flag", flagKey, "error", err)
		}
	}
	return d
}

// PruneEvaluations deletes evaluation rows past the retention window.
// Run from the daily maintenance job.
func (s *Service) PruneEvaluations(ctx context.Context) (int64, error) {
	return s.store.PruneEvaluations(ctx, s.clk.Now().Add(-evaluationRetention))
}
