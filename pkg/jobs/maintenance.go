package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// emptyValidate accepts any payload; used by schedule-driven handlers
// that take no input.
func emptyValidate(json.RawMessage) error { return nil }

// linkHealthCheck probes one batch of directory sites.
type linkHealthCheck struct {
	deps Deps
}

func (h *linkHealthCheck) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeLinkHealthCheck,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 30 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *linkHealthCheck) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *linkHealthCheck) Run(ctx context.Context, _ json.RawMessage) error {
	checked, died, err := h.deps.Directory.RunHealthCheckBatch(ctx, h.deps.Fetcher, h.deps.Clock)
	if err != nil {
		return err
	}
	h.deps.Logger.Info("link health batch finished", "checked", checked, "died", died)
	return nil
}

// rankRecalc recomputes directory category rankings.
type rankRecalc struct {
	deps Deps
}

func (h *rankRecalc) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeRankRecalc,
		Family:      jobqueue.FamilyDefault,
		MaxDuration: 5 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *rankRecalc) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *rankRecalc) Run(ctx context.Context, _ json.RawMessage) error {
	n, err := h.deps.Directory.RecalculateRanks(ctx)
	if err != nil {
		return err
	}
	h.deps.Logger.Info("ranks recalculated", "memberships", n)
	return nil
}

// listingExpiration retires listings past their expiry.
type listingExpiration struct {
	deps Deps
}

func (h *listingExpiration) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeListingExpiration,
		Family:      jobqueue.FamilyDefault,
		MaxDuration: 5 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *listingExpiration) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *listingExpiration) Run(ctx context.Context, _ json.RawMessage) error {
	n, err := h.deps.Marketplace.ExpireDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		h.deps.Logger.Info("listings expired", "count", n)
	}
	return nil
}

// listingReminder sends the three-day expiry warnings.
type listingReminder struct {
	deps Deps
}

func (h *listingReminder) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeListingReminder,
		Family:      jobqueue.FamilyDefault,
		MaxDuration: 10 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *listingReminder) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *listingReminder) Run(ctx context.Context, _ json.RawMessage) error {
	n, err := h.deps.Marketplace.RemindDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		h.deps.Logger.Info("expiry reminders queued", "count", n)
	}
	return nil
}

// flagEvalRetention prunes the flag evaluation log.
type flagEvalRetention struct {
	deps Deps
}

func (h *flagEvalRetention) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeFlagEvalRetention,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 15 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *flagEvalRetention) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *flagEvalRetention) Run(ctx context.Context, _ json.RawMessage) error {
	n, err := h.deps.Flags.PruneEvaluations(ctx)
	if err != nil {
		return err
	}
	h.deps.Logger.Info("flag evaluations pruned", "rows", n)
	return nil
}

// violationPrune ages out stale rate limit violation aggregates.
type violationPrune struct {
	deps Deps
}

func (h *violationPrune) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeViolationPrune,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 5 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *violationPrune) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *violationPrune) Run(ctx context.Context, _ json.RawMessage) error {
	cutoff := h.deps.Clock.Now().Add(-30 * 24 * time.Hour)
	n, err := h.deps.Violations.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		h.deps.Logger.Info("rate limit violations pruned", "rows", n)
	}
	return nil
}

// moderatorNotify delivers one notification to the moderation channel.
type moderatorNotify struct {
	deps Deps
}

type moderatorNotifyPayload struct {
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body" validate:"required"`
}

func (h *moderatorNotify) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeModeratorNotify,
		Family:      jobqueue.FamilyLow,
		MaxDuration: 30 * time.Second,
		MaxAttempts: 5,
	}
}

func (h *moderatorNotify) Validate(payload json.RawMessage) error {
	return handler.Bind(payload, &moderatorNotifyPayload{})
}

func (h *moderatorNotify) Run(ctx context.Context, payload json.RawMessage) error {
	var p moderatorNotifyPayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}
	if err := h.deps.Notifier.NotifyModerators(ctx, p.Subject, p.Body); err != nil {
		return jobqueue.Transient(fmt.Errorf("notifying moderators: %w", err))
	}
	return nil
}

// gdprExportSweep assembles pending data export requests. Enqueued on
// demand from the admin surface, never by the ticker.
type gdprExportSweep struct {
	deps Deps
}

func (h *gdprExportSweep) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeGDPRExportSweep,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 30 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *gdprExportSweep) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *gdprExportSweep) Run(ctx context.Context, _ json.RawMessage) error {
	n, err := h.deps.Exports.Sweep(ctx)
	if err != nil {
		return err
	}
	h.deps.Logger.Info("gdpr export sweep finished", "exports", n)
	return nil
}
