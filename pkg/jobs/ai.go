package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teacurran/village-homepage/pkg/aibudget"
	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// Model tiers for the down-shift ladder.
const (
	modelStandard = "gpt-4o"
	modelCheap    = "gpt-4o-mini"
)

// aiSummarize produces a short description for a directory site from its
// crawled text. Every call passes through the budget governor: reduced
// budgets down-shift the model, queued budgets defer the job to next
// month, and a spent budget kills it.
type aiSummarize struct {
	deps Deps
}

type aiSummarizePayload struct {
	SiteID string `json:"site_id" validate:"required,uuid"`
	Text   string `json:"text" validate:"required,min=1,max=100000"`

	// Critical requests skip the queue tier (but never the hard stop).
	Critical bool `json:"critical"`
}

func (h *aiSummarize) Declare() handler.Declaration {
	return handler.Declaration{
		Type:         TypeAISummarize,
		Family:       jobqueue.FamilyBulk,
		Capabilities: []string{"ai"},
		MaxDuration:  2 * time.Minute,
		MaxAttempts:  3,
	}
}

func (h *aiSummarize) Validate(payload json.RawMessage) error {
	return handler.Bind(payload, &aiSummarizePayload{})
}

func (h *aiSummarize) Run(ctx context.Context, payload json.RawMessage) error {
	var p aiSummarizePayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}

	prompt := "Summarize this website in two sentences for a web directory:\n\n" + p.Text
	estIn := h.deps.AI.EstimateTokens(prompt)
	const estOut = 120

	verdict, err := h.deps.Budget.Begin(ctx, h.deps.AIProvider, estIn, estOut, p.Critical)
	if err != nil {
		if errors.Is(err, aibudget.ErrBudgetExceeded) {
			return &jobqueue.Failure{Kind: jobqueue.KindBudget, Err: err}
		}
		return err
	}

	model := modelStandard
	switch verdict.Action {
	case aibudget.ActionReduce:
		model = modelCheap
	case aibudget.ActionQueue:
		// Re-enqueue for the next month and succeed this run; the
		// deferred copy carries the same payload.
		_, err := h.deps.Queue.Enqueue(ctx, TypeAISummarize, json.RawMessage(payload), jobqueue.Options{
			Family:         jobqueue.FamilyBulk,
			NotBefore:      verdict.DeferUntil,
			IdempotencyKey: "ai-deferred:" + p.SiteID,
		})
		if err != nil {
			return fmt.Errorf("deferring ai job: %w", err)
		}
		h.deps.Logger.Info("ai request deferred to next month",
			"site_id", p.SiteID, "percent_used", verdict.PercentUsed)
		return nil
	}

	completion, err := h.deps.AI.Complete(ctx, prompt, model, estOut)
	if err != nil {
		return jobqueue.Transient(fmt.Errorf("ai completion: %w", err))
	}

	if err := h.deps.Budget.Record(ctx, h.deps.AIProvider, completion.TokensIn, completion.TokensOut); err != nil {
		h.deps.Logger.Error("recording ai usage", "error", err)
	}

	siteID := uuid.MustParse(p.SiteID)
	if err := h.deps.Directory.SetDescription(ctx, siteID, completion.Text); err != nil {
		return err
	}
	return nil
}
