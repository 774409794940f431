package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teacurran/village-homepage/pkg/flags"
	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// screenshotCapture renders a directory site and stores the image. The
// coordinator slot is held only for the capture itself; upload and the
// database write happen after release.
type screenshotCapture struct {
	deps Deps
}

type screenshotPayload struct {
	SiteID string `json:"site_id" validate:"required,uuid"`
	URL    string `json:"url" validate:"required,url"`
	Width  int    `json:"width" validate:"omitempty,gte=320,lte=3840"`
	Height int    `json:"height" validate:"omitempty,gte=240,lte=2160"`
}

func (h *screenshotCapture) Declare() handler.Declaration {
	return handler.Declaration{
		Type:         TypeScreenshotCapture,
		Family:       jobqueue.FamilyScreenshot,
		Capabilities: []string{"browser"},
		MaxDuration:  90 * time.Second,
		MaxAttempts:  5,
	}
}

func (h *screenshotCapture) Validate(payload json.RawMessage) error {
	return handler.Bind(payload, &screenshotPayload{})
}

func (h *screenshotCapture) Run(ctx context.Context, payload json.RawMessage) error {
	var p screenshotPayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}
	siteID := uuid.MustParse(p.SiteID)
	width, height := p.Width, p.Height
	if width == 0 {
		width = 1280
	}
	if height == 0 {
		height = 800
	}

	image, err := h.capture(ctx, p.URL, width, height)
	if err != nil {
		return err
	}

	url, err := h.deps.ObjectStore.Put(ctx, "screenshots",
		fmt.Sprintf("sites/%s.png", siteID), "image/png", image)
	if err != nil {
		return jobqueue.Transient(fmt.Errorf("uploading screenshot: %w", err))
	}

	if err := h.deps.Directory.SetScreenshotURL(ctx, siteID, url); err != nil {
		return fmt.Errorf("recording screenshot url: %w", err)
	}

	h.maybeEnqueueSummary(ctx, siteID, p.URL)
	return nil
}

// maybeEnqueueSummary queues an AI description for freshly captured
// sites when the rollout flag allows it. Best effort: a failure here
// never fails the capture.
func (h *screenshotCapture) maybeEnqueueSummary(ctx context.Context, siteID uuid.UUID, url string) {
	d := h.deps.Flags.Evaluate(ctx, "ai_site_summaries", flags.Subject{AnonymousID: "system"}, false)
	if !d.Enabled {
		return
	}

	res, err := h.deps.Fetcher.Get(ctx, url, 15*time.Second, 3)
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		h.deps.Logger.Warn("skipping ai summary, page fetch failed", "site_id", siteID, "error", err)
		return
	}
	text := string(res.Body)
	if len(text) > 20_000 {
		text = text[:20_000]
	}

	if _, err := h.deps.Queue.Enqueue(ctx, TypeAISummarize, map[string]any{
		"site_id": siteID.String(),
		"text":    text,
	}, jobqueue.Options{
		Family:         jobqueue.FamilyBulk,
		IdempotencyKey: "ai-summary:" + siteID.String(),
	}); err != nil {
		h.deps.Logger.Error("enqueueing ai summary", "site_id", siteID, "error", err)
	}
}

// capture acquires a browser slot, renders, and always releases.
func (h *screenshotCapture) capture(ctx context.Context, url string, width, height int) ([]byte, error) {
	slot, err := h.deps.Coordinator.Acquire(ctx)
	if err != nil {
		return nil, jobqueue.Transient(fmt.Errorf("acquiring browser slot: %w", err))
	}
	defer h.deps.Coordinator.Release(slot)

	image, err := slot.Session.Capture(ctx, url, width, height)
	if err != nil {
		return nil, jobqueue.Transient(fmt.Errorf("capturing %s: %w", url, err))
	}
	return image, nil
}
