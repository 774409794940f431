package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

const (
	feedTimeout      = 15 * time.Second
	feedMaxRedirects = 3
)

// classifyFetch maps an HTTP status onto the failure taxonomy.
func classifyFetch(status int, retryAfter time.Duration, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return jobqueue.Throttled(fmt.Errorf("fetching %s: 429", url), retryAfter)
	case status >= 500:
		return jobqueue.Transient(fmt.Errorf("fetching %s: %d", url, status))
	default:
		return jobqueue.Invalid(fmt.Errorf("fetching %s: %d", url, status))
	}
}

// rssSweep fans out one fetch job per feed source that is due, honoring
// each source's own refresh interval.
type rssSweep struct {
	deps Deps
}

func (h *rssSweep) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeRSSSweep,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 2 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *rssSweep) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *rssSweep) Run(ctx context.Context, _ json.RawMessage) error {
	due, err := h.deps.Directory.FeedSourcesDue(ctx, h.deps.Clock.Now())
	if err != nil {
		return err
	}
	for _, src := range due {
		_, err := h.deps.Queue.Enqueue(ctx, TypeRSSFetch, map[string]string{
			"source_id": src.ID.String(),
			"url":       src.URL,
		}, jobqueue.Options{
			Family:         jobqueue.FamilyBulk,
			IdempotencyKey: fmt.Sprintf("rss:%s:%d", src.ID, h.deps.Clock.Now().Truncate(src.Interval).Unix()),
		})
		if err != nil {
			h.deps.Logger.Error("enqueueing feed fetch", "source_id", src.ID, "error", err)
		}
	}
	return nil
}

// rssFetch pulls one feed and stores the raw document for the content
// pipeline.
type rssFetch struct {
	deps Deps
}

type rssFetchPayload struct {
	SourceID string `json:"source_id" validate:"required,uuid"`
	URL      string `json:"url" validate:"required,url"`
}

func (h *rssFetch) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeRSSFetch,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: time.Minute,
		MaxAttempts: 5,
	}
}

func (h *rssFetch) Validate(payload json.RawMessage) error {
	return handler.Bind(payload, &rssFetchPayload{})
}

func (h *rssFetch) Run(ctx context.Context, payload json.RawMessage) error {
	var p rssFetchPayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}

	res, err := h.deps.Fetcher.Get(ctx, p.URL, feedTimeout, feedMaxRedirects)
	if err != nil {
		return jobqueue.Transient(err)
	}
	if err := classifyFetch(res.StatusCode, res.RetryAfter, p.URL); err != nil {
		return err
	}

	return h.deps.Directory.StoreFeedDocument(ctx, p.SourceID, res.Body, h.deps.Clock.Now())
}

// feedRefresh covers the widget feeds (weather, stocks, social) that pull
// from a single upstream per type. The upstream endpoints live in the
// feed_sources table keyed by kind.
type feedRefresh struct {
	deps    Deps
	jobType string
}

func (h *feedRefresh) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        h.jobType,
		Family:      jobqueue.FamilyLow,
		MaxDuration: time.Minute,
		MaxAttempts: 4,
	}
}

func (h *feedRefresh) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *feedRefresh) Run(ctx context.Context, _ json.RawMessage) error {
	sources, err := h.deps.Directory.FeedSourcesByKind(ctx, h.jobType)
	if err != nil {
		return err
	}
	for _, src := range sources {
		res, err := h.deps.Fetcher.Get(ctx, src.URL, feedTimeout, feedMaxRedirects)
		if err != nil {
			return jobqueue.Transient(err)
		}
		if err := classifyFetch(res.StatusCode, res.RetryAfter, src.URL); err != nil {
			return err
		}
		if err := h.deps.Directory.StoreFeedDocument(ctx, src.ID.String(), res.Body, h.deps.Clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

// sitemapGeneration renders the public sitemap and uploads it.
type sitemapGeneration struct {
	deps Deps
}

func (h *sitemapGeneration) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeSitemapGeneration,
		Family:      jobqueue.FamilyBulk,
		MaxDuration: 10 * time.Minute,
		MaxAttempts: 3,
	}
}

func (h *sitemapGeneration) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *sitemapGeneration) Run(ctx context.Context, _ json.RawMessage) error {
	urls, err := h.deps.Directory.ApprovedSiteURLs(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	for _, u := range urls {
		fmt.Fprintf(&buf, "  <url><loc>%s</loc></url>\n", u)
	}
	buf.WriteString("</urlset>\n")

	if _, err := h.deps.ObjectStore.Put(ctx, "public", "sitemap.xml", "application/xml", buf.Bytes()); err != nil {
		return jobqueue.Transient(fmt.Errorf("uploading sitemap: %w", err))
	}
	return nil
}
