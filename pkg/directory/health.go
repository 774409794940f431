package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/teacurran/village-homepage/pkg/clock"
	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

const (
	// healthBatchSize is how many sites one health-check job probes.
	healthBatchSize = 100

	// healthTimeout bounds each probe.
	healthTimeout = 10 * time.Second

	// healthMaxRedirects bounds redirect chasing per probe.
	healthMaxRedirects = 5

	// deadThreshold is the consecutive-failure count that kills a site.
	deadThreshold = 3
)

// HealthyStatus reports whether an HTTP status counts as alive.
func HealthyStatus(code int) bool {
	return code >= 200 && code <= 399
}

// HealthDecision computes the next failure count and whether the site
// just died. Healthy probes reset the counter; a recovered dead site
// resets too but stays dead until a moderator restores it.
func HealthDecision(status SiteStatus, failures int, healthy bool) (newFailures int, nowDead bool) {
	if healthy {
		return 0, false
	}
	newFailures = failures + 1
	return newFailures, status == StatusApproved && newFailures >= deadThreshold
}

// RunHealthCheckBatch probes one batch of sites and persists the
// outcomes. Sites crossing the failure threshold go dead and a moderator
// notification job is enqueued for each.
func (s *Service) RunHealthCheckBatch(ctx context.Context, fetcher gateway.HTTPFetcher, clk clock.Clock) (checked, died int, err error) {
	if clk == nil {
		clk = clock.System
	}

	sites, err := s.BatchForHealthCheck(ctx, healthBatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			return checked, died, ctx.Err()
		}

		healthy := s.probe(ctx, fetcher, site.URL)
		failures, nowDead := HealthDecision(site.Status, site.HealthCheckFailures, healthy)

		if err := s.recordHealthResult(ctx, site.ID, failures, nowDead, clk.Now()); err != nil {
			s.logger.Error("recording health result", "site_id", site.ID, "error", err)
			continue
		}
		checked++

		if nowDead {
			died++
			s.logger.Warn("site marked dead after repeated failures",
				"site_id", site.ID, "domain", site.Domain, "failures", failures)
			_, err := s.queue.Enqueue(ctx, "moderator_notify", map[string]string{
				"subject": "Directory site marked dead",
				"body":    fmt.Sprintf("%s (%s) failed %d consecutive health checks", site.Domain, site.URL, failures),
			}, jobqueue.Options{
				Family:         jobqueue.FamilyLow,
				IdempotencyKey: "site-dead:" + site.ID.String(),
			})
			if err != nil {
				s.logger.Error("enqueueing moderator notification", "site_id", site.ID, "error", err)
			}
		}
	}
	return checked, died, nil
}

// probe issues a HEAD, falling back to GET when the origin rejects HEAD.
func (s *Service) probe(ctx context.Context, fetcher gateway.HTTPFetcher, url string) bool {
	res, err := fetcher.Head(ctx, url, healthTimeout, healthMaxRedirects)
	if err != nil {
		return false
	}
	if res.StatusCode == http.StatusMethodNotAllowed {
		res, err = fetcher.Get(ctx, url, healthTimeout, healthMaxRedirects)
		if err != nil {
			return false
		}
	}
	return HealthyStatus(res.StatusCode)
}
