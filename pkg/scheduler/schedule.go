// Package scheduler turns cron-like schedule specs into idempotent job
// enqueues. A single minute-grained ticker evaluates every schedule; the
// dedupe key {type}:{firing_bucket} makes replicated schedulers and
// restarts harmless.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// Entry is one scheduled enqueue.
type Entry struct {
	// Name identifies the schedule for logs and overrides.
	Name string

	// Spec is a standard five-field cron expression, evaluated in UTC.
	// Empty means on-demand only: the entry is registered (so its type is
	// known) but never fired by the ticker.
	Spec string

	// Type is the job type to enqueue.
	Type string

	// Family is the queue family for the enqueued job.
	Family jobqueue.Family

	// Payload builds the job payload at firing time.
	Payload func(fireAt time.Time) any

	schedule cron.Schedule
}

// parser accepts the standard five-field cron syntax plus descriptors
// like @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// compile parses the entry spec. On-demand entries compile to nil.
func (e *Entry) compile(overrides map[string]string) error {
	spec := e.Spec
	if o, ok := overrides[e.Name]; ok {
		spec = o
	}
	if spec == "" {
		e.schedule = nil
		return nil
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %s (%q): %w", e.Name, spec, err)
	}
	e.schedule = s
	return nil
}

// dueAt reports whether the schedule fires exactly at the given minute
// bucket.
func (e *Entry) dueAt(bucket time.Time) bool {
	if e.schedule == nil {
		return false
	}
	return e.schedule.Next(bucket.Add(-time.Second)).Equal(bucket)
}

// DedupeKey is the idempotency key for a firing: the same schedule firing
// in the same minute always collapses to one job.
func DedupeKey(jobType string, bucket time.Time) string {
	return fmt.Sprintf("%s:%d", jobType, bucket.Unix())
}

// emptyPayload is used by schedules whose handlers take no input.
func emptyPayload(time.Time) any { return struct{}{} }

// CanonicalEntries is the product's standing schedule set.
func CanonicalEntries() []Entry {
	return []Entry{
		// Feed refreshes. The sweep jobs fan out one fetch job per due
		// source; per-source cadence (15m to 24h) lives on the source row.
		{Name: "rss_refresh", Spec: "*/15 * * * *", Type: "rss_refresh_sweep", Family: jobqueue.FamilyBulk, Payload: emptyPayload},
		{Name: "weather_refresh", Spec: "5 * * * *", Type: "weather_refresh", Family: jobqueue.FamilyLow, Payload: emptyPayload},
		// US market hours in UTC, weekdays.
		{Name: "stock_refresh", Spec: "*/5 13-20 * * 1-5", Type: "stock_refresh", Family: jobqueue.FamilyLow, Payload: emptyPayload},
		{Name: "social_refresh", Spec: "*/30 * * * *", Type: "social_refresh", Family: jobqueue.FamilyBulk, Payload: emptyPayload},

		// Marketplace lifecycle.
		{Name: "listing_expiration", Spec: "10 2 * * *", Type: "listing_expiration", Family: jobqueue.FamilyDefault, Payload: emptyPayload},
		{Name: "listing_reminder", Spec: "40 2 * * *", Type: "listing_reminder", Family: jobqueue.FamilyDefault, Payload: emptyPayload},

		// Directory maintenance.
		{Name: "link_health_check", Spec: "0 3 * * 0", Type: "link_health_check", Family: jobqueue.FamilyBulk, Payload: emptyPayload},
		{Name: "rank_recalculation", Spec: "20 * * * *", Type: "rank_recalculation", Family: jobqueue.FamilyDefault, Payload: emptyPayload},

		// Mail.
		{Name: "inbound_email_poll", Spec: "* * * * *", Type: "inbound_email_poll", Family: jobqueue.FamilyHigh, Payload: emptyPayload},

		// Site plumbing.
		{Name: "sitemap_generation", Spec: "30 4 * * *", Type: "sitemap_generation", Family: jobqueue.FamilyBulk, Payload: emptyPayload},
		{Name: "flag_eval_retention", Spec: "45 3 * * *", Type: "flag_eval_retention", Family: jobqueue.FamilyBulk, Payload: emptyPayload},
		{Name: "violation_prune", Spec: "50 * * * *", Type: "violation_prune", Family: jobqueue.FamilyBulk, Payload: emptyPayload},

		// On-demand only: enqueued from the admin surface.
		{Name: "gdpr_export_sweep", Spec: "", Type: "gdpr_export_sweep", Family: jobqueue.FamilyBulk, Payload: emptyPayload},
	}
}
