package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// Scheduler evaluates the schedule table once a minute and enqueues the
// due jobs.
type Scheduler struct {
	queue   *jobqueue.Queue
	entries []Entry
	clk     clock.Clock
	logger  *slog.Logger
}

// New compiles the entries (applying any overrides) and returns a
// Scheduler ready to run.
func New(queue *jobqueue.Queue, entries []Entry, overrides map[string]string, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if clk == nil {
		clk = clock.System
	}
	for i := range entries {
		if err := entries[i].compile(overrides); err != nil {
			return nil, err
		}
	}
	return &Scheduler{queue: queue, entries: entries, clk: clk, logger: logger}, nil
}

// Run ticks once a minute until ctx is cancelled. The first tick happens
// at the next minute boundary so firing buckets stay aligned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "entries", len(s.entries))

	for {
		now := s.clk.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
		if err := s.Tick(ctx, next); err != nil {
			s.logger.Error("scheduler tick", "error", err)
		}
	}
}

// Tick evaluates every schedule against one minute bucket. Idempotent:
// the dedupe key collapses repeated ticks for the same bucket.
func (s *Scheduler) Tick(ctx context.Context, bucket time.Time) error {
	bucket = bucket.UTC().Truncate(time.Minute)
	telemetry.SchedulerTicksTotal.Inc()

	var firstErr error
	for i := range s.entries {
		e := &s.entries[i]
		if !e.dueAt(bucket) {
			continue
		}
		id, err := s.queue.Enqueue(ctx, e.Type, e.Payload(bucket), jobqueue.Options{
			Family:         e.Family,
			IdempotencyKey: DedupeKey(e.Type, bucket),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("enqueueing %s: %w", e.Name, err)
			}
			s.logger.Error("scheduled enqueue failed", "schedule", e.Name, "error", err)
			continue
		}
		telemetry.SchedulerEnqueuesTotal.WithLabelValues(e.Type).Inc()
		s.logger.Debug("scheduled enqueue", "schedule", e.Name, "job_id", id, "bucket", bucket)
	}
	return firstErr
}
