package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// Reaper periodically releases lapsed leases so jobs from crashed workers
// return to the queue.
type Reaper struct {
	queue    *jobqueue.Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a Reaper. A 30 second interval keeps worst-case
// re-delivery latency well under a lease duration.
func NewReaper(queue *jobqueue.Queue, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{queue: queue, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, reaping on every tick.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("lease reaper started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reaper stopped")
			return nil
		case <-ticker.C:
			n, err := r.queue.Reap(ctx)
			if err != nil {
				r.logger.Error("reaping expired leases", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reaped expired leases", "count", n)
			}
		}
	}
}
