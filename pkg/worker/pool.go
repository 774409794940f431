// Package worker runs per-family pools that claim jobs under lease,
// dispatch them to registered handlers, and enforce deadlines and
// cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

const (
	// pollFloor is the minimum sleep between empty polls.
	pollFloor = 250 * time.Millisecond

	// pollSpread is the jitter added on top of pollFloor. The resulting
	// poll interval keeps p95 pickup under two seconds.
	pollSpread = 1250 * time.Millisecond

	// cleanupGrace is how long a cancelled handler gets to release
	// resources before the job is failed as a timeout.
	cleanupGrace = 2 * time.Second
)

// Pool claims and executes jobs for one queue family.
type Pool struct {
	Family        jobqueue.Family
	Size          int
	LeaseDuration time.Duration

	queue    *jobqueue.Queue
	registry *handler.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	byType  map[string]int // running jobs per type, for the fairness cap
	running int
}

// NewPool creates a worker pool for the given family.
func NewPool(family jobqueue.Family, size int, lease time.Duration, queue *jobqueue.Queue, registry *handler.Registry, logger *slog.Logger) *Pool {
	return &Pool{
		Family:        family,
		Size:          size,
		LeaseDuration: lease,
		queue:         queue,
		registry:      registry,
		logger:        logger.With("family", family),
		byType:        make(map[string]int),
	}
}

// Run starts Size workers and blocks until ctx is cancelled. In-flight
// jobs finish (or hit their deadline) before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "size", p.Size, "lease", p.LeaseDuration)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Size; i++ {
		workerID := fmt.Sprintf("%s-%d", p.Family, i)
		g.Go(func() error {
			return p.workerLoop(ctx, workerID)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop is the sleep-poll-claim-execute cycle for one worker.
func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobs, err := p.queue.Claim(ctx, p.Family, workerID, p.LeaseDuration, 1, p.excludedTypes())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("claiming jobs", "worker", workerID, "error", err)
			p.sleep(ctx)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(ctx)
			continue
		}

		for _, job := range jobs {
			p.track(job.Type, +1)
			p.execute(ctx, workerID, job)
			p.track(job.Type, -1)
		}
	}
}

// sleep waits a jittered poll interval or until cancellation.
func (p *Pool) sleep(ctx context.Context) {
	d := pollFloor + time.Duration(rand.Int64N(int64(pollSpread)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// fairnessCap is the most slots one job type may hold while the pool has
// other work in flight.
func fairnessCap(poolSize int) int {
	return (poolSize + 1) / 2
}

// excludedTypes lists job types at their fairness cap. The cap only binds
// while other job types are in flight; a pool running nothing else may
// fill up with a single type.
func (p *Pool) excludedTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	limit := fairnessCap(p.Size)
	var out []string
	for t, n := range p.byType {
		if n >= limit && p.running > n {
			out = append(out, t)
		}
	}
	return out
}

func (p *Pool) track(jobType string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[jobType] += delta
	if p.byType[jobType] <= 0 {
		delete(p.byType, jobType)
	}
	p.running += delta
}

// execute runs one claimed job: lease renewal in the background, handler
// deadline enforcement, and exactly one Ack or Fail at the end.
func (p *Pool) execute(ctx context.Context, workerID string, job jobqueue.Job) {
	log := p.logger.With("job_id", job.ID, "type", job.Type, "worker", workerID, "attempt", job.Attempts)

	h, err := p.registry.Lookup(job.Type)
	if err != nil {
		log.Error("no handler registered for claimed job")
		p.fail(ctx, workerID, job, "unknown_type: "+job.Type, false, 0)
		return
	}
	decl := h.Declare()

	if err := h.Validate(job.Payload); err != nil {
		log.Warn("payload validation failed", "error", err)
		p.fail(ctx, workerID, job, "validation: "+err.Error(), false, 0)
		return
	}

	jobCtx, cancel := context.WithDeadline(ctx, time.Now().Add(decl.MaxDuration))
	defer cancel()

	// Renew the lease at a third of its duration so a healthy handler
	// never loses it.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLoop(renewCtx, workerID, job.ID, cancel, log)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- h.Run(jobCtx, job.Payload)
	}()

	var runErr error
	timedOut := false
	select {
	case runErr = <-done:
	case <-jobCtx.Done():
		// Deadline or shutdown: give the handler a grace period to
		// unwind, then record the timeout.
		select {
		case runErr = <-done:
		case <-time.After(cleanupGrace):
			timedOut = true
		}
	}
	stopRenewal()
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	switch {
	case timedOut:
		log.Warn("handler exceeded deadline", "max_duration", decl.MaxDuration)
		p.fail(ctx, workerID, job, "timeout", true, 0)
	case runErr == nil:
		if err := p.queue.Ack(ctx, job.ID, workerID); err != nil {
			log.Error("acking job", "error", err)
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		log.Warn("handler returned deadline exceeded")
		p.fail(ctx, workerID, job, "timeout", true, 0)
	default:
		retryable := jobqueue.Retryable(runErr)
		log.Warn("handler failed", "error", runErr, "retryable", retryable)
		p.fail(ctx, workerID, job, runErr.Error(), retryable, jobqueue.RetryAfterOf(runErr))
	}
}

// renewLoop extends the job lease until stopped. Losing the lease cancels
// the handler: another worker may already own the job.
func (p *Pool) renewLoop(ctx context.Context, workerID string, jobID uuid.UUID, cancel context.CancelFunc, log *slog.Logger) {
	ticker := time.NewTicker(p.LeaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.RenewLease(ctx, jobID, workerID, p.LeaseDuration); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("lease renewal failed, cancelling handler", "error", err)
				cancel()
				return
			}
		}
	}
}

// fail records a failure, using a background context so a shutdown does
// not lose the state transition.
func (p *Pool) fail(ctx context.Context, workerID string, job jobqueue.Job, msg string, retryable bool, retryAfter time.Duration) {
	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := p.queue.Fail(failCtx, job.ID, workerID, msg, retryable, retryAfter); err != nil {
		p.logger.Error("recording job failure", "job_id", job.ID, "error", err)
	}
}
