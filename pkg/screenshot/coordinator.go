// Package screenshot bounds concurrent browser usage across all workers.
// A weighted semaphore enforces the hard session cap; browser sessions
// are pooled and health-checked between holders.
package screenshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
)

// Session is one managed browser session.
type Session interface {
	// Capture renders url at the given viewport and returns image bytes.
	Capture(ctx context.Context, url string, viewportWidth, viewportHeight int) ([]byte, error)

	// Healthy reports whether the session can be reused.
	Healthy(ctx context.Context) bool

	// Close releases the underlying browser resources.
	Close()
}

// Factory creates fresh browser sessions.
type Factory func(ctx context.Context) (Session, error)

const (
	// sessionTTL bounds how long a pooled session may live; stale
	// sessions are discarded rather than reused, which also bounds leaks
	// from handlers that died mid-capture.
	sessionTTL = 10 * time.Minute

	// exhaustionSLA is the acquire latency past which the pool counts as
	// exhausted.
	exhaustionSLA = 30 * time.Second
)

// Coordinator is the counting semaphore plus session pool.
type Coordinator struct {
	capacity int64
	sem      *semaphore.Weighted
	factory  Factory
	clk      clock.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	idle []*pooledSession
}

type pooledSession struct {
	session   Session
	createdAt time.Time
}

// Slot is a held capacity unit with its assigned browser session.
type Slot struct {
	Session    Session
	AcquiredAt time.Time

	coord    *Coordinator
	pooled   *pooledSession
	released bool
	mu       sync.Mutex
}

// NewCoordinator creates a Coordinator with the given hard cap.
func NewCoordinator(capacity int, factory Factory, clk clock.Clock, logger *slog.Logger) *Coordinator {
	if capacity < 1 {
		capacity = 1
	}
	if clk == nil {
		clk = clock.System
	}
	return &Coordinator{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		factory:  factory,
		clk:      clk,
		logger:   logger,
	}
}

// Acquire blocks until a slot is free or ctx is cancelled. The returned
// slot carries a healthy browser session.
func (c *Coordinator) Acquire(ctx context.Context) (*Slot, error) {
	telemetry.ScreenshotQueueDepth.Inc()
	defer telemetry.ScreenshotQueueDepth.Dec()

	start := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		if time.Since(start) > exhaustionSLA {
			telemetry.BrowserPoolExhaustionTotal.Inc()
		}
		return nil, fmt.Errorf("acquiring screenshot slot: %w", err)
	}
	if waited := time.Since(start); waited > exhaustionSLA {
		telemetry.BrowserPoolExhaustionTotal.Inc()
		c.logger.Warn("screenshot slot acquisition exceeded SLA", "waited", waited)
	}

	ps, err := c.takeSession(ctx)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}

	return &Slot{
		Session:    ps.session,
		AcquiredAt: c.clk.Now(),
		coord:      c,
		pooled:     ps,
	}, nil
}

// Release returns the slot. Safe to call more than once; handlers call it
// on every exit path. The session goes back to the pool only when it is
// still healthy and within its TTL.
func (c *Coordinator) Release(s *Slot) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	c.returnSession(s.pooled)
	c.sem.Release(1)
}

// takeSession pops a reusable pooled session or builds a fresh one.
func (c *Coordinator) takeSession(ctx context.Context) (*pooledSession, error) {
	for {
		c.mu.Lock()
		var ps *pooledSession
		if n := len(c.idle); n > 0 {
			ps = c.idle[n-1]
			c.idle = c.idle[:n-1]
		}
		c.mu.Unlock()

		if ps == nil {
			break
		}
		if time.Since(ps.createdAt) < sessionTTL && ps.session.Healthy(ctx) {
			return ps, nil
		}
		ps.session.Close()
	}

	session, err := c.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating browser session: %w", err)
	}
	return &pooledSession{session: session, createdAt: time.Now()}, nil
}

// returnSession pools a session for reuse, or discards it.
func (c *Coordinator) returnSession(ps *pooledSession) {
	if ps == nil {
		return
	}
	healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if time.Since(ps.createdAt) >= sessionTTL || !ps.session.Healthy(healthCtx) {
		ps.session.Close()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if int64(len(c.idle)) >= c.capacity {
		ps.session.Close()
		return
	}
	c.idle = append(c.idle, ps)
}
