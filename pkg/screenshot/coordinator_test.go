package screenshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeSession() *fakeSession {
	s := &fakeSession{}
	s.healthy.Store(true)
	return s
}

func (s *fakeSession) Capture(context.Context, string, int, int) ([]byte, error) {
	return []byte("png"), nil
}
func (s *fakeSession) Healthy(context.Context) bool { return s.healthy.Load() }
func (s *fakeSession) Close()                       { s.closed.Store(true) }

func newTestCoordinator(capacity int) (*Coordinator, *atomic.Int64) {
	var created atomic.Int64
	factory := func(context.Context) (Session, error) {
		created.Add(1)
		return newFakeSession(), nil
	}
	return NewCoordinator(capacity, factory, nil, slog.Default()), &created
}

func TestAcquireCapacityThreeOfFour(t *testing.T) {
	c, _ := newTestCoordinator(3)
	ctx := context.Background()

	var held []*Slot
	for i := 0; i < 3; i++ {
		s, err := c.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i+1, err)
		}
		held = append(held, s)
	}

	// The fourth acquire must block until a release.
	fourth := make(chan *Slot, 1)
	go func() {
		s, err := c.Acquire(ctx)
		if err != nil {
			t.Errorf("fourth Acquire: %v", err)
			return
		}
		fourth <- s
	}()

	select {
	case <-fourth:
		t.Fatal("fourth Acquire should block while three slots are held")
	case <-time.After(100 * time.Millisecond):
	}

	c.Release(held[0])

	select {
	case s := <-fourth:
		c.Release(s)
	case <-time.After(2 * time.Second):
		t.Fatal("fourth Acquire should proceed after a release")
	}

	c.Release(held[1])
	c.Release(held[2])
}

func TestAcquireRespectsCancellation(t *testing.T) {
	c, _ := newTestCoordinator(1)

	s, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release(s)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("cancelled Acquire should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(2)
	ctx := context.Background()

	s, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(s)
	c.Release(s) // double release must not free a second slot

	// Both capacity units must still be acquirable, no more.
	a, _ := c.Acquire(ctx)
	b, _ := c.Acquire(ctx)
	done := make(chan struct{}, 1)
	go func() {
		extra, err := c.Acquire(ctx)
		if err == nil {
			c.Release(extra)
		}
		done <- struct{}{}
	}()
	select {
	case <-done:
		t.Fatal("third Acquire on capacity 2 should block; double release leaked a slot")
	case <-time.After(100 * time.Millisecond):
	}
	c.Release(a)
	c.Release(b)
	<-done
}

func TestSessionReuse(t *testing.T) {
	c, created := newTestCoordinator(1)
	ctx := context.Background()

	s1, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(s1)

	s2, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(s2)

	if created.Load() != 1 {
		t.Errorf("created %d sessions, want 1 (healthy session should be reused)", created.Load())
	}
}

func TestUnhealthySessionDiscarded(t *testing.T) {
	c, created := newTestCoordinator(1)
	ctx := context.Background()

	s1, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fs := s1.Session.(*fakeSession)
	fs.healthy.Store(false)
	c.Release(s1)

	if !fs.closed.Load() {
		t.Error("unhealthy session should be closed on release")
	}

	s2, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(s2)

	if created.Load() != 2 {
		t.Errorf("created %d sessions, want 2 (unhealthy session discarded)", created.Load())
	}
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	const capacity = 3
	c, _ := newTestCoordinator(capacity)
	ctx := context.Background()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			c.Release(s)
		}()
	}
	wg.Wait()

	if peak.Load() > capacity {
		t.Errorf("peak concurrent holders = %d, want <= %d", peak.Load(), capacity)
	}
}
