package worker

import (
	"log/slog"
	"testing"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

func TestFairnessCap(t *testing.T) {
	tests := []struct {
		poolSize int
		want     int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 4},
	}
	for _, tt := range tests {
		if got := fairnessCap(tt.poolSize); got != tt.want {
			t.Errorf("fairnessCap(%d) = %d, want %d", tt.poolSize, got, tt.want)
		}
	}
}

func TestExcludedTypes(t *testing.T) {
	p := NewPool(jobqueue.FamilyDefault, 4, 0, nil, nil, slog.Default())

	// Idle pool never excludes.
	if got := p.excludedTypes(); len(got) != 0 {
		t.Errorf("idle pool excluded %v, want none", got)
	}

	// Two of four slots held by rss_refresh but nothing else in flight:
	// the pool is otherwise idle, so the cap does not bind.
	p.track("rss_refresh", +1)
	p.track("rss_refresh", +1)
	if got := p.excludedTypes(); len(got) != 0 {
		t.Errorf("excludedTypes() = %v, want none while no other type runs", got)
	}

	// A second type appears: rss_refresh is at ceil(4/2)=2 and now binds.
	p.track("email_send", +1)
	got := p.excludedTypes()
	if len(got) != 1 || got[0] != "rss_refresh" {
		t.Errorf("excludedTypes() = %v, want [rss_refresh]", got)
	}

	// One rss slot released: back under the cap.
	p.track("rss_refresh", -1)
	if got := p.excludedTypes(); len(got) != 0 {
		t.Errorf("excludedTypes() = %v, want none", got)
	}
}

func TestTrackDropsZeroedTypes(t *testing.T) {
	p := NewPool(jobqueue.FamilyLow, 2, 0, nil, nil, slog.Default())
	p.track("email_send", +1)
	p.track("email_send", -1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byType["email_send"]; ok {
		t.Error("zero-count type should be removed from tracking")
	}
	if p.running != 0 {
		t.Errorf("running = %d, want 0", p.running)
	}
}
