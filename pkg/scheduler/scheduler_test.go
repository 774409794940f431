package scheduler

import (
	"testing"
	"time"
)

func mustCompile(t *testing.T, e Entry) Entry {
	t.Helper()
	if err := e.compile(nil); err != nil {
		t.Fatalf("compile(%s): %v", e.Name, err)
	}
	return e
}

func TestDueAt(t *testing.T) {
	hourly := mustCompile(t, Entry{Name: "rank", Spec: "20 * * * *"})

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 9, h, m, 0, 0, time.UTC)
	}

	if !hourly.dueAt(at(14, 20)) {
		t.Error("hourly schedule should fire at :20")
	}
	if hourly.dueAt(at(14, 21)) {
		t.Error("hourly schedule should not fire at :21")
	}
	if hourly.dueAt(at(14, 0)) {
		t.Error("hourly schedule should not fire at :00")
	}
}

func TestDueAtWeekly(t *testing.T) {
	weekly := mustCompile(t, Entry{Name: "health", Spec: "0 3 * * 0"})

	sunday := time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC) // a Sunday
	monday := time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC)

	if !weekly.dueAt(sunday) {
		t.Error("weekly schedule should fire Sunday 03:00 UTC")
	}
	if weekly.dueAt(monday) {
		t.Error("weekly schedule should not fire Monday")
	}
}

func TestOnDemandNeverDue(t *testing.T) {
	onDemand := mustCompile(t, Entry{Name: "gdpr", Spec: ""})
	if onDemand.dueAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("on-demand entry should never fire from the ticker")
	}
}

func TestOverrideReplacesSpec(t *testing.T) {
	e := Entry{Name: "rank", Spec: "20 * * * *"}
	if err := e.compile(map[string]string{"rank": "*/5 * * * *"}); err != nil {
		t.Fatalf("compile with override: %v", err)
	}
	at := time.Date(2026, 3, 9, 14, 25, 0, 0, time.UTC)
	if !e.dueAt(at) {
		t.Error("override */5 should fire at :25")
	}
}

func TestDedupeKeyStable(t *testing.T) {
	bucket := time.Date(2026, 3, 9, 14, 20, 0, 0, time.UTC)
	k1 := DedupeKey("rank_recalculation", bucket)
	k2 := DedupeKey("rank_recalculation", bucket)
	if k1 != k2 {
		t.Errorf("DedupeKey not stable: %q != %q", k1, k2)
	}
	k3 := DedupeKey("rank_recalculation", bucket.Add(time.Minute))
	if k1 == k3 {
		t.Error("different buckets should produce different keys")
	}
}

func TestCanonicalEntriesCompile(t *testing.T) {
	entries := CanonicalEntries()
	for i := range entries {
		if err := entries[i].compile(nil); err != nil {
			t.Errorf("canonical entry %s does not compile: %v", entries[i].Name, err)
		}
	}
}
