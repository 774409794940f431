package flags

import (
	"testing"

	"github.com/google/uuid"

	"github.com/teacurran/village-homepage/pkg/clock"
)

func newUUID() uuid.UUID { return uuid.New() }

func flag(enabled bool, rollout int, whitelist ...string) *Flag {
	return &Flag{
		Key:               "new_directory_ui",
		Enabled:           enabled,
		RolloutPercentage: rollout,
		Whitelist:         whitelist,
	}
}

func TestEvaluateMasterDisabled(t *testing.T) {
	d := Evaluate(flag(false, 100, "vip"), "vip")
	if d.Enabled {
		t.Error("disabled flag should never be on, even for whitelisted subjects")
	}
	if d.Reason != ReasonMasterDisabled {
		t.Errorf("Reason = %v, want %v", d.Reason, ReasonMasterDisabled)
	}
}

func TestEvaluateWhitelist(t *testing.T) {
	d := Evaluate(flag(true, 0, "vip"), "vip")
	if !d.Enabled || d.Reason != ReasonWhitelisted {
		t.Errorf("whitelisted subject: got (%v, %v), want (true, whitelisted)", d.Enabled, d.Reason)
	}
}

func TestEvaluateRolloutBoundaries(t *testing.T) {
	subjects := []string{"hello", "world", "alice", "bob", "carol", "dave"}

	for _, s := range subjects {
		if d := Evaluate(flag(true, 0), s); d.Enabled {
			t.Errorf("rollout=0 should be off for %q", s)
		}
		if d := Evaluate(flag(true, 100), s); !d.Enabled {
			t.Errorf("rollout=100 should be on for %q", s)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	f := flag(true, 50)
	for _, s := range []string{"hello", "world"} {
		first := Evaluate(f, s)
		for i := 0; i < 20; i++ {
			if got := Evaluate(f, s); got != first {
				t.Fatalf("Evaluate(%q) changed between calls: %+v vs %+v", s, got, first)
			}
		}
	}
}

func TestEvaluateCohortMatchesBucket(t *testing.T) {
	f := flag(true, 50)
	for _, s := range []string{"hello", "world", "s1", "s2", "s3"} {
		want := clock.BucketHash(f.Key, s) < 50
		d := Evaluate(f, s)
		if d.Enabled != want {
			t.Errorf("Evaluate(%q).Enabled = %v, want bucket<50 = %v", s, d.Enabled, want)
		}
		wantReason := ReasonCohortDisabled
		if want {
			wantReason = ReasonCohortEnabled
		}
		if d.Reason != wantReason {
			t.Errorf("Evaluate(%q).Reason = %v, want %v", s, d.Reason, wantReason)
		}
	}
}

func TestEvaluateRolloutIncreaseIsMonotonic(t *testing.T) {
	// Raising the rollout can only turn subjects on, never off: a subject
	// enabled at 50 stays enabled at 75.
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		at50 := Evaluate(flag(true, 50), s)
		at75 := Evaluate(flag(true, 75), s)
		if at50.Enabled && !at75.Enabled {
			t.Errorf("subject %q flipped off when rollout rose 50 -> 75", s)
		}
	}
}

func TestClampRollout(t *testing.T) {
	if got := clampRollout(-10); got != 0 {
		t.Errorf("clampRollout(-10) = %d, want 0", got)
	}
	if got := clampRollout(150); got != 100 {
		t.Errorf("clampRollout(150) = %d, want 100", got)
	}
	if got := clampRollout(42); got != 42 {
		t.Errorf("clampRollout(42) = %d, want 42", got)
	}
}

func TestSubjectKeyPrecedence(t *testing.T) {
	id := newUUID()
	s := Subject{UserID: &id, SessionHash: "sess", AnonymousID: "anon"}
	if s.Key() != id.String() {
		t.Error("user id should win over session hash")
	}
	s.UserID = nil
	if s.Key() != "sess" {
		t.Error("session hash should win over anonymous id")
	}
	s.SessionHash = ""
	if s.Key() != "anon" {
		t.Error("anonymous id should be the last resort")
	}
}
