package karma

import "testing"

func TestApplyDeltas(t *testing.T) {
	tests := []struct {
		name    string
		current int
		event   Event
		want    int
		applied int
	}{
		{"submission approved", 0, SubmissionApproved(), 5, 5},
		{"submission rejected", 5, SubmissionRejected(), 3, -2},
		{"rejection clamps at zero", 1, SubmissionRejected(), 0, -1},
		{"upvote", 9, mustVote(t, 1), 10, 1},
		{"downvote", 3, mustVote(t, -1), 2, -1},
		{"downvote clamps at zero", 0, mustVote(t, -1), 0, 0},
		{"vote changed up to down", 7, VoteChanged(1, -1), 5, -2},
		{"vote changed down to up", 7, VoteChanged(-1, 1), 9, 2},
		{"vote removed reverses upvote", 7, VoteRemoved(1), 6, -1},
		{"vote removed reverses downvote", 7, VoteRemoved(-1), 8, 1},
		{"admin adjust negative clamps", 4, AdminAdjust(-10), 0, -4},
		{"admin adjust positive", 4, AdminAdjust(25), 29, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, applied := Apply(tt.current, tt.event)
			if next != tt.want {
				t.Errorf("Apply(%d, %v) next = %d, want %d", tt.current, tt.event, next, tt.want)
			}
			if applied != tt.applied {
				t.Errorf("Apply(%d, %v) applied = %d, want %d", tt.current, tt.event, applied, tt.applied)
			}
		})
	}
}

func mustVote(t *testing.T, value int) Event {
	t.Helper()
	e, err := ReceivedVote(value)
	if err != nil {
		t.Fatalf("ReceivedVote(%d): %v", value, err)
	}
	return e
}

func TestReceivedVoteRejectsInvalidValues(t *testing.T) {
	for _, v := range []int{0, 2, -2, 100} {
		if _, err := ReceivedVote(v); err == nil {
			t.Errorf("ReceivedVote(%d) should fail", v)
		}
	}
}

func TestPromotionThreshold(t *testing.T) {
	if !Promoted(9, 10) {
		t.Error("9 -> 10 should promote")
	}
	if !Promoted(0, 25) {
		t.Error("0 -> 25 should promote")
	}
	if Promoted(10, 11) {
		t.Error("already at threshold: no new promotion")
	}
	if Promoted(12, 9) {
		t.Error("dropping below threshold must never look like a promotion")
	}
	if Promoted(9, 9) {
		t.Error("no change should not promote")
	}
}

func TestAppliedDeltaReconciles(t *testing.T) {
	// A karma history's audit deltas must sum to the final karma.
	events := []Event{
		SubmissionApproved(),   // 5
		mustVote(t, -1),        // 4
		SubmissionRejected(),   // 2
		AdminAdjust(-10),       // clamped to 0
		SubmissionApproved(),   // 5
		mustVote(t, 1),         // 6
		VoteChanged(1, -1),     // 4
		VoteRemoved(-1),        // 5
	}

	karma := 0
	sum := 0
	for _, e := range events {
		var applied int
		karma, applied = Apply(karma, e)
		sum += applied
	}
	if karma != sum {
		t.Errorf("audit deltas sum to %d but karma is %d", sum, karma)
	}
	if karma != 5 {
		t.Errorf("final karma = %d, want 5", karma)
	}
}
