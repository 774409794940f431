package directory

import "testing"

func TestHealthyStatus(t *testing.T) {
	for _, code := range []int{200, 204, 301, 302, 399} {
		if !HealthyStatus(code) {
			t.Errorf("HealthyStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{0, 199, 400, 404, 405, 500, 503} {
		if HealthyStatus(code) {
			t.Errorf("HealthyStatus(%d) = true, want false", code)
		}
	}
}

func TestHealthDecision(t *testing.T) {
	tests := []struct {
		name         string
		status       SiteStatus
		failures     int
		healthy      bool
		wantFailures int
		wantDead     bool
	}{
		{"healthy resets counter", StatusApproved, 2, true, 0, false},
		{"first failure", StatusApproved, 0, false, 1, false},
		{"second failure", StatusApproved, 1, false, 2, false},
		{"third failure kills", StatusApproved, 2, false, 3, true},
		{"failures past threshold stay dead-marked once", StatusDead, 3, false, 4, false},
		{"dead site recovery resets counter but not status", StatusDead, 3, true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures, dead := HealthDecision(tt.status, tt.failures, tt.healthy)
			if failures != tt.wantFailures {
				t.Errorf("failures = %d, want %d", failures, tt.wantFailures)
			}
			if dead != tt.wantDead {
				t.Errorf("nowDead = %v, want %v", dead, tt.wantDead)
			}
		})
	}
}
