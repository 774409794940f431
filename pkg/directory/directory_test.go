package directory

import (
	"testing"

	"github.com/google/uuid"
)

func cats(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestValidateSubmission(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		cats    []uuid.UUID
		wantErr bool
		domain  string
	}{
		{"plain https", "https://example.com/page", cats(1), false, "example.com"},
		{"http allowed", "http://example.org", cats(3), false, "example.org"},
		{"www stripped", "https://www.Example.COM/x", cats(2), false, "example.com"},
		{"ftp rejected", "ftp://example.com", cats(1), true, ""},
		{"no scheme", "example.com", cats(1), true, ""},
		{"no host", "https://", cats(1), true, ""},
		{"zero categories", "https://example.com", cats(0), true, ""},
		{"four categories", "https://example.com", cats(4), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain, err := ValidateSubmission(tt.url, tt.cats)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSubmission(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if !tt.wantErr && domain != tt.domain {
				t.Errorf("domain = %q, want %q", domain, tt.domain)
			}
		})
	}
}

func TestValidateSubmissionRejectsDuplicateCategories(t *testing.T) {
	c := uuid.New()
	if _, err := ValidateSubmission("https://example.com", []uuid.UUID{c, c}); err == nil {
		t.Error("duplicate categories should be rejected")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to SiteStatus }{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusApproved, StatusDead},
		{StatusApproved, StatusRemoved},
		{StatusDead, StatusApproved},
		{StatusDead, StatusRemoved},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to SiteStatus }{
		{StatusApproved, StatusPending},
		{StatusRejected, StatusApproved},
		{StatusRemoved, StatusApproved},
		{StatusDead, StatusPending},
		{StatusPending, StatusDead},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be forbidden", tr.from, tr.to)
		}
	}
}
