package marketplace

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidate(t *testing.T) {
	price := int64(500)
	negative := int64(-1)
	longDesc := strings.Repeat("d", 60)

	tests := []struct {
		name    string
		title   string
		desc    string
		price   *int64
		wantErr bool
	}{
		{"valid", "Vintage bicycle", longDesc, &price, false},
		{"free listing", "Vintage bicycle", longDesc, nil, false},
		{"zero price", "Vintage bicycle", longDesc, new(int64), false},
		{"title too short", "Bike", longDesc, nil, true},
		{"title too long", strings.Repeat("t", 101), longDesc, nil, true},
		{"description too short", "Vintage bicycle", "short", nil, true},
		{"description too long", "Vintage bicycle", strings.Repeat("d", 8001), nil, true},
		{"negative price", "Vintage bicycle", longDesc, &negative, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.title, tt.desc, tt.price)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskedEmailRoundTrip(t *testing.T) {
	id := uuid.New()
	addr := MaskedEmail(id, "relay.village.test")

	if !strings.HasPrefix(addr, "listing-") {
		t.Errorf("MaskedEmail() = %q, want listing- prefix", addr)
	}

	parsed, err := ParseMaskedEmail(addr)
	if err != nil {
		t.Fatalf("ParseMaskedEmail(%q) error: %v", addr, err)
	}
	if parsed != id {
		t.Errorf("ParseMaskedEmail() = %s, want %s", parsed, id)
	}
}

func TestParseMaskedEmailRejectsGarbage(t *testing.T) {
	for _, addr := range []string{
		"",
		"user@example.com",
		"listing-notauuid@relay.village.test",
		"listing-@relay.village.test",
	} {
		if _, err := ParseMaskedEmail(addr); err == nil {
			t.Errorf("ParseMaskedEmail(%q) should fail", addr)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusActive},
		{StatusDraft, StatusPendingPayment},
		{StatusPendingPayment, StatusActive},
		{StatusActive, StatusExpired},
		{StatusExpired, StatusActive},
		{StatusActive, StatusRemoved},
		{StatusDraft, StatusFlagged},
		{StatusFlagged, StatusActive},
		{StatusFlagged, StatusRemoved},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusExpired, StatusDraft},
		{StatusRemoved, StatusActive},
		{StatusPendingPayment, StatusExpired},
		{StatusActive, StatusPendingPayment},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be forbidden", tr.from, tr.to)
		}
	}
}

func TestCanBump(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	if !CanBump(nil, now) {
		t.Error("never-bumped listing should be bumpable")
	}

	recent := now.Add(-23 * time.Hour)
	if CanBump(&recent, now) {
		t.Error("bump inside 24h cooldown should be rejected")
	}

	old := now.Add(-24 * time.Hour)
	if !CanBump(&old, now) {
		t.Error("bump at exactly 24h should be allowed")
	}
}

func TestReminderDue(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	in2d := now.Add(48 * time.Hour)
	in5d := now.Add(5 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	base := Listing{Status: StatusActive, ExpiresAt: &in2d}

	if !ReminderDue(base, now) {
		t.Error("listing expiring in 2 days should get a reminder")
	}

	l := base
	l.ExpiresAt = &in5d
	if ReminderDue(l, now) {
		t.Error("listing expiring in 5 days is outside the lead window")
	}

	l = base
	l.ReminderSent = true
	if ReminderDue(l, now) {
		t.Error("reminder must only go out once")
	}

	l = base
	l.ExpiresAt = &past
	if ReminderDue(l, now) {
		t.Error("already-expired listing gets no reminder")
	}

	l = base
	l.Status = StatusExpired
	if ReminderDue(l, now) {
		t.Error("non-active listing gets no reminder")
	}
}
