package aibudget

import (
	"testing"
	"time"
)

func TestActionLadder(t *testing.T) {
	tests := []struct {
		percent float64
		want    Action
	}{
		{0, ActionNormal},
		{69.9, ActionNormal},
		{70, ActionReduce},
		{89.9, ActionReduce},
		{90, ActionQueue},
		{99.9, ActionQueue},
		{100, ActionHardStop},
		{250, ActionHardStop},
	}
	for _, tt := range tests {
		if got := ActionFor(tt.percent); got != tt.want {
			t.Errorf("ActionFor(%.1f) = %v, want %v", tt.percent, got, tt.want)
		}
	}
}

func TestPricingCostRoundsUp(t *testing.T) {
	p := Pricing{InputCentsPer1K: 0.3, OutputCentsPer1K: 1.5}

	// 1000 in + 1000 out = 0.3 + 1.5 = 1.8 cents -> 2.
	if got := p.Cost(1000, 1000); got != 2 {
		t.Errorf("Cost(1000, 1000) = %d, want 2", got)
	}
	// Exact integer cost stays as-is.
	if got := p.Cost(10000, 0); got != 3 {
		t.Errorf("Cost(10000, 0) = %d, want 3", got)
	}
	if got := p.Cost(0, 0); got != 0 {
		t.Errorf("Cost(0, 0) = %d, want 0", got)
	}
}

func TestPercentUsed(t *testing.T) {
	u := Usage{EstimatedCostCents: 750, BudgetLimitCents: 1000}
	if got := u.PercentUsed(); got != 75 {
		t.Errorf("PercentUsed() = %.1f, want 75", got)
	}

	// A zero limit must read as spent, never as division by zero.
	u = Usage{EstimatedCostCents: 0, BudgetLimitCents: 0}
	if got := u.PercentUsed(); got < 100 {
		t.Errorf("PercentUsed() with zero limit = %.1f, want >= 100", got)
	}
}

func TestMonthBoundaries(t *testing.T) {
	at := time.Date(2026, 7, 19, 15, 4, 5, 0, time.UTC)

	if got := MonthStart(at); !got.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("MonthStart = %v", got)
	}
	if got := NextMonthStart(at); !got.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextMonthStart = %v", got)
	}

	// December rolls into January of the next year.
	dec := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	if got := NextMonthStart(dec); !got.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextMonthStart(dec) = %v", got)
	}
}
