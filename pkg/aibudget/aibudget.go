// Package aibudget tracks AI token spend per calendar month and provider,
// and downgrades or blocks AI work as thresholds are crossed.
package aibudget

import (
	"errors"
	"time"
)

// Action tells the caller how to proceed with an AI request.
type Action string

const (
	// ActionNormal: proceed as requested.
	ActionNormal Action = "normal"

	// ActionReduce: down-shift to a cheaper model tier if one exists.
	ActionReduce Action = "reduce"

	// ActionQueue: defer the request to the next calendar month as a
	// low-priority bulk job, unless the caller declared it critical.
	ActionQueue Action = "queue"

	// ActionHardStop: abort; the budget is spent.
	ActionHardStop Action = "hard_stop"
)

// ErrBudgetExceeded is returned when a call may not proceed at all.
var ErrBudgetExceeded = errors.New("ai budget exceeded")

// Threshold percentages for the action ladder.
const (
	reduceThreshold = 70.0
	queueThreshold  = 90.0
	stopThreshold   = 100.0
)

// ActionFor maps a percent-used reading onto the action ladder.
func ActionFor(percentUsed float64) Action {
	switch {
	case percentUsed >= stopThreshold:
		return ActionHardStop
	case percentUsed >= queueThreshold:
		return ActionQueue
	case percentUsed >= reduceThreshold:
		return ActionReduce
	default:
		return ActionNormal
	}
}

// Pricing converts token counts to cost for one provider.
type Pricing struct {
	InputCentsPer1K  float64
	OutputCentsPer1K float64
}

// Cost returns the cost in cents for a token pair, rounded up so the
// accounting never undercounts.
func (p Pricing) Cost(inputTokens, outputTokens int) int64 {
	cents := float64(inputTokens)/1000*p.InputCentsPer1K +
		float64(outputTokens)/1000*p.OutputCentsPer1K
	n := int64(cents)
	if float64(n) < cents {
		n++
	}
	return n
}

// Usage is one (month, provider) accounting row.
type Usage struct {
	Month              time.Time
	Provider           string
	Requests           int64
	InputTokens        int64
	OutputTokens       int64
	EstimatedCostCents int64
	BudgetLimitCents   int64
}

// PercentUsed returns the share of the monthly budget consumed, in
// [0, +inf); a zero limit reads as fully spent.
func (u Usage) PercentUsed() float64 {
	if u.BudgetLimitCents <= 0 {
		return stopThreshold
	}
	return float64(u.EstimatedCostCents) / float64(u.BudgetLimitCents) * 100
}

// MonthStart truncates t to the first instant of its calendar month, UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart is the boundary queued requests are deferred to.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}
