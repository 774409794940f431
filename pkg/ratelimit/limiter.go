package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
)

// counterPrefix namespaces the sliding-window sorted sets in redis.
const counterPrefix = "village:ratelimit:"

// Limiter enforces sliding-window limits. Counters are redis sorted sets
// keyed by (subject, action); member scores are event timestamps, so the
// window is exact to the microsecond.
type Limiter struct {
	rdb        *redis.Client
	rules      *RuleStore
	violations *ViolationLog
	clk        clock.Clock
	logger     *slog.Logger
	seq        func() string
}

// NewLimiter creates a Limiter. violations may be nil to skip the log.
func NewLimiter(rdb *redis.Client, rules *RuleStore, violations *ViolationLog, clk clock.Clock, logger *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.System
	}
	var n atomic.Int64
	return &Limiter{
		rdb:        rdb,
		rules:      rules,
		violations: violations,
		clk:        clk,
		logger:     logger,
		seq: func() string {
			return strconv.FormatInt(n.Add(1), 36)
		},
	}
}

func counterKey(subjectKey, action string) string {
	return counterPrefix + subjectKey + ":" + action
}

// Check evaluates one action attempt. Allowed attempts record an event at
// now; denials record nothing in the counter but append to the violations
// log.
func (l *Limiter) Check(ctx context.Context, subject Subject, action, endpoint string) (Decision, error) {
	tier := subject.Tier()
	rule, err := l.rules.Get(ctx, action, tier)
	if err != nil {
		return Decision{}, err
	}

	now := l.clk.Now()
	windowStart := now.Add(-rule.Window())
	key := counterKey(subject.Key(), action)

	// Age out events strictly older than the window start. Scores are
	// microseconds since the epoch: exact in a redis float64 score, and
	// an event at exactly now-window still counts against the limit.
	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+fmtScore(windowStart.UnixMicro()))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("reading rate limit window %s: %w", key, err)
	}

	count := int(card.Val())
	resetAt := now
	if vals := oldest.Val(); len(vals) > 0 {
		resetAt = time.UnixMicro(int64(vals[0].Score)).Add(rule.Window())
	}

	remaining := rule.LimitCount - count
	if remaining < 0 {
		remaining = 0
	}

	if count >= rule.LimitCount {
		telemetry.RateLimitViolationsTotal.WithLabelValues(action, string(tier)).Inc()
		if l.violations != nil {
			if verr := l.violations.Record(ctx, subject, action, endpoint, now); verr != nil {
				l.logger.Warn("recording rate limit violation", "action", action, "error", verr)
			}
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	// Record the allowed event. The member carries a sequence suffix so
	// two events in the same microsecond stay distinct.
	member := fmtScore(now.UnixMicro()) + ":" + l.seq()
	rec := l.rdb.Pipeline()
	rec.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	rec.Expire(ctx, key, rule.Window()+time.Minute)
	if _, err := rec.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("recording rate limit event %s: %w", key, err)
	}

	if count == 0 {
		resetAt = now.Add(rule.Window())
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

func fmtScore(ns int64) string {
	return strconv.FormatInt(ns, 10)
}

// Enforce is Check with deny turned into ErrLimited. Infrastructure
// errors fail open: losing redis must not take user actions down with it.
func (l *Limiter) Enforce(ctx context.Context, subject Subject, action, endpoint string) error {
	d, err := l.Check(ctx, subject, action, endpoint)
	if err != nil {
		l.logger.Error("rate limit check failed open", "action", action, "error", err)
		return nil
	}
	if !d.Allowed {
		return fmt.Errorf("%s until %s: %w", action, d.ResetAt.UTC().Format(time.RFC3339), ErrLimited)
	}
	return nil
}
