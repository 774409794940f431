package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// violationWindow is the aggregation window: denials from the same
// (subject, action) within it collapse into one row with a running count.
const violationWindow = time.Hour

// ViolationLog records denials for operator review.
type ViolationLog struct {
	db queryer
}

// NewViolationLog creates a ViolationLog backed by the store.
func NewViolationLog(db queryer) *ViolationLog {
	return &ViolationLog{db: db}
}

// Record appends a denial, aggregating with the subject's recent denials
// for the same action. A denial more than an hour after the last one
// starts a fresh aggregate.
func (v *ViolationLog) Record(ctx context.Context, subject Subject, action, endpoint string, at time.Time) error {
	_, err := v.db.Exec(ctx, `
		INSERT INTO rate_limit_violations
			(subject_key, ip_address, action_type, endpoint, first_violation_at, last_violation_at, violation_count)
		VALUES ($1, $2, $3, $4, $5, $5, 1)
		ON CONFLICT (subject_key, action_type)
		DO UPDATE SET
			violation_count = CASE
				WHEN rate_limit_violations.last_violation_at >= $5 - make_interval(secs => $6)
				THEN rate_limit_violations.violation_count + 1
				ELSE 1
			END,
			first_violation_at = CASE
				WHEN rate_limit_violations.last_violation_at >= $5 - make_interval(secs => $6)
				THEN rate_limit_violations.first_violation_at
				ELSE $5
			END,
			last_violation_at = $5,
			endpoint = $4,
			ip_address = $2`,
		subject.Key(), subject.IP, action, endpoint, at, violationWindow.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("upserting violation for %s/%s: %w", subject.Key(), action, err)
	}
	return nil
}

// Prune deletes aggregates whose last denial is older than the retention
// period. Run from the hourly maintenance job.
func (v *ViolationLog) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := v.db.Exec(ctx,
		`DELETE FROM rate_limit_violations WHERE last_violation_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning rate limit violations: %w", err)
	}
	return tag.RowsAffected(), nil
}
