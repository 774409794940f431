package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/clock"
)

// DB is the subset of pgxpool.Pool the queue needs. Satisfied by the pool
// itself and by transactions in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Queue is the durable job queue. All operations are safe for concurrent
// use by any number of workers and enqueuers.
type Queue struct {
	db      DB
	clk     clock.Clock
	backoff Backoff
	logger  *slog.Logger

	// defaults resolves a job type's declared family and max attempts.
	// Set once at startup from the handler registry.
	defaults func(jobType string) (Family, int, bool)
}

// New creates a Queue. clk may be nil, in which case the system clock is used.
func New(db DB, clk clock.Clock, backoff Backoff, logger *slog.Logger) *Queue {
	if clk == nil {
		clk = clock.System
	}
	return &Queue{db: db, clk: clk, backoff: backoff, logger: logger}
}

// SetDefaults installs the per-type declaration lookup. Called once
// during wiring, before any enqueue traffic.
func (q *Queue) SetDefaults(fn func(jobType string) (Family, int, bool)) {
	q.defaults = fn
}

// WithDB returns a Queue bound to a different connection — typically a
// transaction, so an enqueue can commit atomically with the state change
// that produced it. pgx.Tx satisfies DB.
func (q *Queue) WithDB(db DB) *Queue {
	clone := *q
	clone.db = db
	return &clone
}

// Options modify a single Enqueue call.
type Options struct {
	// Delay postpones eligibility: next_attempt_at = now + Delay.
	Delay time.Duration

	// Family overrides the default family for the job type.
	Family Family

	// IdempotencyKey collapses duplicate enqueues of the same type.
	IdempotencyKey string

	// MaxAttempts overrides the per-type default.
	MaxAttempts int

	// NotBefore pins eligibility to an absolute time. Takes precedence
	// over Delay when set; used for month-boundary deferrals.
	NotBefore time.Time
}

const jobColumns = `id, type, family, payload, status, attempts, max_attempts,
	next_attempt_at, lease_holder, lease_expires_at, last_error,
	idempotency_key, enqueued_at, first_started_at, finished_at`

// Enqueue persists a job and returns its id. When the (type, idempotency
// key) pair already exists the enqueue collapses to the existing job and
// its id is returned; the duplicate is not an error.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling payload for %s: %w", jobType, err)
	}

	family := opts.Family
	maxAttempts := opts.MaxAttempts
	if q.defaults != nil {
		if declFamily, declAttempts, ok := q.defaults(jobType); ok {
			if family == "" {
				family = declFamily
			}
			if maxAttempts <= 0 {
				maxAttempts = declAttempts
			}
		}
	}
	if family == "" {
		family = FamilyDefault
	}
	if !family.Valid() {
		return uuid.Nil, fmt.Errorf("enqueue %s: invalid family %q", jobType, family)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := q.clk.Now()
	nextAttempt := now.Add(opts.Delay)
	if !opts.NotBefore.IsZero() {
		nextAttempt = opts.NotBefore
	}

	id := uuid.New()

	var key *string
	if opts.IdempotencyKey != "" {
		key = &opts.IdempotencyKey
	}

	var inserted uuid.UUID
	err = q.db.QueryRow(ctx, `
		INSERT INTO jobs (id, type, family, payload, status, attempts, max_attempts, next_attempt_at, idempotency_key, enqueued_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8)
		ON CONFLICT (type, idempotency_key, family) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id`,
		id, jobType, family, raw, maxAttempts, nextAttempt, key, now,
	).Scan(&inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// Idempotency key collision: hand back the existing job.
		var existing uuid.UUID
		err = q.db.QueryRow(ctx,
			`SELECT id FROM jobs WHERE type = $1 AND idempotency_key = $2`,
			jobType, opts.IdempotencyKey,
		).Scan(&existing)
		if err != nil {
			return uuid.Nil, fmt.Errorf("resolving duplicate enqueue of %s: %w", jobType, err)
		}
		return existing, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing %s: %w", jobType, err)
	}

	telemetry.JobsEnqueuedTotal.WithLabelValues(jobType, string(family)).Inc()
	return inserted, nil
}

// Claim atomically transitions up to batch pending jobs in the family to
// running under a lease held by workerID. Eligible jobs are those whose
// next_attempt_at has passed, oldest enqueue first; excludeTypes removes
// types whose fairness cap is full. Concurrent claimers never block each
// other and never receive the same job.
func (q *Queue) Claim(ctx context.Context, family Family, workerID string, leaseDuration time.Duration, batch int, excludeTypes []string) ([]Job, error) {
	if batch < 1 {
		return nil, nil
	}
	if excludeTypes == nil {
		excludeTypes = []string{}
	}
	now := q.clk.Now()

	rows, err := q.db.Query(ctx, `
		WITH eligible AS (
			SELECT id, family FROM jobs
			WHERE family = $1
			  AND status = 'pending'
			  AND next_attempt_at <= $4
			  AND NOT (type = ANY($5))
			ORDER BY enqueued_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'running',
		    lease_holder = $2,
		    lease_expires_at = $4 + make_interval(secs => $3),
		    attempts = j.attempts + 1,
		    first_started_at = COALESCE(j.first_started_at, $4)
		FROM eligible e
		WHERE j.id = e.id AND j.family = e.family
		RETURNING `+prefixColumns("j"),
		family, workerID, leaseDuration.Seconds(), now, excludeTypes, batch,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs for family %s: %w", family, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading claimed jobs: %w", err)
	}

	if len(jobs) > 0 {
		telemetry.JobsClaimedTotal.WithLabelValues(string(family)).Add(float64(len(jobs)))
	}
	return jobs, nil
}

// RenewLease extends the lease on a running job. The caller must be the
// current holder and the lease must not have lapsed.
func (q *Queue) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, extend time.Duration) error {
	now := q.clk.Now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $4 + make_interval(secs => $3)
		WHERE id = $1 AND lease_holder = $2 AND status = 'running' AND lease_expires_at > $4`,
		jobID, workerID, extend.Seconds(), now,
	)
	if err != nil {
		return fmt.Errorf("renewing lease on %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return q.classifyLeaseFailure(ctx, jobID, workerID, now)
}

// classifyLeaseFailure distinguishes the reasons a lease operation matched
// no rows.
func (q *Queue) classifyLeaseFailure(ctx context.Context, jobID uuid.UUID, workerID string, now time.Time) error {
	var holder *string
	var expiresAt *time.Time
	var status Status
	err := q.db.QueryRow(ctx,
		`SELECT lease_holder, lease_expires_at, status FROM jobs WHERE id = $1`, jobID,
	).Scan(&holder, &expiresAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspecting job %s: %w", jobID, err)
	}
	if holder == nil || *holder != workerID {
		return ErrNotLeaseHolder
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return ErrLeaseExpired
	}
	return ErrNotLeaseHolder
}

// Ack marks a running job succeeded. Idempotent: a second Ack from the
// same worker succeeds as long as it is still recorded as the last holder.
func (q *Queue) Ack(ctx context.Context, jobID uuid.UUID, workerID string) error {
	now := q.clk.Now()
	var jobType string
	var already bool
	err := q.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'succeeded',
		    finished_at = COALESCE(finished_at, $3),
		    lease_expires_at = NULL
		WHERE id = $1 AND lease_holder = $2 AND status IN ('running', 'succeeded')
		RETURNING type, finished_at < $3`,
		jobID, workerID, now,
	).Scan(&jobType, &already)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.classifyLeaseFailure(ctx, jobID, workerID, now)
	}
	if err != nil {
		return fmt.Errorf("acking job %s: %w", jobID, err)
	}
	if !already {
		telemetry.JobsAckedTotal.WithLabelValues(jobType).Inc()
	}
	return nil
}

// Fail records a handler failure. Retryable failures below the attempt cap
// return to pending with a jittered backoff; everything else goes to the
// dead letter state with last_error preserved verbatim.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, workerID string, failureMsg string, retryable bool, retryAfter time.Duration) error {
	now := q.clk.Now()

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var j Job
	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	j, err = scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if j.LeaseHolder == nil || *j.LeaseHolder != workerID {
		return ErrNotLeaseHolder
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("failing job %s in status %s: %w", jobID, j.Status, ErrNotLeaseHolder)
	}

	if retryable && j.Attempts < j.MaxAttempts {
		delay := q.backoff.Delay(j.Attempts)
		if retryAfter > 0 {
			delay = q.backoff.ThrottleDelay(j.Attempts, retryAfter)
		}
		next := now.Add(delay)
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', next_attempt_at = $2, last_error = $3,
			    lease_holder = NULL, lease_expires_at = NULL
			WHERE id = $1`,
			jobID, next, failureMsg,
		)
		if err != nil {
			return fmt.Errorf("requeueing job %s: %w", jobID, err)
		}
		telemetry.JobsFailedTotal.WithLabelValues(j.Type, "true").Inc()
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'dead', last_error = $2, finished_at = $3,
			    lease_expires_at = NULL
			WHERE id = $1`,
			jobID, failureMsg, now,
		)
		if err != nil {
			return fmt.Errorf("dead-lettering job %s: %w", jobID, err)
		}
		telemetry.JobsFailedTotal.WithLabelValues(j.Type, strconv.FormatBool(retryable)).Inc()
		telemetry.JobsDeadTotal.WithLabelValues(j.Type).Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing fail of %s: %w", jobID, err)
	}
	return nil
}

// Reap releases every lapsed lease by treating it as a retryable failure
// with reason "lease_expired". Idempotent; run from the background reaper.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := q.clk.Now()

	rows, err := q.db.Query(ctx, `
		SELECT id, lease_holder FROM jobs
		WHERE status = 'running' AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("listing expired leases: %w", err)
	}

	type expired struct {
		id     uuid.UUID
		holder string
	}
	var lapsed []expired
	for rows.Next() {
		var e expired
		var holder *string
		if err := rows.Scan(&e.id, &holder); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expired lease: %w", err)
		}
		if holder != nil {
			e.holder = *holder
		}
		lapsed = append(lapsed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading expired leases: %w", err)
	}

	reaped := 0
	for _, e := range lapsed {
		err := q.Fail(ctx, e.id, e.holder, "lease_expired", true, 0)
		if err != nil {
			// Another reaper or the worker itself got there first.
			if errors.Is(err, ErrNotLeaseHolder) || errors.Is(err, ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("reaping job %s: %w", e.id, err)
		}
		reaped++
	}
	if reaped > 0 {
		telemetry.LeasesReapedTotal.Add(float64(reaped))
	}
	return reaped, nil
}

// Revive resets a dead job for reprocessing: attempts back to zero, status
// pending, eligible immediately. Operator-only; the admin surface records
// the audit entry.
func (q *Queue) Revive(ctx context.Context, jobID uuid.UUID) error {
	now := q.clk.Now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, next_attempt_at = $2,
		    lease_holder = NULL, lease_expires_at = NULL, finished_at = NULL
		WHERE id = $1 AND status = 'dead'`,
		jobID, now,
	)
	if err != nil {
		return fmt.Errorf("reviving job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("inspecting job %s: %w", jobID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotDead
	}
	return nil
}

// Get loads a single job by id.
func (q *Queue) Get(ctx context.Context, jobID uuid.UUID) (Job, error) {
	row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return j, nil
}

// Depth returns the number of eligible pending jobs in a family.
func (q *Queue) Depth(ctx context.Context, family Family) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE family = $1 AND status = 'pending' AND next_attempt_at <= $2`,
		family, q.clk.Now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs in %s: %w", family, err)
	}
	return n, nil
}

// DeadLetterSize returns the number of dead jobs and refreshes the gauge.
func (q *Queue) DeadLetterSize(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'dead'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead jobs: %w", err)
	}
	telemetry.DeadLetterSize.Set(float64(n))
	return n, nil
}

// ListDead returns dead jobs, newest failures first.
func (q *Queue) ListDead(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'dead' ORDER BY finished_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// scanJob scans one job row in jobColumns order.
func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Family, &j.Payload, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.NextAttemptAt, &j.LeaseHolder, &j.LeaseExpiresAt,
		&j.LastError, &j.IdempotencyKey, &j.EnqueuedAt, &j.FirstStartedAt,
		&j.FinishedAt,
	)
	return j, err
}

// prefixColumns qualifies jobColumns with a table alias for UPDATE ... RETURNING.
func prefixColumns(alias string) string {
	return alias + ".id, " + alias + ".type, " + alias + ".family, " + alias + ".payload, " +
		alias + ".status, " + alias + ".attempts, " + alias + ".max_attempts, " +
		alias + ".next_attempt_at, " + alias + ".lease_holder, " + alias + ".lease_expires_at, " +
		alias + ".last_error, " + alias + ".idempotency_key, " + alias + ".enqueued_at, " +
		alias + ".first_started_at, " + alias + ".finished_at"
}
