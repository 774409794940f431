package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/pkg/clock"
	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/ratelimit"
)

// Service runs the listing lifecycle.
type Service struct {
	pool        *pgxpool.Pool
	queue       *jobqueue.Queue
	stripe      gateway.StripeClient
	limiter     *ratelimit.Limiter
	clk         clock.Clock
	relayDomain string
	logger      *slog.Logger
}

// NewService creates a marketplace Service. limiter may be nil.
func NewService(pool *pgxpool.Pool, queue *jobqueue.Queue, stripe gateway.StripeClient, limiter *ratelimit.Limiter, clk clock.Clock, relayDomain string, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System
	}
	return &Service{pool: pool, queue: queue, stripe: stripe, limiter: limiter, clk: clk, relayDomain: relayDomain, logger: logger}
}

// CreateInput is the listing creation request.
type CreateInput struct {
	OwnerID     uuid.UUID
	CategoryID  uuid.UUID
	GeoCity     string
	Title       string
	Description string
	PriceCents  *int64

	// PostingFeeCents is nonzero for paid categories; the listing waits
	// in pending_payment until the fee clears.
	PostingFeeCents int64
}

// Create persists a listing. Free categories activate immediately with a
// 30 day life; paid categories park in pending_payment and return a
// Stripe payment intent for the client to confirm.
func (s *Service) Create(ctx context.Context, in CreateInput) (Listing, *gateway.PaymentIntent, error) {
	if err := Validate(in.Title, in.Description, in.PriceCents); err != nil {
		return Listing{}, nil, jobqueue.Invalid(err)
	}
	if s.limiter != nil {
		sub := ratelimit.Subject{UserID: &in.OwnerID}
		if err := s.limiter.Enforce(ctx, sub, "listing_create", "marketplace/create"); err != nil {
			return Listing{}, nil, &jobqueue.Failure{Kind: jobqueue.KindBudget, Err: err}
		}
	}

	id := uuid.New()
	now := s.clk.Now()
	l := Listing{
		ID:           id,
		OwnerID:      in.OwnerID,
		CategoryID:   in.CategoryID,
		GeoCity:      in.GeoCity,
		Title:        in.Title,
		Description:  in.Description,
		PriceCents:   in.PriceCents,
		ContactEmail: MaskedEmail(id, s.relayDomain),
		Status:       StatusDraft,
	}

	if in.PostingFeeCents > 0 {
		l.Status = StatusPendingPayment
	} else {
		l.Status = StatusActive
		exp := now.Add(listingDuration)
		l.ExpiresAt = &exp
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO marketplace_listings
			(id, owner_id, category_id, geo_city, title, description, price_cents, contact_email, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		l.ID, l.OwnerID, l.CategoryID, l.GeoCity, l.Title, l.Description,
		l.PriceCents, l.ContactEmail, l.Status, l.ExpiresAt,
	).Scan(&l.CreatedAt)
	if err != nil {
		return Listing{}, nil, fmt.Errorf("inserting listing: %w", err)
	}

	if l.Status != StatusPendingPayment {
		return l, nil, nil
	}

	intent, err := s.stripe.CreatePaymentIntent(ctx, in.PostingFeeCents, "usd", map[string]string{
		"listing_id": l.ID.String(),
		"purpose":    "posting_fee",
	})
	if err != nil {
		return Listing{}, nil, fmt.Errorf("creating posting fee intent: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE marketplace_listings SET payment_intent_id = $2 WHERE id = $1`,
		l.ID, intent.IntentID,
	); err != nil {
		return Listing{}, nil, fmt.Errorf("recording payment intent: %w", err)
	}
	return l, &intent, nil
}

// HandlePaymentSucceeded processes a confirmed payment webhook: flip the
// listing active, stamp the 30-day expiry, and enqueue the seller
// confirmation email — one transaction, so a committed activation always
// has its email queued. The payment intent id doubles as the email job's
// idempotency key, making webhook redelivery harmless.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) error {
	now := s.clk.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning payment confirmation: %w", err)
	}
	defer tx.Rollback(ctx)

	var l Listing
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, status, contact_email
		FROM marketplace_listings WHERE payment_intent_id = $1 FOR UPDATE`,
		paymentIntentID,
	).Scan(&l.ID, &l.OwnerID, &l.Status, &l.ContactEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payment intent %s matches no listing: %w", paymentIntentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading listing for intent %s: %w", paymentIntentID, err)
	}

	switch l.Status {
	case StatusPendingPayment:
		exp := now.Add(listingDuration)
		if _, err := tx.Exec(ctx, `
			UPDATE marketplace_listings
			SET status = 'active', expires_at = $2, reminder_sent = FALSE
			WHERE id = $1`,
			l.ID, exp,
		); err != nil {
			return fmt.Errorf("activating listing %s: %w", l.ID, err)
		}
	case StatusActive:
		// A bump/featured purchase on a live listing extends it.
		if _, err := tx.Exec(ctx, `
			UPDATE marketplace_listings
			SET expires_at = GREATEST(expires_at, $2) + make_interval(days => 30),
			    last_bumped_at = $2
			WHERE id = $1`,
			l.ID, now,
		); err != nil {
			return fmt.Errorf("extending listing %s: %w", l.ID, err)
		}
	default:
		return fmt.Errorf("payment for listing %s in status %s: %w", l.ID, l.Status, ErrForbiddenTransition)
	}

	if err := s.enqueueEmailTx(ctx, tx, "listing_payment_confirmed", l.OwnerID, map[string]string{
		"listing_id": l.ID.String(),
	}, "payment:"+paymentIntentID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing payment confirmation: %w", err)
	}
	return nil
}

// Bump refreshes a listing's position. Allowed once per 24 hours.
func (s *Service) Bump(ctx context.Context, listingID, ownerID uuid.UUID) error {
	now := s.clk.Now()
	var lastBumped *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_bumped_at FROM marketplace_listings
		 WHERE id = $1 AND owner_id = $2 AND status = 'active'`,
		listingID, ownerID,
	).Scan(&lastBumped)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading listing %s for bump: %w", listingID, err)
	}
	if !CanBump(lastBumped, now) {
		return ErrBumpTooSoon
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE marketplace_listings SET last_bumped_at = $2 WHERE id = $1`,
		listingID, now)
	if err != nil {
		return fmt.Errorf("bumping listing %s: %w", listingID, err)
	}
	return nil
}

// ExpireDue moves listings past their expiry to expired. Run daily.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE marketplace_listings
		SET status = 'expired'
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`,
		s.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("expiring listings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemindDue enqueues expiry reminder emails for listings entering the
// three-day lead window. The reminder_sent flip and the email enqueue
// share a transaction per listing.
func (s *Service) RemindDue(ctx context.Context) (int, error) {
	now := s.clk.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id FROM marketplace_listings
		WHERE status = 'active' AND reminder_sent = FALSE
		  AND expires_at IS NOT NULL
		  AND expires_at > $1
		  AND expires_at <= $1 + make_interval(days => 3)`,
		now)
	if err != nil {
		return 0, fmt.Errorf("listing reminder candidates: %w", err)
	}
	type due struct{ id, owner uuid.UUID }
	var candidates []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.owner); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning reminder candidate: %w", err)
		}
		candidates = append(candidates, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range candidates {
		if err := s.remindOne(ctx, c.id, c.owner); err != nil {
			s.logger.Error("sending listing reminder", "listing_id", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Service) remindOne(ctx context.Context, listingID, ownerID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reminder: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE marketplace_listings SET reminder_sent = TRUE
		WHERE id = $1 AND reminder_sent = FALSE`, listingID)
	if err != nil {
		return fmt.Errorf("marking reminder sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // another run got there first
	}

	if err := s.enqueueEmailTx(ctx, tx, "listing_expiry_reminder", ownerID, map[string]string{
		"listing_id": listingID.String(),
	}, "reminder:"+listingID.String()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Flag adds a moderation flag; at the threshold the listing leaves public
// view until a moderator resolves it.
func (s *Service) Flag(ctx context.Context, listingID uuid.UUID) error {
	var count int
	var status Status
	err := s.pool.QueryRow(ctx, `
		UPDATE marketplace_listings
		SET flag_count = flag_count + 1
		WHERE id = $1
		RETURNING flag_count, status`,
		listingID,
	).Scan(&count, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("flagging listing %s: %w", listingID, err)
	}

	if count >= flagThreshold && status != StatusFlagged && status != StatusRemoved {
		if _, err := s.pool.Exec(ctx, `
			UPDATE marketplace_listings
			SET status = 'flagged', previous_status = $2
			WHERE id = $1`,
			listingID, status,
		); err != nil {
			return fmt.Errorf("quarantining listing %s: %w", listingID, err)
		}
		if _, err := s.queue.Enqueue(ctx, "moderator_notify", map[string]string{
			"subject": "Marketplace listing flagged",
			"body":    fmt.Sprintf("listing %s reached %d flags", listingID, count),
		}, jobqueue.Options{
			Family:         jobqueue.FamilyLow,
			IdempotencyKey: "listing-flagged:" + listingID.String(),
		}); err != nil {
			s.logger.Error("enqueueing moderator notification", "listing_id", listingID, "error", err)
		}
	}
	return nil
}

// ResolveFlag is the moderator decision on a flagged listing: remove it,
// or restore it to the state it held before quarantine.
func (s *Service) ResolveFlag(ctx context.Context, listingID uuid.UUID, remove bool) error {
	if remove {
		_, err := s.pool.Exec(ctx, `
			UPDATE marketplace_listings SET status = 'removed'
			WHERE id = $1 AND status = 'flagged'`, listingID)
		if err != nil {
			return fmt.Errorf("removing flagged listing %s: %w", listingID, err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE marketplace_listings
		SET status = COALESCE(previous_status, 'active'), flag_count = 0, previous_status = NULL
		WHERE id = $1 AND status = 'flagged'`, listingID)
	if err != nil {
		return fmt.Errorf("restoring flagged listing %s: %w", listingID, err)
	}
	return nil
}

// RouteInbound resolves a relay address to the listing owner and enqueues
// the forwarded email.
func (s *Service) RouteInbound(ctx context.Context, msg gateway.InboundMessage) error {
	listingID, err := ParseMaskedEmail(msg.To)
	if err != nil {
		return jobqueue.Invalid(err)
	}

	var ownerID uuid.UUID
	err = s.pool.QueryRow(ctx,
		`SELECT owner_id FROM marketplace_listings WHERE id = $1 AND status NOT IN ('removed')`,
		listingID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("relay for unknown listing %s: %w", listingID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolving relay for listing %s: %w", listingID, err)
	}

	_, err = s.queue.Enqueue(ctx, "email_send", map[string]string{
		"template": "listing_inquiry_relay",
		"owner_id": ownerID.String(),
		"subject":  msg.Subject,
		"body":     msg.Body,
		"reply_to": msg.From,
	}, jobqueue.Options{
		Family:         jobqueue.FamilyHigh,
		IdempotencyKey: "relay:" + msg.MessageID,
	})
	if err != nil {
		return fmt.Errorf("enqueueing relay email for listing %s: %w", listingID, err)
	}
	return nil
}

// OwnerEmail resolves a listing owner's real address for outbound mail.
func (s *Service) OwnerEmail(ctx context.Context, ownerID string) (string, error) {
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return "", jobqueue.Invalid(fmt.Errorf("malformed owner id %q: %w", ownerID, err))
	}
	var email string
	err = s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, id).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", jobqueue.Invalid(fmt.Errorf("owner %s not found", id))
	}
	if err != nil {
		return "", fmt.Errorf("loading owner %s email: %w", id, err)
	}
	return email, nil
}

// enqueueEmailTx enqueues an email-send job inside the caller's
// transaction so the email and the state change commit atomically.
func (s *Service) enqueueEmailTx(ctx context.Context, tx pgx.Tx, template string, ownerID uuid.UUID, vars map[string]string, dedupeKey string) error {
	payload := map[string]string{"template": template, "owner_id": ownerID.String()}
	for k, v := range vars {
		payload[k] = v
	}
	txQueue := s.queue.WithDB(tx)
	if _, err := txQueue.Enqueue(ctx, "email_send", payload, jobqueue.Options{
		Family:         jobqueue.FamilyHigh,
		IdempotencyKey: dedupeKey,
	}); err != nil {
		return fmt.Errorf("enqueueing %s email: %w", template, err)
	}
	return nil
}
