package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned for unknown user ids.
var ErrNotFound = errors.New("user not found")

// Store provides database operations for users.
type Store struct {
	db pgxQuerier
}

// pgxQuerier matches both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore creates a user Store backed by the given connection.
func NewStore(db pgxQuerier) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, trust_level, karma, is_banned, banned_at, created_at`

// Get loads one user.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetForUpdate loads one user under a row lock. Must run inside the
// caller's transaction; every karma mutation serializes on this lock.
func GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (User, error) {
	return scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// SetTrustLevel sets a user's trust level directly (admin action).
func SetTrustLevel(ctx context.Context, tx pgx.Tx, id uuid.UUID, level TrustLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid trust level %q", level)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE users SET trust_level = $2 WHERE id = $1`, id, level)
	if err != nil {
		return fmt.Errorf("setting trust level for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.TrustLevel, &u.Karma, &u.IsBanned, &u.BannedAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scanning user: %w", err)
	}
	return u, nil
}
