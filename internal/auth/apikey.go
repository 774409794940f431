package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned for unknown, revoked, or mismatched keys.
var ErrInvalidKey = errors.New("invalid api key")

// keyPrefix makes village keys greppable in config files and logs.
const keyPrefix = "vhk_"

// KeyStore persists admin API keys. The secret is bcrypt-hashed; only the
// key id and a SHA-256 lookup digest are stored alongside it.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore creates a KeyStore.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

// Create mints a new key for the role and returns the one-time plaintext.
func (s *KeyStore) Create(ctx context.Context, name, role string) (plaintext string, id uuid.UUID, err error) {
	if !ValidRole(role) {
		return "", uuid.Nil, fmt.Errorf("unknown role %q", role)
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", uuid.Nil, fmt.Errorf("generating key material: %w", err)
	}
	id = uuid.New()
	plaintext = keyPrefix + id.String() + "." + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("hashing key: %w", err)
	}
	digest := sha256.Sum256([]byte(plaintext))

	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, role, secret_hash, lookup_digest)
		VALUES ($1, $2, $3, $4, $5)`,
		id, name, role, hash, hex.EncodeToString(digest[:]))
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("storing api key: %w", err)
	}
	return plaintext, id, nil
}

// Authenticate resolves a presented key to an identity. The SHA-256
// digest narrows the candidate to one row; bcrypt confirms it.
func (s *KeyStore) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	if !strings.HasPrefix(presented, keyPrefix) {
		return nil, ErrInvalidKey
	}
	digest := sha256.Sum256([]byte(presented))

	var id Identity
	var hash []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, role, secret_hash FROM api_keys
		WHERE lookup_digest = $1 AND revoked_at IS NULL`,
		hex.EncodeToString(digest[:]),
	).Scan(&id.KeyID, &id.Name, &id.Role, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(presented)) != nil {
		return nil, ErrInvalidKey
	}
	return &id, nil
}

// Revoke disables a key.
func (s *KeyStore) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking api key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidKey
	}
	return nil
}
