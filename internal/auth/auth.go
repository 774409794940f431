// Package auth authenticates the admin surface with API keys and
// enforces the operator role hierarchy.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Operator roles, least privilege first. read_only sees state, support
// may adjust karma and revive jobs, ops additionally mutates flags and
// rate limit rules, super_admin does everything including key management.
const (
	RoleReadOnly   = "read_only"
	RoleSupport    = "support"
	RoleOps        = "ops"
	RoleSuperAdmin = "super_admin"
)

// roleLevel maps roles to a numeric privilege level for comparison.
var roleLevel = map[string]int{
	RoleSuperAdmin: 40,
	RoleOps:        30,
	RoleSupport:    20,
	RoleReadOnly:   10,
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	_, ok := roleLevel[r]
	return ok
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	KeyID uuid.UUID
	Name  string
	Role  string
}

// ActorID returns the key id as an audit actor reference.
func (id *Identity) ActorID() *uuid.UUID {
	if id == nil {
		return nil
	}
	return &id.KeyID
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity, or nil for unauthenticated requests.
func FromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}
