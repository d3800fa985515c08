// ABOUTME: Authenticated principal carried through request contexts.
// ABOUTME: Provides WithPrincipal/FromContext for handlers and interceptors.

package auth

import (
	"context"
	"slices"
)

// Principal kinds.
const (
	KindUser      = "user"
	KindDevice    = "device"
	KindAnonymous = "anonymous"
)

// Roles understood by the API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Principal is an authenticated caller.
type Principal struct {
	ID    string   `json:"id"`
	Kind  string   `json:"kind"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal holds role. Admins hold every role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role) || slices.Contains(p.Roles, RoleAdmin)
}

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal in ctx, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// MustFromContext returns the principal in ctx, panicking if absent.
func MustFromContext(ctx context.Context) *Principal {
	p := FromContext(ctx)
	if p == nil {
		panic("auth: Principal not found in context")
	}
	return p
}
