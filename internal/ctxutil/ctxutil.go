// Package ctxutil provides shared context key accessors.
//
// server imports mcp, and mcp reads the operator claims that the server's
// auth middleware stores. Both import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/slotwarden/slotwarden/internal/auth"
	"github.com/slotwarden/slotwarden/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// OperatorID returns the authenticated operator id, or "" when unauthenticated.
func OperatorID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.OperatorID
	}
	return ""
}

// HasRole reports whether the authenticated operator holds at least min.
func HasRole(ctx context.Context, min model.OperatorRole) bool {
	c := ClaimsFromContext(ctx)
	return c != nil && model.RoleAtLeast(c.Role, min)
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the request id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
