// Package authctx carries the authenticated user identity through the
// request context. It is a leaf package so both the session middleware
// and the domain handlers can use it without import cycles.
package authctx

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	userIDContextKey    contextKey = "user_id"
	userEmailContextKey contextKey = "user_email"
)

// WithUser returns a context annotated with the authenticated identity.
func WithUser(ctx context.Context, userID uuid.UUID, email string) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, userID)
	return context.WithValue(ctx, userEmailContextKey, email)
}

// UserID retrieves the authenticated user's id from the context.
// Returns uuid.Nil if no user is authenticated.
func UserID(ctx context.Context) uuid.UUID {
	userID, ok := ctx.Value(userIDContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}

// UserEmail retrieves the authenticated user's email from the context.
func UserEmail(ctx context.Context) string {
	email, _ := ctx.Value(userEmailContextKey).(string)
	return email
}
