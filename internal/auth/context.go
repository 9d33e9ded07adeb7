// ABOUTME: Request context helpers for the session a callback token was minted for
// ABOUTME: Provides WithSession/SessionFromContext for handlers behind the middleware

package auth

import (
	"context"
)

type sessionContextKey struct{}

// WithSession returns a new context carrying the authenticated session ID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sessionID)
}

// SessionFromContext returns the authenticated session ID, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionContextKey{}).(string)
	return id, ok && id != ""
}
