package api

import (
	"context"
)

type contextKey string

const sessionKey contextKey = "session"

// WithSession adds the authenticated session to context
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// GetSession retrieves the authenticated session from context
func GetSession(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}
