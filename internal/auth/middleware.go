package auth

import (
	"context"
	"errors"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// ErrMissingUserContext is returned by GetUserContext when the request
// context carries no authenticated UserContext.
var ErrMissingUserContext = errors.New("auth: missing user context")

// ErrMissingScope is returned by RequireScopes when the authenticated user
// lacks one of the required scopes.
var ErrMissingScope = errors.New("auth: missing required scope")

// RequireScopes checks that the UserContext in ctx carries every one of
// requiredScopes. The actual HTTP enforcement lives in
// cmd/gateway/internal/middleware.RequireScope, which calls this for each
// route it protects; it is kept here, next to UserContext, so any future
// transport (gRPC, a CLI harness) can reuse the same check.
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return ErrMissingUserContext
	}

	for _, required := range requiredScopes {
		found := false
		for _, scope := range userCtx.Scopes {
			if scope == required {
				found = true
				break
			}
		}
		if !found {
			return errors.Join(ErrMissingScope, errors.New(required))
		}
	}

	return nil
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil, ErrMissingUserContext
	}
	return userCtx, nil
}
