// Package auth authenticates callers of the FHIR operations.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type principalContextKeyType struct{}

var principalContextKey = principalContextKeyType{}

var ErrNotAuthenticated = errors.New("not authenticated")

// PrincipalFromContext returns the principal from the request context.
func PrincipalFromContext(ctx context.Context) (Principal, error) {
	principal, ok := ctx.Value(principalContextKey).(Principal)
	if !ok {
		return Principal{}, ErrNotAuthenticated
	}
	return principal, nil
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	ctx = context.WithValue(ctx, principalContextKey, principal)
	// Add the principal to the context for logging
	return log.Ctx(ctx).With().Str("principal", principal.ID()).Logger().WithContext(ctx)
}

var _ fmt.Stringer = Principal{}

// Principal is an authenticated caller.
type Principal struct {
	// Subject identifies the caller: the basic auth username, the introspected subject or client ID.
	Subject string
	// Method is how the caller authenticated (basic, bearer, introspection).
	Method string
}

func (u Principal) ID() string {
	return u.Method + ":" + u.Subject
}

func (u Principal) String() string {
	return fmt.Sprintf("Principal (subject=%s, method=%s)", u.Subject, u.Method)
}
