package usercontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Identity is the authenticated caller as resolved by the upstream
// auth layer: who they are and which subscription tier they hold.
type Identity struct {
	UserID snowflake.ID
	Tier   string
}

// IdentityContextKey is the request context key for the caller identity.
type IdentityContextKey struct{}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext returns the caller identity from context, if set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}

	value := ctx.Value(IdentityContextKey{})
	if value == nil {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	if !ok || identity.UserID == 0 {
		return Identity{}, false
	}
	identity.Tier = strings.ToLower(strings.TrimSpace(identity.Tier))
	return identity, true
}
