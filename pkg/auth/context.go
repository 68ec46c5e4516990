package auth

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/audit"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	NodeID          string
	AuthenticatedAt time.Time
}

// WithIdentity attaches an Identity to the context and marks the node as the
// audit actor.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	ctx = audit.WithActor(ctx, id.NodeID)
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from the context.
func GetIdentity(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, errors.New("no identity in context")
	}
	return id, nil
}

// NodeID returns the authenticated node id, or "".
func NodeID(ctx context.Context) string {
	if id, err := GetIdentity(ctx); err == nil {
		return id.NodeID
	}
	return ""
}
