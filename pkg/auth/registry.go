package auth

import (
	"context"
	"errors"
	"fmt"
)

// Registry resolves a node id to its shared secret. ok is false for unknown
// nodes. A registry that knows a node but holds it inactive may return an
// error with an Inactive() bool method reporting true.
type Registry interface {
	LookupSecret(ctx context.Context, nodeID string) (secret []byte, ok bool, err error)
}

// IsInactive reports whether err is a registry's "known but not active"
// answer.
func IsInactive(err error) bool {
	var i interface{ Inactive() bool }
	return errors.As(err, &i) && i.Inactive()
}

// StaticRegistry serves secrets provisioned through configuration.
type StaticRegistry struct {
	secrets map[string][]byte
}

// NewStaticRegistry copies keys; empty secrets are skipped.
func NewStaticRegistry(keys map[string]string) *StaticRegistry {
	r := &StaticRegistry{secrets: make(map[string][]byte, len(keys))}
	for id, secret := range keys {
		if id == "" || secret == "" {
			continue
		}
		r.secrets[id] = []byte(secret)
	}
	return r
}

func (r *StaticRegistry) LookupSecret(_ context.Context, nodeID string) ([]byte, bool, error) {
	s, ok := r.secrets[nodeID]
	return s, ok, nil
}

// Len is the number of provisioned nodes.
func (r *StaticRegistry) Len() int { return len(r.secrets) }

// ChainRegistry consults registries in order; the first that knows the node
// wins. An inactive answer ends the lookup with the node unknown, so a later
// source cannot revive a suspended node. Any other error stops the chain so
// an outage never falls through to a weaker source.
type ChainRegistry []Registry

func (c ChainRegistry) LookupSecret(ctx context.Context, nodeID string) ([]byte, bool, error) {
	for i, r := range c {
		secret, ok, err := r.LookupSecret(ctx, nodeID)
		if IsInactive(err) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("registry %d: %w", i, err)
		}
		if ok {
			return secret, true, nil
		}
	}
	return nil, false, nil
}
