// Package nonce records recently seen (node, nonce) pairs so a signed request
// can be accepted at most once inside its validity window.
package nonce

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned when a node id or nonce is blank.
var ErrEmpty = errors.New("nonce: node id and nonce are required")

// Ledger is the replay-protection store. Implementations must be atomic
// across goroutines and across processes sharing the same backend.
type Ledger interface {
	// MarkIfNew records (nodeID, nonce) until expiry and reports true, or
	// reports false when the pair is already recorded and its expiry is not
	// before now. A record stays live through its expiry second inclusive.
	MarkIfNew(ctx context.Context, nodeID, nonce string, now, expiry time.Time) (bool, error)
	// Purge deletes records whose expiry is before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

func validate(nodeID, nonce string) error {
	if nodeID == "" || nonce == "" {
		return ErrEmpty
	}
	return nil
}
