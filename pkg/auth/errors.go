package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownNode      = errors.New("unknown node")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpiredTimestamp = errors.New("expired timestamp")
	ErrReplayedNonce    = errors.New("replayed nonce")
	// ErrStorage means the registry or nonce ledger could not be consulted.
	// The request is rejected.
	ErrStorage = errors.New("auth: storage unavailable")
)

// Kind classifies a rejected attempt.
type Kind string

const (
	KindUnknownNode      Kind = "unknown_node"
	KindInvalidSignature Kind = "invalid_signature"
	KindExpiredTimestamp Kind = "expired_timestamp"
	KindReplayedNonce    Kind = "replayed_nonce"
	KindStorage          Kind = "storage_unavailable"
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnknownNode:
		return ErrUnknownNode
	case KindInvalidSignature:
		return ErrInvalidSignature
	case KindExpiredTimestamp:
		return ErrExpiredTimestamp
	case KindReplayedNonce:
		return ErrReplayedNonce
	default:
		return ErrStorage
	}
}

// Error is a classified authentication failure. errors.Is matches it against
// the sentinel for its Kind and against the underlying cause, if any.
type Error struct {
	Kind   Kind
	NodeID string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("auth: %s for node %q: %s: %v", e.Kind, e.NodeID, e.Reason, e.cause)
	}
	return fmt.Sprintf("auth: %s for node %q: %s", e.Kind, e.NodeID, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind.sentinel(), e.cause}
	}
	return []error{e.Kind.sentinel()}
}

// KindOf returns the Kind of err, or "" when err is not an authentication error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
