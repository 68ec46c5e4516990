// Package auth verifies HMAC-signed node requests with replay protection and
// carries the authenticated node through request contexts.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/nonce"
)

// SignedRequest is everything the verifier needs from one inbound call.
type SignedRequest struct {
	NodeID    string
	Timestamp string // unix seconds, exactly as sent
	Nonce     string
	Signature string // hex HMAC-SHA256
	Method    string
	Path      string
	Body      []byte
}

// Attempt describes one authentication attempt for auditing. It is returned
// for accepted and rejected attempts alike.
type Attempt struct {
	NodeID   string    `json:"node_id"`
	Nonce    string    `json:"nonce,omitempty"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	At       time.Time `json:"at"`
	Accepted bool      `json:"accepted"`
	Kind     Kind      `json:"kind,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Authenticator verifies signed requests against a Registry and records
// nonces in a nonce.Ledger.
type Authenticator struct {
	registry Registry
	ledger   nonce.Ledger
	skew     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuthenticator wires the verifier. skew bounds |now - timestamp|.
func NewAuthenticator(registry Registry, ledger nonce.Ledger, skew time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		registry: registry,
		ledger:   ledger,
		skew:     skew,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "authenticator")
	return a
}

// Authenticate checks, in order: the node is known, the timestamp is within
// skew, the signature matches, and the nonce has not been seen. The nonce is
// recorded only when every earlier check has passed.
func (a *Authenticator) Authenticate(ctx context.Context, req SignedRequest) (*Attempt, error) {
	now := a.now()
	at := &Attempt{
		NodeID: req.NodeID,
		Nonce:  req.Nonce,
		Method: strings.ToUpper(req.Method),
		Path:   req.Path,
		At:     now,
	}
	reject := func(kind Kind, reason string, cause error) (*Attempt, error) {
		at.Kind, at.Reason = kind, reason
		level := slog.LevelInfo
		if kind == KindStorage {
			level = slog.LevelError
		}
		a.logger.Log(ctx, level, "request rejected",
			"node_id", req.NodeID, "kind", kind, "reason", reason, "path", req.Path)
		return at, &Error{Kind: kind, NodeID: req.NodeID, Reason: reason, cause: cause}
	}

	if req.NodeID == "" {
		return reject(KindUnknownNode, "missing node id", nil)
	}
	secret, ok, err := a.registry.LookupSecret(ctx, req.NodeID)
	if IsInactive(err) {
		return reject(KindUnknownNode, "node is not active", nil)
	}
	if err != nil {
		return reject(KindStorage, "node registry unavailable", err)
	}
	if !ok || len(secret) == 0 {
		return reject(KindUnknownNode, "node is not registered or not active", nil)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return reject(KindExpiredTimestamp, "timestamp is not unix seconds", nil)
	}
	issued := time.Unix(ts, 0)
	if drift := absDuration(now.Sub(issued)); drift > a.skew {
		return reject(KindExpiredTimestamp, fmt.Sprintf("timestamp drift %s exceeds %s", drift.Truncate(time.Second), a.skew), nil)
	}

	if req.Nonce == "" || req.Signature == "" {
		return reject(KindInvalidSignature, "missing nonce or signature", nil)
	}
	canonical := CanonicalString(req.Timestamp, req.Nonce, req.Method, req.Path, req.Body)
	if !verifySignature(secret, canonical, req.Signature) {
		return reject(KindInvalidSignature, "signature mismatch", nil)
	}

	expiry := issued
	if now.After(expiry) {
		expiry = now
	}
	fresh, err := a.ledger.MarkIfNew(ctx, req.NodeID, req.Nonce, now, expiry.Add(a.skew))
	if err != nil {
		return reject(KindStorage, "nonce ledger unavailable", err)
	}
	if !fresh {
		return reject(KindReplayedNonce, "nonce already used", nil)
	}

	at.Accepted = true
	a.logger.DebugContext(ctx, "request authenticated", "node_id", req.NodeID, "path", req.Path)
	return at, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
