package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/nexus/pkg/api"
	"github.com/Mindburn-Labs/nexus/pkg/audit"
	"github.com/Mindburn-Labs/nexus/pkg/observability"
)

// MaxBodyBytes bounds the request body read for signature verification.
const MaxBodyBytes = 64 << 10

// publicPaths are endpoints that do not require a signed request.
var publicPaths = map[string]bool{
	"/health": true,
}

// FromHTTP extracts a SignedRequest from r. The body is consumed; callers
// must restore it.
func FromHTTP(r *http.Request, body []byte) SignedRequest {
	return SignedRequest{
		NodeID:    r.Header.Get(HeaderNodeID),
		Timestamp: r.Header.Get(HeaderTimestamp),
		Nonce:     r.Header.Get(HeaderNonce),
		Signature: r.Header.Get(HeaderSignature),
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Body:      body,
	}
}

// NewMiddleware creates signed-request middleware. Every attempt is written
// to auditor; any rejection, including an unreachable ledger, is a 401.
// obs may be nil.
func NewMiddleware(authn *Authenticator, auditor audit.Logger, obs *observability.Provider) func(http.Handler) http.Handler {
	if auditor == nil {
		auditor = audit.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					api.WriteError(w, r, http.StatusRequestEntityTooLarge, "Request body exceeds the signed payload limit")
					return
				}
				api.WriteBadRequest(w, r, "Unable to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx, done := obs.TrackOperation(r.Context(), "auth.authenticate",
				attribute.String("http.method", r.Method))
			attempt, err := authn.Authenticate(ctx, FromHTTP(r, body))
			done(err)
			obs.AuthAttempt(ctx, attempt.Accepted, string(attempt.Kind))

			action := "authenticate"
			if err != nil {
				action = "reject"
			}
			_ = auditor.Record(audit.WithActor(ctx, attempt.NodeID), audit.EventAuth, action, attempt.Path, map[string]interface{}{
				"accepted": attempt.Accepted,
				"kind":     string(attempt.Kind),
				"reason":   attempt.Reason,
				"method":   attempt.Method,
			})

			if err != nil {
				api.WriteRejected(w, r, string(KindOf(err)))
				return
			}

			ctx = WithIdentity(r.Context(), &Identity{NodeID: attempt.NodeID, AuthenticatedAt: attempt.At})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
