package auth

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/nexus/pkg/api"
	"github.com/Mindburn-Labs/nexus/pkg/audit"
	"github.com/Mindburn-Labs/nexus/pkg/observability"
	"github.com/Mindburn-Labs/nexus/pkg/ratelimit"
)

// Classifier maps a request to the budget it draws from.
type Classifier func(r *http.Request) ratelimit.EndpointClass

// DefaultClassifier treats POSTs to vote endpoints as votes, other writes as
// proposals, and everything else as reads.
func DefaultClassifier(r *http.Request) ratelimit.EndpointClass {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ratelimit.ClassRead
	}
	if strings.Contains(r.URL.Path, "/vote") {
		return ratelimit.ClassVote
	}
	return ratelimit.ClassPropose
}

// ClientKey identifies the caller for rate limiting: the authenticated node
// when there is one, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if id := NodeID(r.Context()); id != "" {
		return "node:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware enforces per-node budgets after authentication.
// Limiter storage failures deny the request (fail closed) with a 429.
// auditor and obs may be nil.
func RateLimitMiddleware(limiter *ratelimit.Limiter, classify Classifier, auditor audit.Logger, obs *observability.Provider) func(http.Handler) http.Handler {
	if classify == nil {
		classify = DefaultClassifier
	}
	if auditor == nil {
		auditor = audit.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := classify(r)
			key := ClientKey(r)

			d, err := limiter.Allow(r.Context(), key, class)
			if err != nil && !errors.Is(err, ratelimit.ErrStorage) {
				api.WriteInternal(w, r, err)
				return
			}

			obs.RateLimit(r.Context(), string(class), d.Permitted)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}

			if !d.Permitted {
				meta := map[string]interface{}{
					"client":      key,
					"class":       string(class),
					"tier":        d.Tier,
					"retry_after": d.RetryAfterSeconds(),
				}
				if err != nil {
					meta["error"] = "storage_unavailable"
				}
				_ = auditor.Record(r.Context(), audit.EventRateLimit, "deny", r.URL.Path, meta)
				api.WriteTooManyRequests(w, r, d.RetryAfterSeconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
