package auth_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nexus/pkg/audit"
	"github.com/Mindburn-Labs/nexus/pkg/auth"
	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/database"
	"github.com/Mindburn-Labs/nexus/pkg/ratelimit"
)

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "rl.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := ratelimit.NewSQLCounterStore(db)
	require.NoError(t, err)
	return ratelimit.New(store, config.Default().RateLimit)
}

func withNode(r *http.Request, node string) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{NodeID: node, AuthenticatedAt: time.Now()}))
}

func TestRateLimitMiddleware_UnderLimit(t *testing.T) {
	middleware := auth.RateLimitMiddleware(newLimiter(t), nil, nil, nil)

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withNode(httptest.NewRequest("GET", "/api/v1/proposals", nil), "NODE_A"))

	if !called {
		t.Error("handler should be called when under rate limit")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "49" {
		t.Errorf("expected X-RateLimit-Remaining 49, got %q", got)
	}
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	var auditBuf bytes.Buffer
	middleware := auth.RateLimitMiddleware(newLimiter(t), nil, audit.NewJSONLogger(&auditBuf), nil)
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// propose: 2 per minute
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withNode(httptest.NewRequest("POST", "/api/v1/proposals", nil), "NODE_A"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withNode(httptest.NewRequest("POST", "/api/v1/proposals", nil), "NODE_A"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, auditBuf.String(), `"type":"RATE_LIMIT"`)

	// A different node has its own budget.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withNode(httptest.NewRequest("POST", "/api/v1/proposals", nil), "NODE_B"))
	assert.Equal(t, http.StatusOK, w.Code)

	// Votes draw from a separate budget.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withNode(httptest.NewRequest("POST", "/api/v1/proposals/p1/vote", nil), "NODE_A"))
	assert.Equal(t, http.StatusOK, w.Code)
}

type downStore struct{}

func (downStore) Take(context.Context, string, []ratelimit.Tier, time.Time) (ratelimit.TakeResult, error) {
	return ratelimit.TakeResult{}, errors.New("database is locked")
}

func (downStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func TestRateLimitMiddleware_StorageFailureDenies(t *testing.T) {
	middleware := auth.RateLimitMiddleware(ratelimit.New(downStore{}, config.Default().RateLimit), nil, nil, nil)
	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withNode(httptest.NewRequest("GET", "/api/v1/proposals", nil), "NODE_A"))
	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", auth.ClientKey(r))
	assert.Equal(t, "node:NODE_A", auth.ClientKey(withNode(r, "NODE_A")))
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, ratelimit.ClassRead, auth.DefaultClassifier(httptest.NewRequest("GET", "/api/v1/proposals", nil)))
	assert.Equal(t, ratelimit.ClassVote, auth.DefaultClassifier(httptest.NewRequest("POST", "/api/v1/proposals/p/vote", nil)))
	assert.Equal(t, ratelimit.ClassPropose, auth.DefaultClassifier(httptest.NewRequest("POST", "/api/v1/proposals", nil)))
}
