package auth_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nexus/pkg/api"
	"github.com/Mindburn-Labs/nexus/pkg/audit"
	"github.com/Mindburn-Labs/nexus/pkg/auth"
	"github.com/Mindburn-Labs/nexus/pkg/database"
	"github.com/Mindburn-Labs/nexus/pkg/nonce"
)

func newStack(t *testing.T, auditBuf *bytes.Buffer) http.Handler {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "mw.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ledger, err := nonce.NewSQLLedger(db)
	require.NoError(t, err)

	authn := auth.NewAuthenticator(auth.NewStaticRegistry(map[string]string{"NODE_A": "secret-a"}), ledger, 5*time.Minute)
	mw := auth.NewMiddleware(authn, audit.NewJSONLogger(auditBuf), nil)

	return auth.RequestIDMiddleware(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.GetIdentity(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Node", id.NodeID)
		_, _ = w.Write(body)
	})))
}

func signedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, auth.NewSigner("NODE_A", []byte("secret-a")).SignHTTP(req))
	return req
}

func TestMiddleware_AcceptsSignedRequest(t *testing.T) {
	var auditBuf bytes.Buffer
	handler := newStack(t, &auditBuf)

	req := signedRequest(t, "POST", "/api/v1/votes", `{"choice":"FOR"}`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "NODE_A", w.Header().Get("X-Node"))
	assert.Equal(t, `{"choice":"FOR"}`, w.Body.String(), "handler sees the original body")
	assert.Contains(t, auditBuf.String(), `"action":"authenticate"`)
	assert.Contains(t, auditBuf.String(), `"actor_id":"NODE_A"`)
}

func TestMiddleware_ReplayIsRejected(t *testing.T) {
	var auditBuf bytes.Buffer
	handler := newStack(t, &auditBuf)

	req := signedRequest(t, "GET", "/api/v1/proposals?status=VOTING_OPEN", "")
	replay := req.Clone(req.Context())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, replay)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, "replayed_nonce", problem.Reason)
	assert.NotEmpty(t, problem.TraceID)
	assert.Contains(t, auditBuf.String(), `"action":"reject"`)
}

func TestMiddleware_QueryIsSigned(t *testing.T) {
	handler := newStack(t, &bytes.Buffer{})

	req := signedRequest(t, "GET", "/api/v1/proposals?status=VOTING_OPEN", "")
	req.URL.RawQuery = "status=ACCEPTED"
	req.RequestURI = ""

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	handler := newStack(t, &bytes.Buffer{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/proposals", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_PublicPath(t *testing.T) {
	called := false
	mw := auth.NewMiddleware(nil, nil, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	assert.True(t, called)
}

func TestMiddleware_OversizedBody(t *testing.T) {
	handler := newStack(t, &bytes.Buffer{})
	big := strings.Repeat("x", auth.MaxBodyBytes+1)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/proposals", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"client id kept", "trace-abc-123", true},
		{"missing id generated", "", false},
		{"spaces replaced", "has space", false},
		{"overlong replaced", strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			assert.Equal(t, got, seen)
			if tt.keep {
				assert.Equal(t, tt.header, got)
			} else {
				assert.Len(t, got, 36)
			}
		})
	}
}
