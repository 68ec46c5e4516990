// Package api renders node API failures as RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ContentType is the media type of every error body the node API writes.
const ContentType = "application/problem+json"

// RequestIDHeader carries the correlation id assigned at the edge.
const RequestIDHeader = "X-Request-ID"

// ProblemDetail is the RFC 7807 body. Reason and RetryAfter are extension
// members a node client can branch on without parsing Detail.
type ProblemDetail struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (p *ProblemDetail) Error() string {
	if p.Detail == "" {
		return p.Title
	}
	return p.Title + ": " + p.Detail
}

// Problem builds a problem for status. The title is the status text.
func Problem(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   "urn:nexus:error:" + strconv.Itoa(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// WithReason sets the machine-readable rejection kind.
func (p *ProblemDetail) WithReason(reason string) *ProblemDetail {
	p.Reason = reason
	return p
}

// Write sends p. When r is non-nil the instance is the request path and the
// trace id is whatever request id has already been set on w.
func (p *ProblemDetail) Write(w http.ResponseWriter, r *http.Request) {
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get(RequestIDHeader)
	}
	if p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a bare problem for status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	Problem(status, detail).Write(w, r)
}

// WriteBadRequest writes a 400.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(http.StatusBadRequest, detail).Write(w, r)
}

// WriteRejected writes the 401 for a signed request that failed verification.
// The body names the rejection kind and nothing about the secret or signature.
func WriteRejected(w http.ResponseWriter, r *http.Request, reason string) {
	Problem(http.StatusUnauthorized, "Signed request rejected").WithReason(reason).Write(w, r)
}

// WriteTooManyRequests writes a 429 with a Retry-After of at least one second.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	p := Problem(http.StatusTooManyRequests, "Request budget exhausted for this node").WithReason("rate_limited")
	p.RetryAfter = retryAfterSecs
	p.Write(w, r)
}

// WriteInternal logs err and writes a 500 that does not echo it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	slog.ErrorContext(ctx, "request failed", "path", r.URL.Path, "error", err)
	Problem(http.StatusInternalServerError, "An unexpected error occurred").Write(w, r)
}
