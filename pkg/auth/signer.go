package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
)

// Signed-request headers.
const (
	HeaderNodeID    = "X-Nexus-Node-ID"
	HeaderSignature = "X-Nexus-Signature"
	HeaderTimestamp = "X-Nexus-Timestamp"
	HeaderNonce     = "X-Nexus-Nonce"
)

// CanonicalString builds "{timestamp}:{nonce}:{METHOD}:{path}:{payload}".
// The timestamp is used exactly as sent; the payload is canonicalized.
func CanonicalString(timestamp, nonce, method, path string, body []byte) string {
	var b strings.Builder
	b.WriteString(timestamp)
	b.WriteByte(':')
	b.WriteString(nonce)
	b.WriteByte(':')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(canonicalize.Payload(body))
	return b.String()
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of canonical.
func ComputeSignature(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature compares in constant time. Hex case is ignored.
func verifySignature(secret []byte, canonical, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hmac.Equal(mac.Sum(nil), got)
}

// Signer produces signed requests for one node.
type Signer struct {
	NodeID string
	secret []byte
	now    func() time.Time
	nonce  func() string
}

// NewSigner returns a signer using wall-clock time and random UUID nonces.
func NewSigner(nodeID string, secret []byte) *Signer {
	return &Signer{
		NodeID: nodeID,
		secret: secret,
		now:    time.Now,
		nonce:  func() string { return uuid.New().String() },
	}
}

// Sign returns a fully populated SignedRequest for method, path and body.
func (s *Signer) Sign(method, path string, body []byte) SignedRequest {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	n := s.nonce()
	return SignedRequest{
		NodeID:    s.NodeID,
		Timestamp: ts,
		Nonce:     n,
		Signature: ComputeSignature(s.secret, CanonicalString(ts, n, method, path, body)),
		Method:    method,
		Path:      path,
		Body:      body,
	}
}

// SignHTTP signs r in place, setting the four signed-request headers.
// The body is read and restored.
func (s *Signer) SignHTTP(r *http.Request) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	sr := s.Sign(r.Method, r.URL.RequestURI(), body)
	r.Header.Set(HeaderNodeID, sr.NodeID)
	r.Header.Set(HeaderTimestamp, sr.Timestamp)
	r.Header.Set(HeaderNonce, sr.Nonce)
	r.Header.Set(HeaderSignature, sr.Signature)
	return nil
}
