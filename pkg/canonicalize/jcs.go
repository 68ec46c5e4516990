// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// bytes for request signing and content-addressed proposal ids.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal encodes v with encoding/json, honouring struct tags, and returns
// the canonical form of the result.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: encode %T: %w", v, err)
	}
	return Transform(raw)
}

// Transform rewrites an encoded JSON document in canonical form.
func Transform(doc []byte) ([]byte, error) {
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Digest is the lowercase hex SHA-256 of Marshal(v).
func Digest(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Payload is the signing form of a request body. Blank bodies sign as the
// empty string, JSON bodies as their canonical form, anything else as the
// raw bytes.
func Payload(body []byte) string {
	doc := bytes.TrimSpace(body)
	switch {
	case len(doc) == 0:
		return ""
	case !json.Valid(doc):
		return string(body)
	}
	if out, err := jcs.Transform(doc); err == nil {
		return string(out)
	}
	return string(body)
}
