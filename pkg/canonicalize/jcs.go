// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// byte representations of Go values, for deterministic hashing and
// signing: policy-document signature verification and the audit hash
// chain both sign/hash over these bytes, never over arbitrary
// json.Marshal output.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Transform returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library (so struct tags, embedded
// fields, and omitempty are honored) and the result is then passed through
// gowebpki/jcs.Transform, which performs the canonicalization itself:
// lexicographic key ordering, the ECMAScript number serialization, and no
// insignificant whitespace.
func Transform(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canonical, nil
}

// String is Transform rendered as a string.
func String(v any) (string, error) {
	b, err := Transform(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash returns the SHA-256 hex digest of v's canonical form.
func Hash(v any) (string, error) {
	b, err := Transform(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
