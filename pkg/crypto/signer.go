// Package crypto provides the minimal signing/verification interfaces the
// rest of TwinOps depends on, without folding key management into callers:
// verify(msg, sig, pubkey) → bool, with an injected Ed25519 implementation.
// Callers such as the policy store never hold key material themselves.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures over arbitrary byte payloads.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKeyHex() string
}

// Verifier checks a detached signature against a public key, both
// hex-encoded, over a byte payload.
type Verifier interface {
	Verify(pubKeyHex, sigHex string, data []byte) (bool, error)
}

// Ed25519Signer implements Signer over crypto/ed25519.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Ed25519Verifier implements Verifier over crypto/ed25519.
type Ed25519Verifier struct{}

// Verify checks a hex-encoded detached signature against a hex-encoded
// public key over data. It is a free function wrapped by a struct so it
// can be injected as a Verifier where stateless verification suffices.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

func (Ed25519Verifier) Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	return Verify(pubKeyHex, sigHex, data)
}
