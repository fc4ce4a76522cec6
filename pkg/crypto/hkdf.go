package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveHMACSecret expands a master secret into a per-key-id sub-secret
// for Operation Service HMAC signing, so configuration carries one master
// secret instead of one raw secret per key id.
func DeriveHMACSecret(master []byte, keyID string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte("twinops-opservice-hmac:"+keyID))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}
