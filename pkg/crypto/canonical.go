package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal marshals v into RFC 8785 canonical JSON.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return out, nil
}

// HashBytes returns the prefixed SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CanonicalHash hashes the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
