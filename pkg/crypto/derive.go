package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const deriveSalt = "leasegate-issuer-kdf"

// DeriveSigner derives a deterministic Ed25519 signer from a master seed.
// The label is the HKDF info, so each issuer name gets its own key pair.
func DeriveSigner(masterSeed []byte, label string) (*Ed25519Signer, error) {
	if len(masterSeed) < 16 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(masterSeed))
	}
	if label == "" {
		return nil, fmt.Errorf("label must not be empty")
	}

	r := hkdf.New(sha256.New, masterSeed, []byte(deriveSalt), []byte(label))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), label), nil
}
