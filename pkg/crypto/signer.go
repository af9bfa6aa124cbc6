// Package crypto provides the signing primitives behind lease tokens and
// cosigner endorsements: Ed25519 signers, a key ring of registered public
// keys, HKDF key derivation and RFC 8785 canonical JSON.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures under a named key.
type Signer interface {
	KeyID() string
	Sign(data []byte) (string, error)
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		keyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pubKey
}

// PrivateKey exposes the key for bearer encoders that sign themselves.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.privKey
}

// PublicKeyHex returns the hex encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return VerifyWith(ed25519.PublicKey(pubKey), sigHex, data)
}

// VerifyWith verifies a hex signature against a public key.
func VerifyWith(pub ed25519.PublicKey, sigHex string, data []byte) (bool, error) {
	if sigHex == "" {
		return false, fmt.Errorf("missing signature")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}
