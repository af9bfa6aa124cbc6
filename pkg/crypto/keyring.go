package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// RegisteredKey is a public key known to the control plane, tagged with the
// role its holder signs as.
type RegisteredKey struct {
	KeyID     string            `json:"key_id"`
	Role      string            `json:"role"`
	PublicKey ed25519.PublicKey `json:"-"`
}

// KeyRing holds registered public keys by ID. Rotation is modelled by
// registering the new key and revoking the old one.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]RegisteredKey
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys: make(map[string]RegisteredKey),
	}
}

// Register adds or replaces a public key.
func (k *KeyRing) Register(keyID, role string, pub ed25519.PublicKey) error {
	if keyID == "" {
		return fmt.Errorf("key id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: %d", len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = RegisteredKey{KeyID: keyID, Role: role, PublicKey: pub}
	return nil
}

// RegisterHex is Register with a hex encoded key.
func (k *KeyRing) RegisterHex(keyID, role, pubHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}
	return k.Register(keyID, role, pub)
}

// RegisterSigner registers the public half of a signer.
func (k *KeyRing) RegisterSigner(s Signer, role string) error {
	return k.Register(s.KeyID(), role, s.PublicKey())
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// Lookup returns the registered key for keyID.
func (k *KeyRing) Lookup(keyID string) (RegisteredKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rk, ok := k.keys[keyID]
	return rk, ok
}

// VerifyKey verifies a hex signature for a specific key.
func (k *KeyRing) VerifyKey(keyID string, message []byte, sigHex string) (bool, error) {
	rk, ok := k.Lookup(keyID)
	if !ok {
		return false, fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return VerifyWith(rk.PublicKey, sigHex, message)
}

// KeyIDs lists registered key IDs in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
