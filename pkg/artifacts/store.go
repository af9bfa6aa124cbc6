// Package artifacts is a content-addressed store for captured sandbox output
// and other run artifacts. Blobs are addressed by the SHA-256 of their
// uncompressed content and stored zstd-compressed when that saves space.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// ErrNotFound is returned by backends for missing blobs.
var ErrNotFound = errors.New("artifact not found")

// Store is the content-addressed API used by the rest of the control plane.
type Store interface {
	// Put persists data and returns its reference, "sha256:<hex>".
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Backend stores opaque blobs by key.
type Backend interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	// GetBlob returns ErrNotFound (possibly wrapped) for missing keys.
	GetBlob(ctx context.Context, key string) ([]byte, error)
	HasBlob(ctx context.Context, key string) (bool, error)
	DeleteBlob(ctx context.Context, key string) error
}

// CAS implements Store over a Backend.
type CAS struct {
	backend  Backend
	compress bool
}

// NewCAS wraps backend. With compress set, blobs are zstd-compressed when
// that makes them smaller.
func NewCAS(backend Backend, compress bool) *CAS {
	return &CAS{backend: backend, compress: compress}
}

// Ref returns the content reference for data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (c *CAS) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	key := strings.TrimPrefix(ref, "sha256:") + ".blob"

	ok, err := c.backend.HasBlob(ctx, key)
	if err != nil {
		return "", fmt.Errorf("artifact exists check: %w", err)
	}
	if ok {
		return ref, nil
	}
	if err := c.backend.PutBlob(ctx, key, encode(data, c.compress)); err != nil {
		return "", fmt.Errorf("artifact put: %w", err)
	}
	return ref, nil
}

func (c *CAS) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := keyFor(ref)
	if err != nil {
		return nil, err
	}
	raw, err := c.backend.GetBlob(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, gateerr.Wrap(err, gateerr.KindNotFound, gateerr.CodeNotFound, "artifact %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact get %s: %w", ref, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", ref, err)
	}
	if Ref(data) != ref {
		return nil, fmt.Errorf("artifact %s: content does not match its reference", ref)
	}
	return data, nil
}

func (c *CAS) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := keyFor(ref)
	if err != nil {
		return false, err
	}
	return c.backend.HasBlob(ctx, key)
}

func (c *CAS) Delete(ctx context.Context, ref string) error {
	key, err := keyFor(ref)
	if err != nil {
		return err
	}
	return c.backend.DeleteBlob(ctx, key)
}

// Close releases the backend when it holds a client.
func (c *CAS) Close() error {
	if cl, ok := c.backend.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

func keyFor(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return raw + ".blob", nil
}
