package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores events as JSON lines, fsynced after every write.
type FileBackend struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens (or creates) a JSONL ledger file.
func OpenFile(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	return &FileBackend{path: path, f: f}, nil
}

func (b *FileBackend) Load(_ context.Context) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var out []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *FileBackend) Write(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("ledger file closed")
	}

	// Payloads are canonical JSON hashed byte for byte, so HTML escaping
	// would break payload_ref on reload.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return err
	}
	if _, err := b.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return b.f.Sync()
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}
