package audit

import (
	"context"
	"errors"
	"sync"
)

// MemoryBackend keeps events in process memory. It is the default for tests
// and for single-run dev mode.
type MemoryBackend struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(_ context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *MemoryBackend) Write(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// FailWith makes every subsequent Write return err. A nil err clears it.
func (m *MemoryBackend) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// ErrInjectedFault is a convenience error for FailWith.
var ErrInjectedFault = errors.New("injected storage fault")
