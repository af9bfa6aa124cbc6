package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
)

var ErrChainBroken = errors.New("hash chain is broken")

// Backend persists committed events.
type Backend interface {
	// Load returns all persisted events in sequence order.
	Load(ctx context.Context) ([]Event, error)
	// Write durably persists one event.
	Write(ctx context.Context, e Event) error
	Close() error
}

// Handler is called after an event is committed.
type Handler func(Event)

// Ledger is the append-only hash-chained system of record.
type Ledger struct {
	appendMu sync.Mutex // single append path

	mu       sync.RWMutex // guards published state
	events   []Event
	head     string
	fault    error
	handlers []Handler

	backend Backend
	obs     *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger
}

// Open loads and verifies the persisted chain from backend.
func Open(ctx context.Context, backend Backend) (*Ledger, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	l := &Ledger{
		head:    GenesisHash,
		backend: backend,
		obs:     observability.Disabled(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "audit"),
	}

	existing, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := verify(existing); err != nil {
		return nil, err
	}
	l.events = existing
	if n := len(existing); n > 0 {
		l.head = existing[n-1].Hash
	}
	return l, nil
}

// NewMemory returns a ledger backed only by memory.
func NewMemory() *Ledger {
	l, _ := Open(context.Background(), NewMemoryBackend())
	return l
}

// WithObservability traces appends.
func (l *Ledger) WithObservability(p *observability.Provider) *Ledger {
	l.obs = p
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append commits a record and returns its sequence number. It fails only
// with a LedgerFault, after which the ledger refuses all further appends.
func (l *Ledger) Append(ctx context.Context, r Record) (seq uint64, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "audit.append")
	defer func() { done(err) }()
	return l.append(ctx, r)
}

func (l *Ledger) append(ctx context.Context, r Record) (uint64, error) {
	payload, err := crypto.CanonicalMarshal(r.Payload)
	if err != nil {
		return 0, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMalformedProposal, "audit payload not serializable")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	fault := l.fault
	prev := l.head
	seq := uint64(len(l.events)) + 1
	l.mu.RUnlock()

	if fault != nil {
		return 0, gateerr.Wrap(fault, gateerr.KindLedgerFault, gateerr.CodeLedgerUnavailable, "ledger halted")
	}

	e := Event{
		Seq:        seq,
		Timestamp:  l.clock().UTC(),
		Actor:      r.Actor,
		Type:       r.Type,
		Subject:    r.Subject,
		Payload:    payload,
		PayloadRef: crypto.HashBytes(payload),
		PrevHash:   prev,
	}
	e.Hash, err = entryHash(e)
	if err != nil {
		return 0, gateerr.Wrap(err, gateerr.KindLedgerFault, gateerr.CodeLedgerUnavailable, "hash event")
	}

	if err := l.backend.Write(ctx, e); err != nil {
		l.mu.Lock()
		l.fault = err
		l.mu.Unlock()
		l.logger.ErrorContext(ctx, "ledger storage failure, halting appends", "seq", seq, "error", err)
		return 0, gateerr.Wrap(err, gateerr.KindLedgerFault, gateerr.CodeLedgerUnavailable, "persist event %d", seq)
	}

	l.mu.Lock()
	l.events = append(l.events, e)
	l.head = e.Hash
	handlers := l.handlers
	l.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	return seq, nil
}

// Healthy returns the fault that halted the ledger, if any.
func (l *Ledger) Healthy() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fault != nil {
		return gateerr.Wrap(l.fault, gateerr.KindLedgerFault, gateerr.CodeLedgerUnavailable, "ledger halted")
	}
	return nil
}

// Head returns the current chain head hash and sequence.
func (l *Ledger) Head() (string, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, uint64(len(l.events))
}

// Get returns the event with the given sequence.
func (l *Ledger) Get(seq uint64) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return Event{}, false
	}
	return l.events[seq-1], true
}

// Subscribe registers a handler for newly committed events.
func (l *Ledger) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Filter selects events for Query.
type Filter struct {
	Types   []EventType
	Actor   string
	Subject string
	FromSeq uint64
	ToSeq   uint64
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.FromSeq > 0 && e.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Seq > f.ToSeq {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query returns committed events matching the filter, in sequence order.
func (l *Ledger) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if f.FromSeq > 1 {
		start = int(f.FromSeq - 1)
	}
	out := make([]Event, 0)
	for i := start; i < len(l.events); i++ {
		e := l.events[i]
		if f.ToSeq > 0 && e.Seq > f.ToSeq {
			break
		}
		if f.matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes every hash and link.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.events)
}

// Close closes the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

func verify(events []Event) error {
	expectedPrev := GenesisHash
	for i, e := range events {
		if e.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: event %d has seq %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s but expected %s",
				ErrChainBroken, e.Seq, e.PrevHash, expectedPrev)
		}
		if crypto.HashBytes(e.Payload) != e.PayloadRef {
			return fmt.Errorf("%w: event %d payload does not match payload_ref", ErrChainBroken, e.Seq)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %w", ErrChainBroken, e.Seq, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Seq, computed, e.Hash)
		}
		expectedPrev = e.Hash
	}
	return nil
}

func entryHash(e Event) (string, error) {
	hashable := struct {
		Seq        uint64    `json:"seq"`
		Timestamp  time.Time `json:"ts"`
		Actor      string    `json:"actor"`
		Type       EventType `json:"event_type"`
		Subject    string    `json:"subject"`
		PayloadRef string    `json:"payload_ref"`
		PrevHash   string    `json:"prev_hash"`
	}{e.Seq, e.Timestamp, e.Actor, e.Type, e.Subject, e.PayloadRef, e.PrevHash}
	return crypto.CanonicalHash(hashable)
}

// DecodePayload unmarshals an event payload into out.
func DecodePayload(e Event, out any) error {
	return json.Unmarshal(e.Payload, out)
}
