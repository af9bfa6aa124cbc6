package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestLedger_AppendChains(t *testing.T) {
	l := NewMemory().WithClock(fixedClock())
	ctx := context.Background()

	seq1, err := l.Append(ctx, Record{Actor: "alice", Type: EventIntentSubmitted, Subject: "int-1", Payload: map[string]string{"goal": "fix"}})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	seq2, err := l.Append(ctx, Record{Actor: "bob", Type: EventReviewVerdict, Subject: "int-1"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected seqs 1,2 got %d,%d", seq1, seq2)
	}

	e1, _ := l.Get(1)
	e2, _ := l.Get(2)
	if e1.PrevHash != GenesisHash {
		t.Errorf("first event should link to genesis, got %s", e1.PrevHash)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("second event prev_hash %s != first hash %s", e2.PrevHash, e1.Hash)
	}
	head, n := l.Head()
	if head != e2.Hash || n != 2 {
		t.Errorf("head mismatch: %s/%d", head, n)
	}
	if err := l.VerifyChain(); err != nil {
		t.Fatalf("chain should verify: %v", err)
	}
}

func TestLedger_DetectsTampering(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Record{Actor: "a", Type: EventSandboxFinished, Payload: i})
		require.NoError(t, err)
	}

	l.mu.Lock()
	l.events[1].Actor = "mallory"
	l.mu.Unlock()

	err := l.VerifyChain()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestLedger_DetectsPayloadSwap(t *testing.T) {
	l := NewMemory()
	_, err := l.Append(context.Background(), Record{Actor: "a", Type: EventLeaseIssued, Payload: map[string]int{"n": 1}})
	require.NoError(t, err)

	l.mu.Lock()
	l.events[0].Payload = []byte(`{"n":2}`)
	l.mu.Unlock()

	assert.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestLedger_FaultHaltsAppends(t *testing.T) {
	backend := NewMemoryBackend()
	l, err := Open(context.Background(), backend)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Append(ctx, Record{Actor: "a", Type: EventIntentSubmitted})
	require.NoError(t, err)

	backend.FailWith(ErrInjectedFault)
	_, err = l.Append(ctx, Record{Actor: "a", Type: EventIntentSubmitted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateerr.LedgerFault))
	assert.ErrorIs(t, err, ErrInjectedFault)

	// Storage recovers but the ledger stays halted.
	backend.FailWith(nil)
	_, err = l.Append(ctx, Record{Actor: "a", Type: EventIntentSubmitted})
	assert.True(t, errors.Is(err, gateerr.LedgerFault))
	assert.Error(t, l.Healthy())

	_, n := l.Head()
	assert.Equal(t, uint64(1), n)
	assert.NoError(t, l.VerifyChain())
}

func TestLedger_ConcurrentAppendsTotallyOrdered(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(ctx, Record{Actor: "w", Type: EventSandboxStarted, Payload: []int{w, i}}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
				// Readers run alongside writers.
				_ = l.Query(Filter{Limit: 5})
			}
		}(w)
	}
	wg.Wait()

	_, n := l.Head()
	require.Equal(t, uint64(writers*perWriter), n)
	require.NoError(t, l.VerifyChain())
}

func TestLedger_QueryFilters(t *testing.T) {
	clock := fixedClock()
	l := NewMemory().WithClock(clock)
	ctx := context.Background()

	_, _ = l.Append(ctx, Record{Actor: "alice", Type: EventIntentSubmitted, Subject: "int-1"})
	_, _ = l.Append(ctx, Record{Actor: "bob", Type: EventLeaseIssued, Subject: "lease-1"})
	_, _ = l.Append(ctx, Record{Actor: "alice", Type: EventLeaseRevoked, Subject: "lease-1"})

	assert.Len(t, l.Query(Filter{Actor: "alice"}), 2)
	assert.Len(t, l.Query(Filter{Subject: "lease-1"}), 2)
	assert.Len(t, l.Query(Filter{Types: []EventType{EventLeaseIssued, EventLeaseRevoked}}), 2)
	assert.Len(t, l.Query(Filter{FromSeq: 2, ToSeq: 2}), 1)
	assert.Len(t, l.Query(Filter{Limit: 1}), 1)

	e2, _ := l.Get(2)
	since := e2.Timestamp
	got := l.Query(Filter{Since: &since})
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestLedger_SubscribeReceivesCommitted(t *testing.T) {
	l := NewMemory()
	var got []uint64
	l.Subscribe(func(e Event) { got = append(got, e.Seq) })

	_, _ = l.Append(context.Background(), Record{Actor: "a", Type: EventKillSwitch})
	_, _ = l.Append(context.Background(), Record{Actor: "a", Type: EventKillSwitch})
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestFileBackend_ReopenVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "ledger.jsonl")
	ctx := context.Background()

	fb, err := OpenFile(path)
	require.NoError(t, err)
	l, err := Open(ctx, fb)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, Record{Actor: "a", Type: EventDeployStaged, Payload: map[string]int{"i": i}})
		require.NoError(t, err)
	}
	_, err = l.Append(ctx, Record{Actor: "a", Type: EventDeployStaged, Payload: map[string]string{
		"breach": "cpu_seconds=3>2",
		"cmd":    "make && make test",
		"rule":   "error_rate < 0.05",
	}})
	require.NoError(t, err)
	head, _ := l.Head()
	require.NoError(t, l.Close())

	fb2, err := OpenFile(path)
	require.NoError(t, err)
	l2, err := Open(ctx, fb2)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	head2, n := l2.Head()
	assert.Equal(t, head, head2)
	assert.Equal(t, uint64(5), n)
	require.NoError(t, l2.VerifyChain())

	last, ok := l2.Get(5)
	require.True(t, ok)
	assert.Contains(t, string(last.Payload), "cpu_seconds=3>2")
	assert.Contains(t, string(last.Payload), "make && make test")

	seq, err := l2.Append(ctx, Record{Actor: "a", Type: EventDeployCompleted})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "audit.db")

	b, err := OpenSQL(ctx, "sqlite", dsn)
	require.NoError(t, err)
	l, err := Open(ctx, b)
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Actor: "a", Type: EventLeaseIssued, Subject: "lease-1", Payload: map[string]string{"k": "v"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Actor: "b", Type: EventLeaseRevoked, Subject: "lease-1"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	b2, err := OpenSQL(ctx, "sqlite", dsn)
	require.NoError(t, err)
	l2, err := Open(ctx, b2)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	_, n := l2.Head()
	assert.Equal(t, uint64(2), n)
	assert.NoError(t, l2.VerifyChain())
}

func TestLedger_ChainProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any append sequence yields a verifiable gapless chain", prop.ForAll(
		func(actors []string) bool {
			l := NewMemory()
			for _, a := range actors {
				if _, err := l.Append(context.Background(), Record{Actor: a, Type: EventReviewVerdict, Payload: a}); err != nil {
					return false
				}
			}
			events := l.Query(Filter{})
			for i, e := range events {
				if e.Seq != uint64(i)+1 {
					return false
				}
			}
			return len(events) == len(actors) && l.VerifyChain() == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("mutating any committed actor breaks verification", prop.ForAll(
		func(actors []string, idx int) bool {
			if len(actors) == 0 {
				return true
			}
			l := NewMemory()
			for _, a := range actors {
				_, _ = l.Append(context.Background(), Record{Actor: a, Type: EventReviewVerdict})
			}
			i := idx % len(actors)
			l.events[i].Actor += "!"
			return errors.Is(l.VerifyChain(), ErrChainBroken)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
