package intent

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	in, err := r.Create("raise handler timeout", contracts.Scope{Paths: []string{"svc/"}})
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentDraft, in.Status)

	require.NoError(t, r.Transition(in.ID, contracts.IntentDraft, contracts.IntentUnderReview, Decision{}))
	require.NoError(t, r.Transition(in.ID, contracts.IntentUnderReview, contracts.IntentApproved,
		Decision{ReasonCode: "unanimous_pass", Rationale: "all reviewers passed", AuditSeq: 7}))

	got, err := r.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentApproved, got.Status)
	assert.Equal(t, uint64(7), got.DecisionSeq)
}

func TestRegistry_IllegalTransitions(t *testing.T) {
	r := NewRegistry()
	in, _ := r.Create("goal", contracts.Scope{})

	err := r.Transition(in.ID, contracts.IntentDraft, contracts.IntentApproved, Decision{})
	assert.True(t, errors.Is(err, gateerr.InvalidState))

	// Stale "from" status is rejected.
	err = r.Transition(in.ID, contracts.IntentUnderReview, contracts.IntentRejected, Decision{})
	assert.True(t, errors.Is(err, gateerr.InvalidState))

	err = r.Transition("missing", contracts.IntentDraft, contracts.IntentUnderReview, Decision{})
	assert.True(t, errors.Is(err, gateerr.NotFound))
}

func TestRegistry_TransitionIsCompareAndSet(t *testing.T) {
	r := NewRegistry()
	in, _ := r.Create("goal", contracts.Scope{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Transition(in.ID, contracts.IntentDraft, contracts.IntentUnderReview, Decision{}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistry_Put(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(contracts.Intent{ID: "int-ext", Goal: "g"}))
	assert.Error(t, r.Put(contracts.Intent{ID: "int-ext", Goal: "g"}))
	assert.Error(t, r.Put(contracts.Intent{ID: "int-2", Goal: "g", Status: contracts.IntentApproved}))

	st, err := r.Status("int-ext")
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentDraft, st)
	assert.Len(t, r.List(contracts.IntentDraft), 1)
}
