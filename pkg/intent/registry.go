// Package intent holds intents and enforces their lifecycle:
// draft -> under_review -> {approved, rejected}.
package intent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

var transitions = map[contracts.IntentStatus][]contracts.IntentStatus{
	contracts.IntentDraft:       {contracts.IntentUnderReview},
	contracts.IntentUnderReview: {contracts.IntentApproved, contracts.IntentRejected},
}

func allowed(from, to contracts.IntentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry stores intents in memory.
type Registry struct {
	mu      sync.RWMutex
	intents map[string]*contracts.Intent
	clock   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		intents: make(map[string]*contracts.Intent),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Create registers a new draft intent.
func (r *Registry) Create(goal string, scope contracts.Scope) (contracts.Intent, error) {
	if goal == "" {
		return contracts.Intent{}, gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal, "intent goal is empty")
	}
	in := &contracts.Intent{
		ID:             "int-" + uuid.NewString(),
		Goal:           goal,
		RequestedScope: scope.Clone(),
		CreatedAt:      r.clock().UTC(),
		Status:         contracts.IntentDraft,
	}
	r.mu.Lock()
	r.intents[in.ID] = in
	r.mu.Unlock()
	return *in, nil
}

// Put registers an externally created intent. Its status must be draft.
func (r *Registry) Put(in contracts.Intent) error {
	if in.ID == "" || in.Goal == "" {
		return gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal, "intent id and goal are required")
	}
	if in.Status == "" {
		in.Status = contracts.IntentDraft
	}
	if in.Status != contracts.IntentDraft {
		return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "intent %s must be submitted as draft, got %s", in.ID, in.Status)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.clock().UTC()
	}
	in.RequestedScope = in.RequestedScope.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.intents[in.ID]; exists {
		return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "intent %s already exists", in.ID)
	}
	r.intents[in.ID] = &in
	return nil
}

// Get returns a snapshot of the intent.
func (r *Registry) Get(id string) (contracts.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.intents[id]
	if !ok {
		return contracts.Intent{}, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s not found", id)
	}
	out := *in
	out.RequestedScope = in.RequestedScope.Clone()
	return out, nil
}

// Status returns the current status of the intent.
func (r *Registry) Status(id string) (contracts.IntentStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.intents[id]
	if !ok {
		return "", gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s not found", id)
	}
	return in.Status, nil
}

// Decision carries the outcome recorded on a terminal transition.
type Decision struct {
	ReasonCode string
	Rationale  string
	AuditSeq   uint64
	// Scope, when set on approval, replaces the requested scope with the
	// narrowed scope that was actually approved.
	Scope *contracts.Scope
}

// Transition moves an intent from one status to another. The current status
// must equal from, so concurrent reviewers cannot both decide an intent.
func (r *Registry) Transition(id string, from, to contracts.IntentStatus, d Decision) error {
	if !allowed(from, to) {
		return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "illegal intent transition %s -> %s", from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[id]
	if !ok {
		return gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s not found", id)
	}
	if in.Status != from {
		return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "intent %s is %s, not %s", id, in.Status, from)
	}
	in.Status = to
	if to.Terminal() {
		in.ReasonCode = d.ReasonCode
		in.Rationale = d.Rationale
		in.DecisionSeq = d.AuditSeq
		if d.Scope != nil && to == contracts.IntentApproved {
			in.RequestedScope = d.Scope.Clone()
		}
	}
	return nil
}

// List returns all intents with the given status, or every intent when
// status is empty.
func (r *Registry) List(status contracts.IntentStatus) []contracts.Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Intent, 0, len(r.intents))
	for _, in := range r.intents {
		if status == "" || in.Status == status {
			out = append(out, *in)
		}
	}
	return out
}
