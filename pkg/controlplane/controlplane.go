// Package controlplane connects intake, review, lease issuance, sandboxed
// execution and staged deployment into one pipeline.
package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/deploy"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/governance"
	"github.com/Mindburn-Labs/leasegate/pkg/intent"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
	"github.com/Mindburn-Labs/leasegate/pkg/review"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sandbox"
)

const actor = "control-plane"

// DefaultLeaseDuration is requested for approved intents when Parts leaves
// LeaseDuration unset.
const DefaultLeaseDuration = 30 * time.Minute

// Parts are the components a ControlPlane drives.
type Parts struct {
	Ledger       *audit.Ledger
	Intents      *intent.Registry
	Reviews      *review.Aggregator
	Leases       *lease.Service
	Executor     *sandbox.Executor
	Orchestrator *deploy.Orchestrator
	// Agent cosigns lease requests for approved intents. Its key must be
	// registered with role agent.
	Agent *crypto.Ed25519Signer
	// Issuer signs bearer envelopes handed to agents.
	Issuer        *crypto.Ed25519Signer
	LeaseDuration time.Duration
	// DeployDisabled refuses Deploy when no fleet is configured.
	DeployDisabled bool
}

// Submission is the result of submitting a proposal.
type Submission struct {
	Decision review.Decision `json:"decision"`
	// SigningPayload is what human cosigners sign to release the lease.
	SigningPayload []byte `json:"signing_payload,omitempty"`
	Cosigners      int    `json:"cosigners_required,omitempty"`
	CosignerRoles  int    `json:"cosigner_roles_required,omitempty"`
}

// ControlPlane runs intents through the gate.
type ControlPlane struct {
	parts   Parts
	console *governance.Console
	logger  *slog.Logger
	runCtx  context.Context

	mu       sync.Mutex
	approved map[string]contracts.Proposal // intent ID -> reviewed proposal

	closers []func(context.Context) error
}

// New assembles a control plane from parts.
func New(p Parts) *ControlPlane {
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = DefaultLeaseDuration
	}
	return &ControlPlane{
		parts:    p,
		console:  governance.NewConsole(p.Leases, p.Orchestrator, p.Leases.Keys(), p.Ledger),
		logger:   slog.Default().With("component", "controlplane"),
		runCtx:   context.Background(),
		approved: make(map[string]contracts.Proposal),
	}
}

// Console returns the governance console.
func (cp *ControlPlane) Console() *governance.Console { return cp.console }

// Ledger returns the audit ledger.
func (cp *ControlPlane) Ledger() *audit.Ledger { return cp.parts.Ledger }

// Start launches the review workers. Launched rollouts run under ctx.
func (cp *ControlPlane) Start(ctx context.Context, reviewWorkers int) {
	cp.runCtx = ctx
	cp.parts.Reviews.Start(ctx, reviewWorkers)
}

// CreateIntent registers a draft intent.
func (cp *ControlPlane) CreateIntent(ctx context.Context, goal string, scope contracts.Scope) (contracts.Intent, error) {
	if err := cp.parts.Ledger.Healthy(); err != nil {
		return contracts.Intent{}, err
	}
	in, err := cp.parts.Intents.Create(goal, scope)
	if err != nil {
		return contracts.Intent{}, err
	}
	if _, err := cp.parts.Ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventIntentSubmitted,
		Subject: in.ID,
		Payload: map[string]any{"goal": goal, "scope": in.RequestedScope},
	}); err != nil {
		return contracts.Intent{}, err
	}
	return in, nil
}

// Intent returns an intent by ID.
func (cp *ControlPlane) Intent(id string) (contracts.Intent, error) {
	return cp.parts.Intents.Get(id)
}

// Submit reviews a proposal for a draft intent. On approval it opens a lease
// request for the approved scope, cosigned by the control plane's agent key,
// and returns the payload human cosigners must sign.
func (cp *ControlPlane) Submit(ctx context.Context, intentID string, proposal contracts.Proposal) (*Submission, error) {
	res := <-cp.parts.Reviews.Submit(ctx, intentID, proposal)
	if res.Err != nil {
		return nil, res.Err
	}
	d := res.Decision
	sub := &Submission{Decision: d}
	if !d.Approved() {
		return sub, d.Err()
	}

	cp.mu.Lock()
	cp.approved[intentID] = d.Proposal
	cp.mu.Unlock()

	payload, err := lease.SigningPayload(intentID, d.Scope, cp.parts.LeaseDuration)
	if err != nil {
		return sub, err
	}
	sig, err := cp.parts.Agent.Sign(payload)
	if err != nil {
		return sub, err
	}
	payload, err = cp.parts.Leases.RequestLease(ctx, lease.Request{
		IntentID:  intentID,
		Subject:   cp.parts.Agent.KeyID(),
		Scope:     d.Scope,
		Duration:  cp.parts.LeaseDuration,
		Cosigners: []contracts.Cosigner{{Role: contracts.RoleAgent, ID: cp.parts.Agent.KeyID(), Signature: sig}},
	})
	if err != nil {
		return sub, err
	}
	sub.SigningPayload = payload
	sub.Cosigners, sub.CosignerRoles = cp.parts.Leases.RequiredCosigners(d.Scope)
	cp.logger.InfoContext(ctx, "lease requested", "intent_id", intentID, "cosigners", sub.Cosigners)
	return sub, nil
}

// Lease returns the active lease of an intent.
func (cp *ControlPlane) Lease(intentID string) (*contracts.LeaseToken, error) {
	t, ok := cp.parts.Leases.Active(intentID)
	if !ok {
		return nil, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s has no active lease", intentID)
	}
	return t, nil
}

// Bearer wraps a lease in a signed JWT for transport to agents.
func (cp *ControlPlane) Bearer(t *contracts.LeaseToken) (string, error) {
	return lease.EncodeBearer(t, cp.parts.Issuer)
}

// DecodeBearer verifies a bearer envelope and returns its lease.
func (cp *ControlPlane) DecodeBearer(bearer string) (*contracts.LeaseToken, error) {
	return lease.DecodeBearer(bearer, cp.parts.Leases.Keys())
}

// Execute runs command in the sandbox under token.
func (cp *ControlPlane) Execute(ctx context.Context, token *contracts.LeaseToken, command []string) (*contracts.ExecutionRecord, error) {
	return cp.parts.Executor.Run(ctx, token, command)
}

// Deploy rolls out the reviewed proposal of the token's intent and blocks
// until the rollout finishes. The diff deployed is always the one reviewers
// approved.
func (cp *ControlPlane) Deploy(ctx context.Context, token *contracts.LeaseToken) (*contracts.DeploymentRecord, error) {
	proposal, err := cp.deployable(token)
	if err != nil {
		return nil, err
	}
	return cp.parts.Orchestrator.Deploy(ctx, token, proposal)
}

// Launch stages the rollout and runs it in the background under the context
// given to Start. It returns the staged record.
func (cp *ControlPlane) Launch(ctx context.Context, token *contracts.LeaseToken) (*contracts.DeploymentRecord, error) {
	proposal, err := cp.deployable(token)
	if err != nil {
		return nil, err
	}
	staged, done, err := cp.parts.Orchestrator.Launch(cp.runCtx, token, proposal)
	if err != nil {
		return nil, err
	}
	go func() {
		out := <-done
		if out.Err != nil {
			cp.logger.ErrorContext(ctx, "rollout failed", "lease_id", token.LeaseID, "error", out.Err)
			return
		}
		cp.logger.InfoContext(ctx, "rollout finished", "lease_id", token.LeaseID, "status", out.Record.Status)
	}()
	return staged, nil
}

func (cp *ControlPlane) deployable(token *contracts.LeaseToken) (contracts.Proposal, error) {
	if cp.parts.DeployDisabled {
		return contracts.Proposal{}, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "no deployment fleet is configured")
	}
	if token == nil {
		return contracts.Proposal{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeMalformedToken, "no lease token")
	}
	cp.mu.Lock()
	proposal, ok := cp.approved[token.IntentID]
	cp.mu.Unlock()
	if !ok {
		return contracts.Proposal{}, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s has no approved proposal", token.IntentID)
	}
	return proposal, nil
}

// Rollout returns the deployment record driven by a lease.
func (cp *ControlPlane) Rollout(leaseID string) (*contracts.DeploymentRecord, error) {
	return cp.parts.Orchestrator.Get(leaseID)
}

// onClose registers a shutdown hook, run in reverse order by Close.
func (cp *ControlPlane) onClose(f func(context.Context) error) {
	cp.closers = append(cp.closers, f)
}

// Close stops review workers and releases storage and telemetry.
func (cp *ControlPlane) Close(ctx context.Context) error {
	cp.parts.Reviews.Stop()
	var errs []error
	for i := len(cp.closers) - 1; i >= 0; i-- {
		if err := cp.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	cp.closers = nil
	return errors.Join(errs...)
}
