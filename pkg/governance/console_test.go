package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
)

type approvedIntents map[string]contracts.IntentStatus

func (a approvedIntents) Status(id string) (contracts.IntentStatus, error) {
	st, ok := a[id]
	if !ok {
		return "", gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "intent %s not found", id)
	}
	return st, nil
}

// fakeRollouts records overrides against an in-memory set of rollouts.
type fakeRollouts struct {
	mu     sync.Mutex
	recs   map[string]*contracts.DeploymentRecord
	calls  []string
	killed bool
}

func newFakeRollouts(leaseIDs ...string) *fakeRollouts {
	f := &fakeRollouts{recs: map[string]*contracts.DeploymentRecord{}}
	for _, id := range leaseIDs {
		f.recs[id] = &contracts.DeploymentRecord{DeploymentID: "dep-" + id, LeaseID: id, Status: contracts.DeploymentPromoting}
	}
	return f
}

func (f *fakeRollouts) Get(leaseID string) (*contracts.DeploymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[leaseID]
	if !ok {
		return nil, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no rollout for lease %s", leaseID)
	}
	return rec.Clone(), nil
}

func (f *fakeRollouts) apply(leaseID, by, name string, mutate func(*contracts.DeploymentRecord) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[leaseID]
	if !ok {
		return gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no rollout for lease %s", leaseID)
	}
	if rec.Status != contracts.DeploymentPromoting {
		return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "rollout is %s", rec.Status)
	}
	if err := mutate(rec); err != nil {
		return err
	}
	f.calls = append(f.calls, name+":"+leaseID+":"+by)
	return nil
}

func (f *fakeRollouts) Hold(_ context.Context, leaseID, by string) error {
	return f.apply(leaseID, by, "hold", func(r *contracts.DeploymentRecord) error { r.Held = true; return nil })
}

func (f *fakeRollouts) Resume(_ context.Context, leaseID, by string) error {
	return f.apply(leaseID, by, "resume", func(r *contracts.DeploymentRecord) error { r.Held = false; return nil })
}

func (f *fakeRollouts) ForceRollback(_ context.Context, leaseID, by string) error {
	return f.apply(leaseID, by, "rollback", func(r *contracts.DeploymentRecord) error {
		r.Status = contracts.DeploymentRolledBack
		r.Rollback = &contracts.RollbackSummary{Trigger: contracts.TriggerForceRollback}
		return nil
	})
}

func (f *fakeRollouts) ApproveNextTier(_ context.Context, leaseID, by string) error {
	return f.apply(leaseID, by, "approve", func(r *contracts.DeploymentRecord) error {
		if r.Held {
			return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "rollout is held")
		}
		r.CurrentTier++
		return nil
	})
}

func (f *fakeRollouts) KillSwitch(_ context.Context, by, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.calls = append(f.calls, "kill:"+by)
	return nil
}

func (f *fakeRollouts) ReleaseKillSwitch(_ context.Context, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = false
	f.calls = append(f.calls, "release:"+by)
	return nil
}

func (f *fakeRollouts) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	console  *Console
	leases   *lease.Service
	rollouts *fakeRollouts
	ledger   *audit.Ledger
	alice    *crypto.Ed25519Signer
	agent    *crypto.Ed25519Signer
	now      time.Time
}

func stagingScope() contracts.Scope {
	return contracts.Scope{
		Environment: "staging",
		Paths:       []string{"svc"},
		Commands:    map[string]contracts.CommandRule{"go": {}},
		Limits:      contracts.ResourceLimits{CPUSeconds: 10, MemoryBytes: 64 << 20, DiskBytes: 64 << 20, WallClockSeconds: 60},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	h.ledger = audit.NewMemory()
	keys := crypto.NewKeyRing()

	issuer, err := crypto.NewEd25519Signer("issuer")
	require.NoError(t, err)
	h.alice, err = crypto.NewEd25519Signer("alice")
	require.NoError(t, err)
	h.agent, err = crypto.NewEd25519Signer("control-plane")
	require.NoError(t, err)
	require.NoError(t, keys.RegisterSigner(h.alice, contracts.RoleHuman))
	require.NoError(t, keys.RegisterSigner(h.agent, contracts.RoleAgent))

	allow := lease.AllowList{
		Environments: []string{"staging", contracts.EnvironmentProduction},
		Paths:        []string{"svc"},
		Commands:     map[string]contracts.CommandRule{"go": {}},
		MaxLimits:    contracts.ResourceLimits{CPUSeconds: 60, MemoryBytes: 1 << 30, DiskBytes: 1 << 30, WallClockSeconds: 600},
	}
	intents := approvedIntents{"int-1": contracts.IntentApproved}
	h.leases = lease.NewService(lease.Config{AllowList: allow, MaxDuration: time.Hour, MinCosigners: 2}, issuer, keys, intents, h.ledger).
		WithClock(func() time.Time { return h.now })
	h.rollouts = newFakeRollouts("lease-1", "lease-done")
	h.rollouts.recs["lease-done"].Status = contracts.DeploymentCompleted
	h.console = NewConsole(h.leases, h.rollouts, keys, h.ledger).WithClock(func() time.Time { return h.now })
	return h
}

// openRequest files a pending lease request already cosigned by the agent.
func (h *harness) openRequest(t *testing.T, intentID string) []byte {
	t.Helper()
	scope := stagingScope()
	payload, err := lease.SigningPayload(intentID, scope, 10*time.Minute)
	require.NoError(t, err)
	sig, err := h.agent.Sign(payload)
	require.NoError(t, err)
	got, err := h.leases.RequestLease(context.Background(), lease.Request{
		IntentID:  intentID,
		Subject:   "agent",
		Scope:     scope,
		Duration:  10 * time.Minute,
		Cosigners: []contracts.Cosigner{{Role: contracts.RoleAgent, ID: h.agent.KeyID(), Signature: sig}},
	})
	require.NoError(t, err)
	return got
}

func (h *harness) auth(t *testing.T, s crypto.Signer, command, target string) Authorization {
	t.Helper()
	a, err := SignCommand(s, command, target, h.now)
	require.NoError(t, err)
	return a
}

func TestSignLease(t *testing.T) {
	ctx := context.Background()

	t.Run("issues once quorum is met", func(t *testing.T) {
		h := newHarness(t)
		payload := h.openRequest(t, "int-1")
		sig, err := h.alice.Sign(payload)
		require.NoError(t, err)

		res, err := h.console.SignLease(ctx, "int-1", contracts.Cosigner{Role: contracts.RoleHuman, ID: "alice", Signature: sig})
		require.NoError(t, err)
		require.True(t, res.Ready)
		require.NotNil(t, res.Token)
		assert.Equal(t, "int-1", res.Token.IntentID)
		assert.Len(t, res.Token.Cosigners, 2)

		_, err = h.leases.Validate(res.Token)
		assert.NoError(t, err)
	})

	t.Run("agent role refused", func(t *testing.T) {
		h := newHarness(t)
		payload := h.openRequest(t, "int-1")
		sig, _ := h.agent.Sign(payload)
		_, err := h.console.SignLease(ctx, "int-1", contracts.Cosigner{Role: contracts.RoleAgent, ID: h.agent.KeyID(), Signature: sig})
		assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))
	})

	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t)
		h.openRequest(t, "int-1")
		sig, _ := h.alice.Sign([]byte("something else"))
		_, err := h.console.SignLease(ctx, "int-1", contracts.Cosigner{Role: contracts.RoleHuman, ID: "alice", Signature: sig})
		assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))
		assert.NotZero(t, gateerr.SeqOf(err))
	})

	t.Run("no pending request", func(t *testing.T) {
		h := newHarness(t)
		sig, _ := h.alice.Sign([]byte("x"))
		_, err := h.console.SignLease(ctx, "int-missing", contracts.Cosigner{Role: contracts.RoleHuman, ID: "alice", Signature: sig})
		assert.Equal(t, gateerr.ExitNotFound, gateerr.ExitCode(err))
	})
}

func TestRolloutCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.console.PauseRollout(ctx, h.auth(t, h.alice, CmdPauseRollout, "lease-1"), "lease-1"))
	rec, err := h.console.Rollout("lease-1")
	require.NoError(t, err)
	assert.True(t, rec.Held)

	err = h.console.ApproveNextTier(ctx, h.auth(t, h.alice, CmdApproveNextTier, "lease-1"), "lease-1")
	assert.Equal(t, gateerr.ExitInvalidState, gateerr.ExitCode(err))

	h.now = h.now.Add(time.Second)
	require.NoError(t, h.console.ResumeRollout(ctx, h.auth(t, h.alice, CmdResumeRollout, "lease-1"), "lease-1"))
	require.NoError(t, h.console.ApproveNextTier(ctx, h.auth(t, h.alice, CmdApproveNextTier, "lease-1"), "lease-1"))
	require.NoError(t, h.console.ForceRollback(ctx, h.auth(t, h.alice, CmdForceRollback, "lease-1"), "lease-1"))

	assert.Equal(t, []string{
		"hold:lease-1:alice",
		"resume:lease-1:alice",
		"approve:lease-1:alice",
		"rollback:lease-1:alice",
	}, h.rollouts.Calls())

	err = h.console.PauseRollout(ctx, h.auth(t, h.alice, CmdPauseRollout, "lease-done"), "lease-done")
	assert.Equal(t, gateerr.ExitInvalidState, gateerr.ExitCode(err))

	h.now = h.now.Add(time.Second)
	err = h.console.PauseRollout(ctx, h.auth(t, h.alice, CmdPauseRollout, "lease-404"), "lease-404")
	assert.Equal(t, gateerr.ExitNotFound, gateerr.ExitCode(err))
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mallory, err := crypto.NewEd25519Signer("mallory")
	require.NoError(t, err)

	cases := []struct {
		name string
		auth func() Authorization
	}{
		{"unregistered key", func() Authorization { return h.auth(t, mallory, CmdPauseRollout, "lease-1") }},
		{"agent key", func() Authorization { return h.auth(t, h.agent, CmdPauseRollout, "lease-1") }},
		{"signed for another lease", func() Authorization { return h.auth(t, h.alice, CmdPauseRollout, "lease-2") }},
		{"signed for another command", func() Authorization { return h.auth(t, h.alice, CmdForceRollback, "lease-1") }},
		{"stale", func() Authorization {
			a, err := SignCommand(h.alice, CmdPauseRollout, "lease-1", h.now.Add(-10*time.Minute))
			require.NoError(t, err)
			return a
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.console.PauseRollout(ctx, tc.auth(), "lease-1")
			assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))
		})
	}
	assert.Empty(t, h.rollouts.Calls())

	t.Run("replay", func(t *testing.T) {
		a := h.auth(t, h.alice, CmdPauseRollout, "lease-1")
		require.NoError(t, h.console.PauseRollout(ctx, a, "lease-1"))
		err := h.console.PauseRollout(ctx, a, "lease-1")
		assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))
	})
}

func TestKillSwitch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.console.KillSwitch(ctx, h.auth(t, h.alice, CmdKillSwitch, "lease-1"), "wrong target")
	assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))

	require.NoError(t, h.console.KillSwitch(ctx, h.auth(t, h.alice, CmdKillSwitch, killSwitchTarget), "incident"))
	require.NoError(t, h.console.ReleaseKillSwitch(ctx, h.auth(t, h.alice, CmdReleaseKillSwitch, killSwitchTarget)))
	assert.Equal(t, []string{"kill:alice", "release:alice"}, h.rollouts.Calls())
}
