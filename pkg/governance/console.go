// Package governance exposes the human override surface: lease cosigning,
// rollout hold/resume/rollback/approve and the kill switch. Rollout commands
// are authenticated by an Ed25519 signature from a registered human key.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
)

// Operator command names. They are part of the signed message.
const (
	CmdPauseRollout      = "pause_rollout"
	CmdResumeRollout     = "resume_rollout"
	CmdForceRollback     = "force_rollback"
	CmdApproveNextTier   = "approve_next_tier"
	CmdKillSwitch        = "kill_switch"
	CmdReleaseKillSwitch = "release_kill_switch"
)

// DefaultMaxSkew bounds how old a signed command may be.
const DefaultMaxSkew = 2 * time.Minute

// killSwitchTarget is the signed target of fleet-wide commands.
const killSwitchTarget = "*"

// Authorization is an operator's signature over one command.
type Authorization struct {
	KeyID     string    `json:"key_id"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// CommandMessage is the byte string an operator signs for command on target.
func CommandMessage(command, target string, at time.Time) []byte {
	return []byte(command + ":" + target + ":" + strconv.FormatInt(at.Unix(), 10))
}

// SignCommand produces an Authorization for command on target.
func SignCommand(s crypto.Signer, command, target string, at time.Time) (Authorization, error) {
	at = at.UTC().Truncate(time.Second)
	sig, err := s.Sign(CommandMessage(command, target, at))
	if err != nil {
		return Authorization{}, fmt.Errorf("sign %s: %w", command, err)
	}
	return Authorization{KeyID: s.KeyID(), Signature: sig, SignedAt: at}, nil
}

// LeaseDesk is the slice of the lease service used to cosign requests.
type LeaseDesk interface {
	Pending(intentID string) (lease.PendingLease, error)
	Cosign(ctx context.Context, intentID string, c contracts.Cosigner) (bool, error)
	IssuePending(ctx context.Context, intentID string) (*contracts.LeaseToken, error)
}

// Rollouts is the override surface of the deployment orchestrator.
type Rollouts interface {
	Get(leaseID string) (*contracts.DeploymentRecord, error)
	Hold(ctx context.Context, leaseID, by string) error
	Resume(ctx context.Context, leaseID, by string) error
	ForceRollback(ctx context.Context, leaseID, by string) error
	ApproveNextTier(ctx context.Context, leaseID, by string) error
	KillSwitch(ctx context.Context, by, reason string) error
	ReleaseKillSwitch(ctx context.Context, by string) error
}

// SignResult is the outcome of adding a cosignature.
type SignResult struct {
	IntentID string                `json:"intent_id"`
	Ready    bool                  `json:"ready"`
	Token    *contracts.LeaseToken `json:"token,omitempty"`
}

// Console executes governance commands.
type Console struct {
	leases   LeaseDesk
	rollouts Rollouts
	keys     *crypto.KeyRing
	ledger   *audit.Ledger
	maxSkew  time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // signature -> expiry
}

// NewConsole creates a console. keys must hold the operators' public keys
// registered with role human.
func NewConsole(leases LeaseDesk, rollouts Rollouts, keys *crypto.KeyRing, ledger *audit.Ledger) *Console {
	return &Console{
		leases:   leases,
		rollouts: rollouts,
		keys:     keys,
		ledger:   ledger,
		maxSkew:  DefaultMaxSkew,
		clock:    time.Now,
		logger:   slog.Default().With("component", "governance"),
		seen:     make(map[string]time.Time),
	}
}

// WithClock overrides the clock used for signature freshness.
func (c *Console) WithClock(clock func() time.Time) *Console {
	c.clock = clock
	return c
}

// WithMaxSkew overrides how long a signed command stays valid.
func (c *Console) WithMaxSkew(d time.Duration) *Console {
	c.maxSkew = d
	return c
}

// PendingLease returns the request awaiting cosignatures for an intent.
func (c *Console) PendingLease(intentID string) (lease.PendingLease, error) {
	return c.leases.Pending(intentID)
}

// SignLease attaches a human cosignature to the pending lease request of an
// intent and issues the lease once the quorum is met.
func (c *Console) SignLease(ctx context.Context, intentID string, cosigner contracts.Cosigner) (*SignResult, error) {
	if cosigner.Role != contracts.RoleHuman {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "sign_lease requires a human cosigner, got %q", cosigner.Role)
	}
	ready, err := c.leases.Cosign(ctx, intentID, cosigner)
	if err != nil {
		return nil, err
	}
	res := &SignResult{IntentID: intentID, Ready: ready}
	if !ready {
		c.logger.InfoContext(ctx, "cosignature recorded", "intent_id", intentID, "cosigner", cosigner.ID)
		return res, nil
	}
	token, err := c.leases.IssuePending(ctx, intentID)
	if err != nil {
		return nil, err
	}
	res.Token = token
	c.logger.InfoContext(ctx, "lease issued after cosign", "intent_id", intentID, "lease_id", token.LeaseID)
	return res, nil
}

// Rollout returns the deployment record driven by a lease.
func (c *Console) Rollout(leaseID string) (*contracts.DeploymentRecord, error) {
	return c.rollouts.Get(leaseID)
}

// PauseRollout holds promotion of a rollout.
func (c *Console) PauseRollout(ctx context.Context, auth Authorization, leaseID string) error {
	return c.command(ctx, auth, CmdPauseRollout, leaseID, c.rollouts.Hold)
}

// ResumeRollout lifts a hold.
func (c *Console) ResumeRollout(ctx context.Context, auth Authorization, leaseID string) error {
	return c.command(ctx, auth, CmdResumeRollout, leaseID, c.rollouts.Resume)
}

// ForceRollback rolls a rollout back immediately.
func (c *Console) ForceRollback(ctx context.Context, auth Authorization, leaseID string) error {
	return c.command(ctx, auth, CmdForceRollback, leaseID, c.rollouts.ForceRollback)
}

// ApproveNextTier ends the current bake window early.
func (c *Console) ApproveNextTier(ctx context.Context, auth Authorization, leaseID string) error {
	return c.command(ctx, auth, CmdApproveNextTier, leaseID, c.rollouts.ApproveNextTier)
}

// KillSwitch rolls back every promoting rollout and refuses new ones.
func (c *Console) KillSwitch(ctx context.Context, auth Authorization, reason string) error {
	if err := c.authorize(auth, CmdKillSwitch, killSwitchTarget); err != nil {
		return err
	}
	return c.rollouts.KillSwitch(ctx, auth.KeyID, reason)
}

// ReleaseKillSwitch re-enables rollouts.
func (c *Console) ReleaseKillSwitch(ctx context.Context, auth Authorization) error {
	if err := c.authorize(auth, CmdReleaseKillSwitch, killSwitchTarget); err != nil {
		return err
	}
	return c.rollouts.ReleaseKillSwitch(ctx, auth.KeyID)
}

// Audit returns ledger events matching f.
func (c *Console) Audit(f audit.Filter) []audit.Event {
	return c.ledger.Query(f)
}

// VerifyAudit checks the ledger hash chain.
func (c *Console) VerifyAudit() error {
	return c.ledger.VerifyChain()
}

func (c *Console) command(ctx context.Context, auth Authorization, command, leaseID string, run func(context.Context, string, string) error) error {
	if err := c.authorize(auth, command, leaseID); err != nil {
		c.logger.WarnContext(ctx, "governance command refused", "command", command, "lease_id", leaseID, "key_id", auth.KeyID, "error", err)
		return err
	}
	if err := run(ctx, leaseID, auth.KeyID); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "governance command applied", "command", command, "lease_id", leaseID, "key_id", auth.KeyID)
	return nil
}

// authorize checks that auth is a fresh, unused signature over command and
// target by a registered human key.
func (c *Console) authorize(auth Authorization, command, target string) error {
	rk, ok := c.keys.Lookup(auth.KeyID)
	if !ok {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "operator key %q is not registered", auth.KeyID)
	}
	if rk.Role != contracts.RoleHuman {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "key %s is registered as %s, not %s", auth.KeyID, rk.Role, contracts.RoleHuman)
	}
	now := c.clock()
	if d := now.Sub(auth.SignedAt); d > c.maxSkew || d < -c.maxSkew {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "signed command is outside the %s freshness window", c.maxSkew)
	}
	valid, err := crypto.VerifyWith(rk.PublicKey, auth.Signature, CommandMessage(command, target, auth.SignedAt))
	if err != nil || !valid {
		return gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeBadSignature, "operator signature for %s is invalid", command)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sig, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, sig)
		}
	}
	if _, replay := c.seen[auth.Signature]; replay {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "signed command was already used")
	}
	c.seen[auth.Signature] = auth.SignedAt.Add(c.maxSkew)
	return nil
}
