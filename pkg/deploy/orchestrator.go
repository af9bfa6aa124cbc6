// Package deploy runs staged canary rollouts of approved changes, gated on
// live health and reversible through the proposal's reverse patch.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

const actor = "deploy-orchestrator"

// Tier override markers recorded on TierRecord.Override.
const (
	OverrideHold     = "hold"
	OverrideApprove  = "approve_next_tier"
	OverrideRollback = "force_rollback"
)

// DefaultTiers is the canary sequence used when none is configured.
var DefaultTiers = []int{5, 25, 100}

const (
	DefaultBakeWindow      = 5 * time.Minute
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxFeedFailures = 3
)

// Config shapes every rollout.
type Config struct {
	Tiers        []int         `yaml:"tiers"`
	BakeWindow   time.Duration `yaml:"bake_window"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FeedTimeout  time.Duration `yaml:"feed_timeout"`
	// MaxFeedFailures consecutive failed samples count as a breach.
	MaxFeedFailures int `yaml:"max_feed_failures"`
}

// LeaseValidator verifies the lease driving a rollout.
type LeaseValidator interface {
	Validate(token *contracts.LeaseToken) (contracts.Scope, error)
}

type rollout struct {
	mu       sync.Mutex
	rec      *contracts.DeploymentRecord
	token    *contracts.LeaseToken
	forward  *patch.Patch
	reverse  *patch.Patch
	approve  bool
	rollback *contracts.RollbackSummary
	wake     chan struct{}
}

func (r *rollout) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Orchestrator drives rollouts, one per lease.
type Orchestrator struct {
	cfg     Config
	gate    *HealthGate
	feed    HealthFeed
	applier Applier
	leases  LeaseValidator
	ledger  *audit.Ledger
	obs     *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	rollouts map[string]*rollout
	killed   bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, gate *HealthGate, feed HealthFeed, applier Applier, leases LeaseValidator, ledger *audit.Ledger) *Orchestrator {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	if cfg.BakeWindow <= 0 {
		cfg.BakeWindow = DefaultBakeWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = defaultFeedTimeout
	}
	if cfg.MaxFeedFailures <= 0 {
		cfg.MaxFeedFailures = DefaultMaxFeedFailures
	}
	if gate == nil {
		gate = HealthPolicy{}.MustCompile()
	}
	return &Orchestrator{
		cfg:      cfg,
		gate:     gate,
		feed:     feed,
		applier:  applier,
		leases:   leases,
		ledger:   ledger,
		obs:      observability.Disabled(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "deploy"),
		rollouts: make(map[string]*rollout),
	}
}

func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// WithClock overrides the clock used for timestamps and lease expiry.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Outcome is the final state of a launched rollout.
type Outcome struct {
	Record *contracts.DeploymentRecord
	Err    error
}

// Deploy stages proposal under token and runs it through every tier. It
// blocks until the rollout completes or rolls back, and returns the final
// record. A rollback is a normal outcome and returns a nil error.
func (o *Orchestrator) Deploy(ctx context.Context, token *contracts.LeaseToken, proposal contracts.Proposal) (*contracts.DeploymentRecord, error) {
	r, err := o.stage(ctx, token, proposal)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, r)
	return r.snapshot(), err
}

// Launch stages proposal like Deploy but runs the tiers in the background.
// It returns the staged record; the channel delivers the final Outcome.
// Cancelling ctx rolls the deployment back.
func (o *Orchestrator) Launch(ctx context.Context, token *contracts.LeaseToken, proposal contracts.Proposal) (*contracts.DeploymentRecord, <-chan Outcome, error) {
	r, err := o.stage(ctx, token, proposal)
	if err != nil {
		return nil, nil, err
	}
	staged := r.snapshot()
	done := make(chan Outcome, 1)
	go func() {
		err := o.run(ctx, r)
		done <- Outcome{Record: r.snapshot(), Err: err}
	}()
	return staged, done, nil
}

func (o *Orchestrator) stage(ctx context.Context, token *contracts.LeaseToken, proposal contracts.Proposal) (*rollout, error) {
	if err := o.ledger.Healthy(); err != nil {
		return nil, gateerr.Wrap(err, gateerr.KindLedgerFault, gateerr.CodeLedgerUnavailable, "ledger halted")
	}
	if token == nil {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeMalformedToken, "no lease token")
	}
	if o.killSwitchEngaged() {
		return nil, o.deny(ctx, token.LeaseID, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "kill switch engaged"))
	}

	scope, err := o.leases.Validate(token)
	if err != nil {
		return nil, o.deny(ctx, token.LeaseID, err)
	}
	forward, reverse, err := o.parse(token, scope, proposal)
	if err != nil {
		return nil, o.deny(ctx, token.LeaseID, err)
	}

	r := &rollout{token: token, forward: forward, reverse: reverse, wake: make(chan struct{}, 1)}
	now := o.clock().UTC()
	r.rec = &contracts.DeploymentRecord{
		DeploymentID: "dep-" + uuid.NewString(),
		LeaseID:      token.LeaseID,
		IntentID:     token.IntentID,
		Status:       contracts.DeploymentStaged,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.register(r); err != nil {
		return nil, err
	}

	if _, err := o.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventDeployStaged,
		Subject: token.LeaseID,
		Payload: map[string]any{
			"deployment_id": r.rec.DeploymentID,
			"intent_id":     token.IntentID,
			"tiers":         o.cfg.Tiers,
			"diff_ref":      forward.Digest(),
			"reverse_ref":   reverse.Digest(),
			"production":    scope.IsProduction(),
		},
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (o *Orchestrator) parse(token *contracts.LeaseToken, scope contracts.Scope, p contracts.Proposal) (*patch.Patch, *patch.Patch, error) {
	if p.IntentID != "" && p.IntentID != token.IntentID {
		return nil, nil, gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal,
			"proposal is for intent %s, lease for %s", p.IntentID, token.IntentID)
	}
	forward, err := patch.Parse(p.Diff)
	if err != nil || forward.Empty() {
		return nil, nil, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMalformedProposal, "proposal diff is empty or malformed")
	}
	if p.ReverseDiff == "" {
		return nil, nil, gateerr.New(gateerr.KindValidation, gateerr.CodeMissingReversePatch, "proposal has no reverse patch")
	}
	reverse, err := patch.Parse(p.ReverseDiff)
	if err != nil {
		return nil, nil, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMissingReversePatch, "reverse patch malformed")
	}
	for _, path := range forward.Paths() {
		if err := lease.PathAllowed(scope, path); err != nil {
			return nil, nil, err
		}
	}
	return forward, reverse, nil
}

func (o *Orchestrator) register(r *rollout) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.killed {
		return invalidState("kill switch engaged")
	}
	if prev, ok := o.rollouts[r.rec.LeaseID]; ok {
		prev.mu.Lock()
		st := prev.rec.Status
		prev.mu.Unlock()
		if st == contracts.DeploymentPromoting {
			return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition,
				"lease %s already drives rollout %s", r.rec.LeaseID, prev.rec.DeploymentID)
		}
	}
	o.rollouts[r.rec.LeaseID] = r
	return nil
}

// checkEntry is the gate in front of every tier. Production scope needs two
// cosigners of distinct roles on a lease that still validates, and no tier
// is entered while the kill switch is engaged.
func (o *Orchestrator) checkEntry(token *contracts.LeaseToken) (killed bool, err error) {
	if o.killSwitchEngaged() {
		return true, invalidState("kill switch engaged")
	}
	scope, err := o.leases.Validate(token)
	if err != nil {
		return false, err
	}
	if scope.IsProduction() && (len(token.Cosigners) < 2 || token.DistinctCosignerRoles() < 2) {
		return false, gateerr.New(gateerr.KindAuthorization, gateerr.CodeInsufficientCosign,
			"production rollout needs 2 cosigners of distinct roles, lease %s has %d of %d",
			token.LeaseID, len(token.Cosigners), token.DistinctCosignerRoles())
	}
	return false, nil
}

// entryTrigger names the rollback caused by a failed tier-entry check.
func entryTrigger(killed bool, err error) string {
	if killed {
		return contracts.TriggerKillSwitch
	}
	switch gateerr.CodeOf(err) {
	case gateerr.CodeLeaseExpired:
		return contracts.TriggerLeaseExpired
	case gateerr.CodeLeaseRevoked:
		return contracts.TriggerLeaseRevoked
	default:
		return contracts.TriggerEntryDenied
	}
}

func (r *rollout) pendingRollback() *contracts.RollbackSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollback
}

func (o *Orchestrator) run(ctx context.Context, r *rollout) error {
	leaseID := r.rec.LeaseID
	for i, pct := range o.cfg.Tiers {
		// Rollbacks requested between tiers, including a kill switch
		// engaged while the rollout was still staged.
		if rb := r.pendingRollback(); rb != nil {
			return o.rollBack(ctx, r, *rb)
		}
		if killed, err := o.checkEntry(r.token); err != nil {
			if i == 0 && !killed {
				return o.deny(ctx, leaseID, err)
			}
			return o.rollBack(ctx, r, contracts.RollbackSummary{Trigger: entryTrigger(killed, err), Detail: err.Error()})
		}

		r.mu.Lock()
		r.rec.Status = contracts.DeploymentPromoting
		r.rec.CurrentTier = i
		r.rec.Tiers = append(r.rec.Tiers, contracts.TierRecord{Percent: pct, StartedAt: o.clock().UTC()})
		r.rec.UpdatedAt = o.clock().UTC()
		r.mu.Unlock()

		if err := o.applier.Apply(ctx, pct, r.forward); err != nil {
			return o.rollBack(ctx, r, contracts.RollbackSummary{Trigger: contracts.TriggerApplyFailed, Detail: err.Error()})
		}
		if _, err := o.ledger.Append(ctx, audit.Record{
			Actor:   actor,
			Type:    audit.EventTierStarted,
			Subject: leaseID,
			Payload: map[string]any{"deployment_id": r.rec.DeploymentID, "tier": i, "percent": pct},
		}); err != nil {
			return o.ledgerFault(ctx, r, err)
		}
		o.logger.InfoContext(ctx, "tier started", "lease_id", leaseID, "tier", i, "percent", pct)

		override, rb := o.bake(ctx, r, i)
		if rb != nil {
			return o.rollBack(ctx, r, *rb)
		}

		r.mu.Lock()
		tr := &r.rec.Tiers[i]
		tr.FinishedAt = o.clock().UTC()
		tr.Decision = contracts.DecisionPromote
		if override != "" {
			tr.Override = override
		}
		snap := tr.HealthSnapshot
		r.mu.Unlock()

		if _, err := o.ledger.Append(ctx, audit.Record{
			Actor:   actor,
			Type:    audit.EventTierPromoted,
			Subject: leaseID,
			Payload: map[string]any{
				"deployment_id": r.rec.DeploymentID,
				"tier":          i,
				"percent":       pct,
				"override":      override,
				"health":        snap,
			},
		}); err != nil {
			return o.ledgerFault(ctx, r, err)
		}
	}
	return o.complete(ctx, r)
}

// complete marks the rollout done after its last tier. A rollback accepted
// after the final bake still wins.
func (o *Orchestrator) complete(ctx context.Context, r *rollout) error {
	leaseID := r.rec.LeaseID
	r.mu.Lock()
	if rb := r.rollback; rb != nil {
		r.mu.Unlock()
		return o.rollBack(ctx, r, *rb)
	}
	r.rec.Status = contracts.DeploymentCompleted
	r.rec.UpdatedAt = o.clock().UTC()
	r.mu.Unlock()
	if _, err := o.ledger.Append(context.WithoutCancel(ctx), audit.Record{
		Actor:   actor,
		Type:    audit.EventDeployCompleted,
		Subject: leaseID,
		Payload: map[string]any{"deployment_id": r.rec.DeploymentID, "tiers": o.cfg.Tiers},
	}); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "rollout completed", "lease_id", leaseID, "deployment_id", r.rec.DeploymentID)
	return nil
}

// bake holds tier i for the bake window, polling health. It returns the
// override that ended the tier early, or the rollback to perform.
func (o *Orchestrator) bake(ctx context.Context, r *rollout, i int) (override string, rb *contracts.RollbackSummary) {
	ctx, done := o.obs.TrackOperation(ctx, "deploy.bake",
		attribute.String("lease_id", r.rec.LeaseID),
		attribute.Int("tier", i),
	)
	defer func() {
		var err error
		if rb != nil {
			err = errors.New(rb.Trigger)
		}
		done(err)
	}()

	pct := o.cfg.Tiers[i]
	window := time.NewTimer(o.cfg.BakeWindow)
	defer window.Stop()
	expiry := time.NewTimer(max(0, r.token.ExpiresAt.Sub(o.clock())))
	defer expiry.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	healthy, failures := 0, 0
	windowOver := false

	sample := func() *contracts.RollbackSummary {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.FeedTimeout)
		snap, err := o.feed.Sample(sctx, r.rec.DeploymentID, pct)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			o.logger.WarnContext(ctx, "health sample failed", "lease_id", r.rec.LeaseID, "tier", i, "failures", failures, "error", err)
			if failures >= o.cfg.MaxFeedFailures {
				return &contracts.RollbackSummary{Trigger: contracts.TriggerFeedFailure, Detail: err.Error()}
			}
			return nil
		}
		failures = 0
		r.mu.Lock()
		r.rec.Tiers[i].HealthSnapshot = snap
		r.mu.Unlock()
		if v := o.gate.Check(snap); v != nil {
			return &contracts.RollbackSummary{
				Trigger:   contracts.TriggerHealthBreach,
				Metric:    v.Metric,
				Value:     v.Value,
				Threshold: v.Threshold,
				Detail:    v.Detail,
			}
		}
		healthy++
		return nil
	}

	if rb := sample(); rb != nil {
		return "", rb
	}
	for {
		r.mu.Lock()
		pending, approve, held := r.rollback, r.approve, r.rec.Held
		r.approve = false
		r.mu.Unlock()
		switch {
		case pending != nil:
			return "", pending
		case approve:
			return OverrideApprove, nil
		case windowOver && !held && healthy > 0:
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", &contracts.RollbackSummary{Trigger: contracts.TriggerCancelled, Detail: context.Cause(ctx).Error()}
		case <-expiry.C:
			return "", &contracts.RollbackSummary{Trigger: contracts.TriggerLeaseExpired, Detail: "lease expired during bake"}
		case <-r.wake:
		case <-window.C:
			windowOver = true
			// Promotion needs a healthy sample taken at the end of the window.
			if rb := sample(); rb != nil {
				return "", rb
			}
		case <-ticker.C:
			if rb := sample(); rb != nil {
				return "", rb
			}
		}
	}
}

// rollBack reverts every target that received the change and records the
// summary. It runs to completion regardless of ctx.
func (o *Orchestrator) rollBack(ctx context.Context, r *rollout, summary contracts.RollbackSummary) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.applier.Revert(ctx, r.reverse); err != nil {
		o.logger.ErrorContext(ctx, "reverse patch failed on some targets", "lease_id", r.rec.LeaseID, "error", err)
		summary.Detail = joinDetail(summary.Detail, "revert: "+err.Error())
	}

	r.mu.Lock()
	summary.Tier = r.rec.CurrentTier
	if n := len(r.rec.Tiers); n > 0 {
		summary.Percent = r.rec.Tiers[n-1].Percent
		tr := &r.rec.Tiers[n-1]
		tr.FinishedAt = o.clock().UTC()
		tr.Decision = contracts.DecisionRollback
		if summary.Trigger == contracts.TriggerForceRollback {
			tr.Override = OverrideRollback
		}
	}
	r.rec.Status = contracts.DeploymentRolledBack
	r.rec.Held = false
	r.rec.UpdatedAt = o.clock().UTC()
	rb := summary
	r.rec.Rollback = &rb
	r.mu.Unlock()

	seq, err := o.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventDeployRolledBack,
		Subject: r.rec.LeaseID,
		Payload: map[string]any{"deployment_id": r.rec.DeploymentID, "rollback": summary},
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rec.Rollback.AuditSeq = seq
	r.mu.Unlock()

	o.logger.WarnContext(ctx, "rollout rolled back",
		"lease_id", r.rec.LeaseID,
		"trigger", summary.Trigger,
		"metric", summary.Metric,
		"value", summary.Value,
		"threshold", summary.Threshold,
		"tier", summary.Tier,
		"audit_seq", seq,
	)
	return nil
}

// ledgerFault reverts the fleet when a transition could not be audited. The
// rollback audit will fail too; the returned error is the original fault.
func (o *Orchestrator) ledgerFault(ctx context.Context, r *rollout, fault error) error {
	_ = o.rollBack(ctx, r, contracts.RollbackSummary{Trigger: contracts.TriggerLedgerFault, Detail: fault.Error()})
	return fault
}

func (o *Orchestrator) deny(ctx context.Context, leaseID string, cause error) error {
	seq, err := o.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventDeployDenied,
		Subject: leaseID,
		Payload: map[string]any{"code": gateerr.CodeOf(cause), "reason": cause.Error()},
	})
	if err != nil {
		return err
	}
	o.logger.WarnContext(ctx, "rollout denied", "lease_id", leaseID, "code", gateerr.CodeOf(cause), "audit_seq", seq)
	return gateerr.WithSeq(cause, seq)
}

// Get returns the latest rollout driven by leaseID.
func (o *Orchestrator) Get(leaseID string) (*contracts.DeploymentRecord, error) {
	r, err := o.lookup(leaseID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// List returns every known rollout, most recently created first.
func (o *Orchestrator) List() []*contracts.DeploymentRecord {
	o.mu.Lock()
	rs := make([]*rollout, 0, len(o.rollouts))
	for _, r := range o.rollouts {
		rs = append(rs, r)
	}
	o.mu.Unlock()

	out := make([]*contracts.DeploymentRecord, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (o *Orchestrator) lookup(leaseID string) (*rollout, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rollouts[leaseID]
	if !ok {
		return nil, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no rollout for lease %s", leaseID)
	}
	return r, nil
}

func (r *rollout) snapshot() *contracts.DeploymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
