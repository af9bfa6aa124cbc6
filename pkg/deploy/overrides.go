package deploy

import (
	"context"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// Hold pauses promotion of the rollout driven by leaseID. Health is still
// polled and a breach still rolls back; the hold ends with Resume, a
// rollback, or lease expiry.
func (o *Orchestrator) Hold(ctx context.Context, leaseID, by string) error {
	return o.override(ctx, leaseID, by, audit.EventGovernanceHold,
		func(r *rollout) error {
			if r.rec.Held {
				return invalidState("rollout for lease %s is already held", leaseID)
			}
			return nil
		},
		func(r *rollout) {
			r.rec.Held = true
			r.rec.Tiers[len(r.rec.Tiers)-1].Override = OverrideHold
		})
}

// Resume lifts a hold.
func (o *Orchestrator) Resume(ctx context.Context, leaseID, by string) error {
	return o.override(ctx, leaseID, by, audit.EventGovernanceResume,
		func(r *rollout) error {
			if !r.rec.Held {
				return invalidState("rollout for lease %s is not held", leaseID)
			}
			return nil
		},
		func(r *rollout) { r.rec.Held = false })
}

// ApproveNextTier ends the current bake window now and promotes. A held
// rollout must be resumed first.
func (o *Orchestrator) ApproveNextTier(ctx context.Context, leaseID, by string) error {
	return o.override(ctx, leaseID, by, audit.EventGovernanceApprove,
		func(r *rollout) error {
			if r.rec.Held {
				return invalidState("rollout for lease %s is held; resume it first", leaseID)
			}
			if r.approve {
				return invalidState("next tier already approved for lease %s", leaseID)
			}
			return nil
		},
		func(r *rollout) { r.approve = true })
}

// ForceRollback rolls the rollout back at the next poll tick.
func (o *Orchestrator) ForceRollback(ctx context.Context, leaseID, by string) error {
	return o.override(ctx, leaseID, by, audit.EventGovernanceRollback,
		func(r *rollout) error {
			if r.rollback != nil {
				return invalidState("rollback already requested for lease %s", leaseID)
			}
			return nil
		},
		func(r *rollout) {
			r.rollback = &contracts.RollbackSummary{Trigger: contracts.TriggerForceRollback, Detail: "forced by " + by}
		})
}

// override audits a governance action and applies it, under the rollout's
// lock so the check and the effect see the same state. Nothing is applied
// if the audit fails.
func (o *Orchestrator) override(ctx context.Context, leaseID, by string, event audit.EventType, check func(*rollout) error, apply func(*rollout)) error {
	r, err := o.lookup(leaseID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.Status != contracts.DeploymentPromoting {
		return invalidState("rollout for lease %s is %s", leaseID, r.rec.Status)
	}
	if err := check(r); err != nil {
		return err
	}
	seq, err := o.ledger.Append(ctx, audit.Record{
		Actor:   by,
		Type:    event,
		Subject: leaseID,
		Payload: map[string]any{
			"deployment_id": r.rec.DeploymentID,
			"tier":          r.rec.CurrentTier,
		},
	})
	if err != nil {
		return err
	}
	apply(r)
	r.rec.UpdatedAt = o.clock().UTC()
	r.signal()

	o.logger.InfoContext(ctx, "governance override", "lease_id", leaseID, "event", event, "by", by, "audit_seq", seq)
	return nil
}

// KillSwitch rolls back every staged or in-flight rollout and refuses new
// ones until ReleaseKillSwitch.
func (o *Orchestrator) KillSwitch(ctx context.Context, by, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.ledger.Append(ctx, audit.Record{
		Actor:   by,
		Type:    audit.EventKillSwitch,
		Payload: map[string]any{"engaged": true, "reason": reason},
	}); err != nil {
		return err
	}
	o.killed = true
	for _, r := range o.rollouts {
		r.mu.Lock()
		live := r.rec.Status == contracts.DeploymentStaged || r.rec.Status == contracts.DeploymentPromoting
		if live && r.rollback == nil {
			r.rollback = &contracts.RollbackSummary{Trigger: contracts.TriggerKillSwitch, Detail: reason}
			r.signal()
		}
		r.mu.Unlock()
	}
	o.logger.WarnContext(ctx, "kill switch engaged", "by", by, "reason", reason)
	return nil
}

// ReleaseKillSwitch allows new rollouts again.
func (o *Orchestrator) ReleaseKillSwitch(ctx context.Context, by string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.killed {
		return invalidState("kill switch is not engaged")
	}
	if _, err := o.ledger.Append(ctx, audit.Record{
		Actor:   by,
		Type:    audit.EventKillSwitch,
		Payload: map[string]any{"engaged": false},
	}); err != nil {
		return err
	}
	o.killed = false
	return nil
}

func (o *Orchestrator) killSwitchEngaged() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.killed
}

func invalidState(format string, args ...any) error {
	return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, format, args...)
}
