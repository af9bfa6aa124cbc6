// Package contracts holds the data model shared by the control-plane
// components: intents, proposals, verdicts, leases and the execution and
// deployment records handed to external collaborators.
package contracts

import (
	"time"
)

// IntentStatus is the review lifecycle state of an Intent.
type IntentStatus string

const (
	IntentDraft       IntentStatus = "draft"
	IntentUnderReview IntentStatus = "under_review"
	IntentApproved    IntentStatus = "approved"
	IntentRejected    IntentStatus = "rejected"
)

// Terminal reports whether no further review transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentApproved || s == IntentRejected
}

// Intent is a proposed change plus its approval lifecycle.
type Intent struct {
	ID             string       `json:"id"`
	Goal           string       `json:"goal"`
	RequestedScope Scope        `json:"requested_scope"`
	CreatedAt      time.Time    `json:"created_at"`
	Status         IntentStatus `json:"status"`
	ReasonCode     string       `json:"reason_code,omitempty"`
	Rationale      string       `json:"rationale,omitempty"`
	DecisionSeq    uint64       `json:"decision_seq,omitempty"`
}

// SizeMetrics describes how large a proposed diff is.
type SizeMetrics struct {
	Lines int   `json:"lines"`
	Bytes int64 `json:"bytes"`
}

// Proposal is the diff attached to an Intent. Immutable once submitted.
type Proposal struct {
	IntentID        string      `json:"intent_id"`
	DiffRef         string      `json:"diff_ref"`
	Diff            string      `json:"diff,omitempty"`
	Size            SizeMetrics `json:"size"`
	ReversePatchRef string      `json:"reverse_patch_ref"`
	ReverseDiff     string      `json:"reverse_diff,omitempty"`
}

// VerdictResult is a reviewer's outcome.
type VerdictResult string

const (
	VerdictPass VerdictResult = "PASS"
	VerdictFail VerdictResult = "FAIL"
)

// Verdict failure reasons. Timeouts stay distinguishable from content
// failures so the arbitrator can treat them differently.
const (
	VerdictReasonContent = "content"
	VerdictReasonTimeout = "timeout"
	VerdictReasonError   = "error"
)

// Finding points a failing verdict at a specific location in the diff.
type Finding struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Rule string `json:"rule"`
}

// Verdict is one reviewer's judgement of a proposal. Never mutated; a
// correction is a new Verdict.
type Verdict struct {
	IntentID   string        `json:"intent_id"`
	ReviewerID string        `json:"reviewer_id"`
	Result     VerdictResult `json:"result"`
	Reason     string        `json:"reason,omitempty"`
	Details    string        `json:"details,omitempty"`
	Findings   []Finding     `json:"findings,omitempty"`
	Round      int           `json:"round"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Passed reports whether the verdict is PASS.
func (v Verdict) Passed() bool { return v.Result == VerdictPass }

// Cosigner roles.
const (
	RoleHuman = "human"
	RoleAgent = "agent"
)

// EnvironmentProduction marks production scope.
const EnvironmentProduction = "production"

// CommandRule constrains the arguments of an allow-listed command.
// An empty Args list allows any arguments.
type CommandRule struct {
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// ResourceLimits are the numeric limits a lease grants.
type ResourceLimits struct {
	CPUSeconds       float64 `json:"cpu" yaml:"cpu"`
	MemoryBytes      int64   `json:"memory" yaml:"memory"`
	DiskBytes        int64   `json:"disk" yaml:"disk"`
	WallClockSeconds int64   `json:"wall_clock" yaml:"wall_clock"`
	Network          bool    `json:"network" yaml:"network"`
}

// Scope is the explicit allow-list carried by a lease. Anything not listed
// is denied.
type Scope struct {
	Environment string                 `json:"environment,omitempty" yaml:"environment,omitempty"`
	Paths       []string               `json:"paths_allowlist" yaml:"paths"`
	Commands    map[string]CommandRule `json:"commands_allowlist" yaml:"commands"`
	Limits      ResourceLimits         `json:"resource_limits" yaml:"limits"`
}

// IsProduction reports whether the scope targets production.
func (s Scope) IsProduction() bool { return s.Environment == EnvironmentProduction }

// Clone returns a deep copy of the scope.
func (s Scope) Clone() Scope {
	out := s
	if s.Paths != nil {
		out.Paths = make([]string, len(s.Paths))
		copy(out.Paths, s.Paths)
	}
	if s.Commands != nil {
		out.Commands = make(map[string]CommandRule, len(s.Commands))
		for k, v := range s.Commands {
			rule := v
			if v.Args != nil {
				rule.Args = make([]string, len(v.Args))
				copy(rule.Args, v.Args)
			}
			out.Commands[k] = rule
		}
	}
	return out
}

// Cosigner is a party whose signature endorses a lease.
type Cosigner struct {
	Role      string `json:"role"`
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// LeaseToken is a signed, time-boxed, scoped capability grant.
type LeaseToken struct {
	FormatVersion string     `json:"format_version"`
	LeaseID       string     `json:"lease_id"`
	IntentID      string     `json:"intent_id"`
	Issuer        string     `json:"issuer"`
	Subject       string     `json:"subject"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Scope         Scope      `json:"scope"`
	Cosigners     []Cosigner `json:"cosigners"`
	Signature     string     `json:"signature"`

	// Revocation stamp; not covered by the signature.
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Duration is the granted lifetime of the lease.
func (t *LeaseToken) Duration() time.Duration { return t.ExpiresAt.Sub(t.IssuedAt) }

// Active reports whether the lease is neither expired nor revoked at now.
func (t *LeaseToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// DistinctCosignerRoles counts distinct roles among the cosigners.
func (t *LeaseToken) DistinctCosignerRoles() int {
	roles := make(map[string]struct{}, len(t.Cosigners))
	for _, c := range t.Cosigners {
		roles[c.Role] = struct{}{}
	}
	return len(roles)
}

// ExitStatus is the terminal status of a sandbox run.
type ExitStatus string

const (
	ExitOK               ExitStatus = "OK"
	ExitFail             ExitStatus = "FAIL"
	ExitTimeout          ExitStatus = "TIMEOUT"
	ExitResourceExceeded ExitStatus = "RESOURCE_EXCEEDED"
	ExitCancelled        ExitStatus = "CANCELLED"
	ExitError            ExitStatus = "ERROR"
)

// ResourceUsage is measured consumption of a sandbox run.
type ResourceUsage struct {
	CPUSeconds       float64 `json:"cpu_seconds"`
	MemoryBytes      int64   `json:"memory_bytes"`
	DiskBytes        int64   `json:"disk_bytes"`
	WallClockSeconds float64 `json:"wall_clock_seconds"`
}

// ExecutionRecord is the append-only result of one sandbox run.
type ExecutionRecord struct {
	ExecutionID   string        `json:"execution_id"`
	LeaseID       string        `json:"lease_id"`
	Command       []string      `json:"command"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	ExitStatus    ExitStatus    `json:"exit_status"`
	ExitCode      int           `json:"exit_code"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	OutputRef     string        `json:"output_ref,omitempty"`
	Flagged       bool          `json:"flagged,omitempty"`
	FlagReason    string        `json:"flag_reason,omitempty"`
	Breach        string        `json:"breach,omitempty"`
	AuditSeq      uint64        `json:"audit_seq,omitempty"`
}

// DeploymentStatus is the rollout lifecycle state.
type DeploymentStatus string

const (
	DeploymentStaged     DeploymentStatus = "staged"
	DeploymentPromoting  DeploymentStatus = "promoting"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether the deployment has finished.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentRolledBack
}

// TierDecision is the outcome recorded for a canary tier.
type TierDecision string

const (
	DecisionPromote  TierDecision = "promote"
	DecisionRollback TierDecision = "rollback"
	DecisionHold     TierDecision = "hold"
)

// HealthSnapshot is one sample from the external health feed.
type HealthSnapshot struct {
	ErrorRate      float64   `json:"error_rate"`
	LatencyDeltaMs float64   `json:"latency_delta_ms"`
	QualityScore   float64   `json:"quality_score"`
	SampledAt      time.Time `json:"sampled_at"`
	Samples        int       `json:"samples,omitempty"`
}

// TierRecord tracks one canary tier.
type TierRecord struct {
	Percent        int            `json:"percent"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
	HealthSnapshot HealthSnapshot `json:"health_snapshot"`
	Decision       TierDecision   `json:"decision,omitempty"`
	Override       string         `json:"override,omitempty"`
}

// Rollback triggers.
const (
	TriggerHealthBreach  = "health_breach"
	TriggerKillSwitch    = "kill_switch"
	TriggerLeaseExpired  = "lease_expired"
	TriggerForceRollback = "force_rollback"
	TriggerApplyFailed   = "apply_failed"
	TriggerFeedFailure   = "feed_failure"
	TriggerCancelled     = "cancelled"
	TriggerLedgerFault   = "ledger_fault"
	TriggerLeaseRevoked  = "lease_revoked"
	TriggerEntryDenied   = "entry_denied"
)

// RollbackSummary identifies what caused a rollback.
type RollbackSummary struct {
	Trigger   string  `json:"trigger"`
	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Tier      int     `json:"tier"`
	Percent   int     `json:"percent"`
	Detail    string  `json:"detail,omitempty"`
	AuditSeq  uint64  `json:"audit_seq,omitempty"`
}

// DeploymentRecord is owned by the deployment orchestrator.
type DeploymentRecord struct {
	DeploymentID string           `json:"deployment_id"`
	LeaseID      string           `json:"lease_id"`
	IntentID     string           `json:"intent_id"`
	Tiers        []TierRecord     `json:"tiers"`
	CurrentTier  int              `json:"current_tier"`
	Status       DeploymentStatus `json:"status"`
	Held         bool             `json:"held,omitempty"`
	Rollback     *RollbackSummary `json:"rollback,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (d *DeploymentRecord) Clone() *DeploymentRecord {
	out := *d
	out.Tiers = append([]TierRecord(nil), d.Tiers...)
	if d.Rollback != nil {
		rb := *d.Rollback
		out.Rollback = &rb
	}
	return &out
}
