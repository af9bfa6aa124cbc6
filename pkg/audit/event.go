// Package audit implements the append-only, hash-chained audit ledger that
// every control-plane component writes to.
//
// Appends are totally ordered through a single append path. Committed
// events are published under a short read lock so readers never wait on a
// writer's storage I/O. A storage failure puts the ledger into a fault state
// in which every later append fails with a LedgerFault; the existing chain is
// left untouched.
package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventIntentSubmitted    EventType = "intent.submitted"
	EventProposalRejected   EventType = "proposal.rejected"
	EventReviewDispatched   EventType = "review.dispatched"
	EventReviewVerdict      EventType = "review.verdict"
	EventArbitration        EventType = "review.arbitration"
	EventReviewDecision     EventType = "review.decision"
	EventLeaseRequested     EventType = "lease.requested"
	EventLeaseCosigned      EventType = "lease.cosigned"
	EventLeaseIssued        EventType = "lease.issued"
	EventLeaseDenied        EventType = "lease.denied"
	EventLeaseRevoked       EventType = "lease.revoked"
	EventSandboxDenied      EventType = "sandbox.denied"
	EventSandboxStarted     EventType = "sandbox.started"
	EventSandboxFinished    EventType = "sandbox.finished"
	EventResourceExceeded   EventType = "resource.exceeded"
	EventHeadroomDenied     EventType = "resource.headroom_denied"
	EventDeployStaged       EventType = "deploy.staged"
	EventDeployDenied       EventType = "deploy.denied"
	EventTierStarted        EventType = "deploy.tier_started"
	EventTierPromoted       EventType = "deploy.tier_promoted"
	EventDeployCompleted    EventType = "deploy.completed"
	EventDeployRolledBack   EventType = "deploy.rolled_back"
	EventGovernanceHold     EventType = "governance.hold"
	EventGovernanceResume   EventType = "governance.resume"
	EventGovernanceRollback EventType = "governance.force_rollback"
	EventGovernanceApprove  EventType = "governance.approve_next_tier"
	EventKillSwitch         EventType = "governance.kill_switch"
)

// GenesisHash is the prev_hash of the first event.
const GenesisHash = "genesis"

// Event is a single immutable ledger entry.
type Event struct {
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"ts"`
	Actor      string          `json:"actor"`
	Type       EventType       `json:"event_type"`
	Subject    string          `json:"subject,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRef string          `json:"payload_ref"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Record is what callers hand to Append.
type Record struct {
	Actor   string
	Type    EventType
	Subject string
	Payload any
}
