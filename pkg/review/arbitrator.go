package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// Action is what the arbitrator decided to do with a failed round.
type Action string

const (
	ActionResubmit Action = "resubmit"
	ActionReject   Action = "reject"
)

// Resolution is an arbitration outcome. On resubmit, Submission is the
// (possibly narrowed) proposal to review again.
type Resolution struct {
	Action       Action     `json:"action"`
	Rationale    string     `json:"rationale"`
	DroppedPaths []string   `json:"dropped_paths,omitempty"`
	Submission   Submission `json:"-"`
}

// Arbitrator is the tie-break policy applied when any reviewer fails.
type Arbitrator interface {
	Arbitrate(sub Submission, verdicts []contracts.Verdict) Resolution
}

// NarrowingArbitrator down-scopes a proposal by dropping every file a
// failing reviewer pointed at. Rounds failed only by timeouts are resubmitted
// unchanged. Content failures with no attributable path are rejected.
type NarrowingArbitrator struct{}

func (NarrowingArbitrator) Arbitrate(sub Submission, verdicts []contracts.Verdict) Resolution {
	var failed, timedOut []string
	drop := map[string]struct{}{}
	unattributed := false

	for _, v := range verdicts {
		if v.Passed() {
			continue
		}
		if v.Reason == contracts.VerdictReasonTimeout {
			timedOut = append(timedOut, v.ReviewerID)
			continue
		}
		failed = append(failed, v.ReviewerID)
		attributed := false
		for _, f := range v.Findings {
			if f.Path != "" {
				drop[f.Path] = struct{}{}
				attributed = true
			}
		}
		if !attributed {
			unattributed = true
		}
	}

	if len(failed) == 0 {
		again := sub
		again.Round = sub.Round + 1
		return Resolution{
			Action:     ActionResubmit,
			Rationale:  "reviewers timed out: " + strings.Join(timedOut, ", ") + "; resubmitting unchanged",
			Submission: again,
		}
	}
	if unattributed {
		return Resolution{
			Action:    ActionReject,
			Rationale: "failure from " + strings.Join(failed, ", ") + " is not attributable to specific paths",
		}
	}

	dropped := make([]string, 0, len(drop))
	for p := range drop {
		dropped = append(dropped, p)
	}
	sort.Strings(dropped)

	forward := sub.Patch.Without(dropped...)
	if forward.Empty() {
		return Resolution{
			Action:       ActionReject,
			Rationale:    "every changed path was flagged; nothing left to approve",
			DroppedPaths: dropped,
		}
	}
	reverse := sub.Reverse.Without(dropped...)

	narrowed := sub
	narrowed.Patch = forward
	narrowed.Reverse = reverse
	narrowed.Scope = narrowScope(sub.Scope, forward.Paths())
	narrowed.Proposal = contracts.Proposal{
		IntentID:        sub.Proposal.IntentID,
		Diff:            forward.String(),
		DiffRef:         forward.Digest(),
		Size:            forward.Stats(),
		ReverseDiff:     reverse.String(),
		ReversePatchRef: reverse.Digest(),
	}
	narrowed.Round = sub.Round + 1

	return Resolution{
		Action:       ActionResubmit,
		Rationale:    fmt.Sprintf("dropped %d flagged path(s) after failure from %s", len(dropped), strings.Join(failed, ", ")),
		DroppedPaths: dropped,
		Submission:   narrowed,
	}
}

// narrowScope restricts scope paths to the files still being changed. Scopes
// without path entries are left as they are.
func narrowScope(scope contracts.Scope, remaining []string) contracts.Scope {
	out := scope.Clone()
	if len(scope.Paths) == 0 {
		return out
	}
	paths := make([]string, 0, len(remaining))
	for _, p := range remaining {
		for _, allowed := range scope.Paths {
			if withinPath(p, allowed) {
				paths = append(paths, p)
				break
			}
		}
	}
	sort.Strings(paths)
	out.Paths = paths
	return out
}

// withinPath reports whether file p lies under allowed. "." and "" name the
// repository root.
func withinPath(p, allowed string) bool {
	allowed = strings.TrimSuffix(strings.TrimPrefix(allowed, "./"), "/")
	if allowed == "" || allowed == "." {
		return true
	}
	return p == allowed || strings.HasPrefix(p, allowed+"/")
}
