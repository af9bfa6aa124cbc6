// Package review routes proposals to independent reviewers, arbitrates
// disagreement and decides the intent.
package review

import (
	"context"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

// Submission is what a reviewer sees: the proposal, its parsed forward and
// reverse patches, the requested scope, and the review round.
type Submission struct {
	Intent   contracts.Intent
	Proposal contracts.Proposal
	Patch    *patch.Patch
	Reverse  *patch.Patch
	Scope    contracts.Scope
	Round    int
}

// Reviewer judges a submission. Implementations must honour ctx; a reviewer
// that outlives the review timeout is recorded as a FAIL with reason
// timeout regardless of what it eventually returns.
type Reviewer interface {
	ID() string
	Review(ctx context.Context, sub Submission) contracts.Verdict
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc struct {
	Name string
	Fn   func(ctx context.Context, sub Submission) contracts.Verdict
}

func (r ReviewerFunc) ID() string { return r.Name }

func (r ReviewerFunc) Review(ctx context.Context, sub Submission) contracts.Verdict {
	return r.Fn(ctx, sub)
}

func pass(id string, sub Submission, details string) contracts.Verdict {
	return contracts.Verdict{
		IntentID:   sub.Intent.ID,
		ReviewerID: id,
		Result:     contracts.VerdictPass,
		Details:    details,
		Round:      sub.Round,
	}
}

func fail(id string, sub Submission, details string, findings []contracts.Finding) contracts.Verdict {
	return contracts.Verdict{
		IntentID:   sub.Intent.ID,
		ReviewerID: id,
		Result:     contracts.VerdictFail,
		Reason:     contracts.VerdictReasonContent,
		Details:    details,
		Findings:   findings,
		Round:      sub.Round,
	}
}
