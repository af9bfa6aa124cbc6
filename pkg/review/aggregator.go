package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/intent"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

const actor = "review-aggregator"

// DefaultReviewTimeout bounds each reviewer call when Config leaves it unset.
const DefaultReviewTimeout = 30 * time.Second

// Config bounds proposals and reviewer calls. ReviewerRate limits calls per
// second to each reviewer; zero is unlimited.
type Config struct {
	MaxDiffLines  int           `yaml:"max_diff_lines"`
	MaxDiffBytes  int64         `yaml:"max_diff_bytes"`
	ReviewTimeout time.Duration `yaml:"review_timeout"`
	ReviewerRate  float64       `yaml:"reviewer_rate"`
	ReviewerBurst int           `yaml:"reviewer_burst"`
}

// Decision is the terminal outcome of reviewing one intent.
type Decision struct {
	IntentID   string                 `json:"intent_id"`
	Status     contracts.IntentStatus `json:"status"`
	ReasonCode string                 `json:"reason_code,omitempty"`
	Rationale  string                 `json:"rationale"`
	Rounds     int                    `json:"rounds"`
	Verdicts   []contracts.Verdict    `json:"verdicts"`
	Scope      contracts.Scope        `json:"scope"`
	Proposal   contracts.Proposal     `json:"proposal"`
	AuditSeq   uint64                 `json:"audit_seq"`
}

// Approved reports whether the intent was approved.
func (d Decision) Approved() bool { return d.Status == contracts.IntentApproved }

// Err returns the ArbitrationDeadlock error for a rejected decision, or nil.
func (d Decision) Err() error {
	if d.Status != contracts.IntentRejected {
		return nil
	}
	return &gateerr.Error{
		Kind:     gateerr.KindArbitrationDeadlock,
		Code:     d.ReasonCode,
		Message:  d.Rationale,
		AuditSeq: d.AuditSeq,
	}
}

// Aggregator runs the review state machine for intents.
type Aggregator struct {
	cfg        Config
	reviewers  []Reviewer
	limiters   map[string]*rate.Limiter
	arbitrator Arbitrator
	intents    *intent.Registry
	ledger     *audit.Ledger
	obs        *observability.Provider
	clock      func() time.Time
	logger     *slog.Logger

	dispatches atomic.Int64

	// worker pool
	poolMu  sync.Mutex
	jobs    chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewAggregator creates an aggregator over a fixed reviewer set.
func NewAggregator(cfg Config, intents *intent.Registry, ledger *audit.Ledger, reviewers ...Reviewer) *Aggregator {
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}
	limit := rate.Inf
	if cfg.ReviewerRate > 0 {
		limit = rate.Limit(cfg.ReviewerRate)
	}
	burst := cfg.ReviewerBurst
	if burst <= 0 {
		burst = 1
	}
	limiters := make(map[string]*rate.Limiter, len(reviewers))
	for _, r := range reviewers {
		limiters[r.ID()] = rate.NewLimiter(limit, burst)
	}
	return &Aggregator{
		cfg:        cfg,
		reviewers:  reviewers,
		limiters:   limiters,
		arbitrator: NarrowingArbitrator{},
		intents:    intents,
		ledger:     ledger,
		obs:        observability.Disabled(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "review"),
	}
}

// WithArbitrator replaces the default NarrowingArbitrator.
func (a *Aggregator) WithArbitrator(arb Arbitrator) *Aggregator {
	a.arbitrator = arb
	return a
}

// WithObservability traces dispatch rounds through p.
func (a *Aggregator) WithObservability(p *observability.Provider) *Aggregator {
	a.obs = p
	return a
}

// WithClock overrides the clock for deterministic testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Dispatches returns how many reviewer calls have been made.
func (a *Aggregator) Dispatches() int64 { return a.dispatches.Load() }

// Review takes a draft intent through review to a terminal decision.
//
// A proposal that fails pre-check is rejected with a ValidationError, audited,
// and never reaches a reviewer; the intent stays draft so a corrected
// proposal can be submitted. Once dispatched the intent always ends approved
// or rejected.
func (a *Aggregator) Review(ctx context.Context, intentID string, proposal contracts.Proposal) (Decision, error) {
	if len(a.reviewers) == 0 {
		return Decision{}, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "no reviewers configured")
	}
	in, err := a.intents.Get(intentID)
	if err != nil {
		return Decision{}, err
	}
	if in.Status != contracts.IntentDraft {
		return Decision{}, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition,
			"intent %s is %s, not draft", intentID, in.Status)
	}

	sub, err := a.precheck(in, proposal)
	if err != nil {
		return Decision{}, a.rejectProposal(ctx, in, proposal, err)
	}

	if err := a.intents.Transition(in.ID, contracts.IntentDraft, contracts.IntentUnderReview, intent.Decision{}); err != nil {
		return Decision{}, err
	}
	if _, err := a.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventReviewDispatched,
		Subject: in.ID,
		Payload: map[string]any{
			"reviewers": a.reviewerIDs(),
			"diff_ref":  sub.Proposal.DiffRef,
			"size":      sub.Proposal.Size,
		},
	}); err != nil {
		return Decision{}, err
	}

	var (
		all       []contracts.Verdict
		status    contracts.IntentStatus
		code      string
		rationale string
	)
	for {
		verdicts, err := a.round(ctx, sub)
		all = append(all, verdicts...)
		if err != nil {
			return Decision{}, err
		}
		if failing := failures(verdicts); len(failing) == 0 {
			status = contracts.IntentApproved
			rationale = fmt.Sprintf("unanimous PASS from %d reviewer(s) in round %d", len(verdicts), sub.Round)
			break
		}
		if sub.Round > 1 {
			status = contracts.IntentRejected
			code = gateerr.CodeArbitrationFailed
			rationale = "resubmitted proposal failed review again: " + summarize(verdicts) + "; explicit re-submission required"
			break
		}

		res := a.arbitrator.Arbitrate(sub, verdicts)
		if _, err := a.ledger.Append(ctx, audit.Record{
			Actor:   "arbitrator",
			Type:    audit.EventArbitration,
			Subject: in.ID,
			Payload: res,
		}); err != nil {
			return Decision{}, err
		}
		a.logger.InfoContext(ctx, "arbitration", "intent_id", in.ID, "action", res.Action, "dropped", len(res.DroppedPaths))
		if res.Action != ActionResubmit {
			status = contracts.IntentRejected
			code = gateerr.CodeArbitrationFailed
			rationale = res.Rationale
			break
		}
		sub = res.Submission
	}

	d := Decision{
		IntentID:   in.ID,
		Status:     status,
		ReasonCode: code,
		Rationale:  rationale,
		Rounds:     sub.Round,
		Verdicts:   all,
		Scope:      sub.Scope,
		Proposal:   sub.Proposal,
	}
	return a.decide(ctx, d)
}

func (a *Aggregator) decide(ctx context.Context, d Decision) (Decision, error) {
	// The decision is recorded even when the caller has gone away, so the
	// intent never stays under review.
	ctx = context.WithoutCancel(ctx)
	seq, err := a.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventReviewDecision,
		Subject: d.IntentID,
		Payload: map[string]any{
			"status":      d.Status,
			"reason_code": d.ReasonCode,
			"rationale":   d.Rationale,
			"rounds":      d.Rounds,
			"scope":       d.Scope,
			"diff_ref":    d.Proposal.DiffRef,
		},
	})
	if err != nil {
		return Decision{}, err
	}
	d.AuditSeq = seq

	td := intent.Decision{ReasonCode: d.ReasonCode, Rationale: d.Rationale, AuditSeq: seq}
	if d.Approved() {
		scope := d.Scope
		td.Scope = &scope
	}
	if err := a.intents.Transition(d.IntentID, contracts.IntentUnderReview, d.Status, td); err != nil {
		return Decision{}, err
	}
	a.logger.InfoContext(ctx, "intent decided",
		"intent_id", d.IntentID, "status", d.Status, "rounds", d.Rounds, "audit_seq", seq)
	return d, nil
}

// precheck parses the proposal and enforces size caps and the reverse patch.
func (a *Aggregator) precheck(in contracts.Intent, p contracts.Proposal) (Submission, error) {
	if p.IntentID != "" && p.IntentID != in.ID {
		return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal,
			"proposal is for intent %s, not %s", p.IntentID, in.ID)
	}
	if strings.TrimSpace(p.ReverseDiff) == "" || p.ReversePatchRef == "" {
		return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeMissingReversePatch,
			"proposal has no reverse patch")
	}
	if a.cfg.MaxDiffBytes > 0 {
		if n := max(int64(len(p.Diff)), p.Size.Bytes); n > a.cfg.MaxDiffBytes {
			return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeDiffTooLarge,
				"diff is %d bytes, cap is %d", n, a.cfg.MaxDiffBytes)
		}
	}

	forward, err := patch.Parse(p.Diff)
	if err != nil {
		return Submission{}, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMalformedProposal, "diff does not parse")
	}
	if forward.Empty() {
		return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal, "diff changes nothing")
	}
	if a.cfg.MaxDiffLines > 0 {
		if n := max(forward.Stats().Lines, p.Size.Lines); n > a.cfg.MaxDiffLines {
			return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeDiffTooLarge,
				"diff changes %d lines, cap is %d", n, a.cfg.MaxDiffLines)
		}
	}
	reverse, err := patch.Parse(p.ReverseDiff)
	if err != nil {
		return Submission{}, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMissingReversePatch, "reverse patch does not parse")
	}
	if strings.HasPrefix(p.DiffRef, "blake3:") && p.DiffRef != forward.Digest() {
		return Submission{}, gateerr.New(gateerr.KindValidation, gateerr.CodeMalformedProposal,
			"diff_ref %s does not match diff content", p.DiffRef)
	}

	p.IntentID = in.ID
	if p.DiffRef == "" {
		p.DiffRef = forward.Digest()
	}
	p.Size = forward.Stats()
	return Submission{
		Intent:   in,
		Proposal: p,
		Patch:    forward,
		Reverse:  reverse,
		Scope:    in.RequestedScope.Clone(),
		Round:    1,
	}, nil
}

func (a *Aggregator) rejectProposal(ctx context.Context, in contracts.Intent, p contracts.Proposal, cause error) error {
	seq, err := a.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventProposalRejected,
		Subject: in.ID,
		Payload: map[string]any{
			"code":     gateerr.CodeOf(cause),
			"reason":   cause.Error(),
			"diff_ref": p.DiffRef,
			"size":     p.Size,
		},
	})
	if err != nil {
		return err
	}
	a.logger.WarnContext(ctx, "proposal rejected before dispatch",
		"intent_id", in.ID, "code", gateerr.CodeOf(cause), "audit_seq", seq)
	return gateerr.WithSeq(cause, seq)
}

// round dispatches sub to every reviewer in parallel, joins them, and audits
// each verdict in reviewer order.
func (a *Aggregator) round(ctx context.Context, sub Submission) (verdicts []contracts.Verdict, err error) {
	ctx, done := a.obs.TrackOperation(ctx, "review.dispatch",
		attribute.String("intent_id", sub.Intent.ID),
		attribute.Int("round", sub.Round),
	)
	defer func() { done(err) }()

	verdicts = make([]contracts.Verdict, len(a.reviewers))
	var wg sync.WaitGroup
	for i, r := range a.reviewers {
		wg.Add(1)
		go func(i int, r Reviewer) {
			defer wg.Done()
			verdicts[i] = a.call(ctx, r, sub)
		}(i, r)
	}
	wg.Wait()

	actx := context.WithoutCancel(ctx)
	for _, v := range verdicts {
		if _, err := a.ledger.Append(actx, audit.Record{
			Actor:   "reviewer:" + v.ReviewerID,
			Type:    audit.EventReviewVerdict,
			Subject: sub.Intent.ID,
			Payload: v,
		}); err != nil {
			return verdicts, err
		}
	}
	return verdicts, nil
}

// call invokes one reviewer under the review timeout. The reviewer keeps its
// goroutine if it ignores ctx, but its late answer is discarded.
func (a *Aggregator) call(ctx context.Context, r Reviewer, sub Submission) contracts.Verdict {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.ReviewTimeout)
	defer cancel()

	if lim := a.limiters[r.ID()]; lim != nil {
		if err := lim.Wait(rctx); err != nil {
			return a.timeoutVerdict(r.ID(), sub, "rate limit wait exceeded review timeout")
		}
	}
	a.dispatches.Add(1)

	ch := make(chan contracts.Verdict, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- contracts.Verdict{Result: contracts.VerdictFail, Reason: contracts.VerdictReasonError, Details: fmt.Sprint("reviewer panicked: ", p)}
			}
		}()
		ch <- r.Review(rctx, sub)
	}()

	select {
	case v := <-ch:
		if rctx.Err() == nil {
			return a.normalize(r.ID(), sub, v)
		}
	case <-rctx.Done():
	}
	a.logger.WarnContext(ctx, "reviewer timed out", "intent_id", sub.Intent.ID, "reviewer", r.ID(), "round", sub.Round)
	return a.timeoutVerdict(r.ID(), sub, fmt.Sprintf("no verdict within %s", a.cfg.ReviewTimeout))
}

func (a *Aggregator) normalize(id string, sub Submission, v contracts.Verdict) contracts.Verdict {
	v.IntentID = sub.Intent.ID
	v.ReviewerID = id
	v.Round = sub.Round
	v.CreatedAt = a.clock().UTC()
	switch v.Result {
	case contracts.VerdictPass:
		v.Reason = ""
	case contracts.VerdictFail:
		if v.Reason == "" {
			v.Reason = contracts.VerdictReasonContent
		}
	default:
		v.Details = fmt.Sprintf("invalid result %q: %s", v.Result, v.Details)
		v.Result = contracts.VerdictFail
		v.Reason = contracts.VerdictReasonError
	}
	return v
}

func (a *Aggregator) timeoutVerdict(id string, sub Submission, details string) contracts.Verdict {
	return contracts.Verdict{
		IntentID:   sub.Intent.ID,
		ReviewerID: id,
		Result:     contracts.VerdictFail,
		Reason:     contracts.VerdictReasonTimeout,
		Details:    details,
		Round:      sub.Round,
		CreatedAt:  a.clock().UTC(),
	}
}

func (a *Aggregator) reviewerIDs() []string {
	ids := make([]string, len(a.reviewers))
	for i, r := range a.reviewers {
		ids[i] = r.ID()
	}
	return ids
}

func failures(vs []contracts.Verdict) []contracts.Verdict {
	var out []contracts.Verdict
	for _, v := range vs {
		if !v.Passed() {
			out = append(out, v)
		}
	}
	return out
}

func summarize(vs []contracts.Verdict) string {
	parts := make([]string, 0, len(vs))
	for _, v := range failures(vs) {
		parts = append(parts, fmt.Sprintf("%s FAIL (%s)", v.ReviewerID, v.Reason))
	}
	return strings.Join(parts, ", ")
}
