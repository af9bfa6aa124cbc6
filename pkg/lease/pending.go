package lease

import (
	"context"
	"slices"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// pendingRequest collects cosignatures until the quorum is met.
type pendingRequest struct {
	req         Request
	payload     []byte
	requestedAt time.Time
}

// PendingLease describes a lease request awaiting cosignatures.
type PendingLease struct {
	Request        Request   `json:"request"`
	SigningPayload []byte    `json:"signing_payload"`
	RequestedAt    time.Time `json:"requested_at"`
	Ready          bool      `json:"ready"`
}

// RequestLease opens a lease request for an approved intent and returns the
// payload cosigners must sign. Cosigners already on req are verified and kept.
func (s *Service) RequestLease(ctx context.Context, req Request) ([]byte, error) {
	if err := s.ledger.Healthy(); err != nil {
		return nil, err
	}
	if err := s.checkIntent(req.IntentID); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	if req.Duration <= 0 {
		return nil, s.deny(ctx, req, gateerr.New(gateerr.KindValidation, gateerr.CodeScopeNotAllowed, "lease duration must be positive"))
	}
	scope, err := NormalizeScope(req.Scope)
	if err != nil {
		return nil, s.deny(ctx, req, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeScopeNotAllowed, "scope rejected"))
	}
	req.Scope = scope
	if err := s.verifyCosigners(req.IntentID, scope, req.Duration, req.Cosigners); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	payload, err := SigningPayload(req.IntentID, scope, req.Duration)
	if err != nil {
		return nil, err
	}

	s.pendingMu.Lock()
	if _, exists := s.pending[req.IntentID]; exists {
		s.pendingMu.Unlock()
		return nil, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "intent %s already has a pending lease request", req.IntentID)
	}
	s.pending[req.IntentID] = &pendingRequest{req: req, payload: payload, requestedAt: s.clock().UTC()}
	s.pendingMu.Unlock()

	if _, err := s.ledger.Append(ctx, audit.Record{
		Actor:   s.issuer.KeyID(),
		Type:    audit.EventLeaseRequested,
		Subject: req.IntentID,
		Payload: map[string]any{"scope": scope, "duration_ms": req.Duration.Milliseconds(), "cosigners": cosignerIDs(req.Cosigners)},
	}); err != nil {
		s.dropPending(req.IntentID)
		return nil, err
	}
	return payload, nil
}

// Pending returns the open request for an intent.
func (s *Service) Pending(intentID string) (PendingLease, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[intentID]
	if !ok {
		return PendingLease{}, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no pending lease request for intent %s", intentID)
	}
	return PendingLease{
		Request:        p.req,
		SigningPayload: append([]byte(nil), p.payload...),
		RequestedAt:    p.requestedAt,
		Ready:          s.checkQuorum(p.req.Scope, p.req.Cosigners) == nil,
	}, nil
}

// Cosign verifies and attaches a cosignature to a pending request. It
// reports whether the request now meets its cosigner quorum.
func (s *Service) Cosign(ctx context.Context, intentID string, c contracts.Cosigner) (bool, error) {
	if err := s.ledger.Healthy(); err != nil {
		return false, err
	}

	s.pendingMu.Lock()
	p, ok := s.pending[intentID]
	if !ok {
		s.pendingMu.Unlock()
		return false, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no pending lease request for intent %s", intentID)
	}
	if err := s.verifyCosigner(p.payload, c); err != nil {
		req := p.req
		s.pendingMu.Unlock()
		return false, s.deny(ctx, Request{IntentID: req.IntentID, Cosigners: []contracts.Cosigner{c}}, err)
	}
	for _, existing := range p.req.Cosigners {
		if existing.ID == c.ID {
			s.pendingMu.Unlock()
			return false, gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "%s already cosigned intent %s", c.ID, intentID)
		}
	}
	cosigners := append(slices.Clone(p.req.Cosigners), c)
	ready := s.checkQuorum(p.req.Scope, cosigners) == nil
	defer s.pendingMu.Unlock()

	// The cosignature only counts once it is on the ledger.
	if _, err := s.ledger.Append(ctx, audit.Record{
		Actor:   c.ID,
		Type:    audit.EventLeaseCosigned,
		Subject: intentID,
		Payload: map[string]any{"role": c.Role, "ready": ready},
	}); err != nil {
		return false, err
	}
	p.req.Cosigners = cosigners
	return ready, nil
}

// IssuePending issues the lease for a pending request whose quorum is met.
func (s *Service) IssuePending(ctx context.Context, intentID string) (*contracts.LeaseToken, error) {
	s.pendingMu.Lock()
	p, ok := s.pending[intentID]
	var req Request
	if ok {
		req = p.req
		req.Cosigners = append([]contracts.Cosigner(nil), p.req.Cosigners...)
	}
	s.pendingMu.Unlock()
	if !ok {
		return nil, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "no pending lease request for intent %s", intentID)
	}

	token, err := s.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	s.dropPending(intentID)
	return token, nil
}

func (s *Service) dropPending(intentID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, intentID)
}
