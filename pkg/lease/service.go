// Package lease issues, validates and revokes lease tokens: signed,
// time-boxed capability grants scoped to an explicit allow-list.
//
// Issuance is serialized per intent through an IntentLocker so that at most
// one active lease exists per intent. Validation and lookups never take that
// lock. Replicas sharing Redis also share an ActiveIndex, so the check holds
// across processes.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
)

// RoleIssuer is the keyring role of keys allowed to sign lease tokens.
const RoleIssuer = "issuer"

// Config bounds what the service will issue.
type Config struct {
	AllowList    AllowList
	MaxDuration  time.Duration
	MinCosigners int // for non-production scope
}

// IntentSource reports intent review status.
type IntentSource interface {
	Status(intentID string) (contracts.IntentStatus, error)
}

// Reserver claims resource headroom for an issued lease.
type Reserver interface {
	Reserve(ctx context.Context, leaseID string, limits contracts.ResourceLimits, expiresAt time.Time) error
	Release(leaseID string)
}

// Request asks for a lease.
type Request struct {
	IntentID  string               `json:"intent_id"`
	Subject   string               `json:"subject"`
	Scope     contracts.Scope      `json:"scope"`
	Duration  time.Duration        `json:"duration"`
	Cosigners []contracts.Cosigner `json:"cosigners,omitempty"`
}

type revocation struct {
	at     time.Time
	reason string
}

type entry struct {
	token   *contracts.LeaseToken // immutable after issuance
	revoked atomic.Pointer[revocation]
}

// Service is the lease token service.
type Service struct {
	cfg      Config
	issuer   crypto.Signer
	keys     *crypto.KeyRing
	intents  IntentSource
	ledger   *audit.Ledger
	reserver Reserver
	locker   IntentLocker
	index    ActiveIndex
	obs      *observability.Provider

	leases  sync.Map // lease_id -> *entry
	active  sync.Map // intent_id -> lease_id
	revoked sync.Map // lease_id -> *revocation, for ids never issued here

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	clock  func() time.Time
	logger *slog.Logger
}

// NewService creates a lease service. The issuer's public key is registered
// in keys under RoleIssuer.
func NewService(cfg Config, issuer crypto.Signer, keys *crypto.KeyRing, intents IntentSource, ledger *audit.Ledger) *Service {
	if cfg.MinCosigners < 0 {
		cfg.MinCosigners = 0
	}
	_ = keys.RegisterSigner(issuer, RoleIssuer)
	return &Service{
		cfg:     cfg,
		issuer:  issuer,
		keys:    keys,
		intents: intents,
		ledger:  ledger,
		locker:  NewKeyedMutex(),
		obs:     observability.Disabled(),
		pending: make(map[string]*pendingRequest),
		clock:   time.Now,
		logger:  slog.Default().With("component", "lease"),
	}
}

// WithReserver attaches a headroom reserver (normally the Sentinel).
func (s *Service) WithReserver(r Reserver) *Service {
	s.reserver = r
	return s
}

// WithLocker replaces the in-process issuance lock.
func (s *Service) WithLocker(l IntentLocker) *Service {
	s.locker = l
	return s
}

// WithActiveIndex shares the single-active-lease check with other replicas.
// The in-process index still answers lookups.
func (s *Service) WithActiveIndex(ix ActiveIndex) *Service {
	s.index = ix
	return s
}

func (s *Service) WithObservability(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Keys returns the service keyring.
func (s *Service) Keys() *crypto.KeyRing { return s.keys }

// Issue verifies a lease request and issues a signed token.
// Checks run in order: intent approved, cosigner signatures, scope
// allow-list, cosigner quorum, single active lease, resource headroom.
func (s *Service) Issue(ctx context.Context, req Request) (token *contracts.LeaseToken, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "lease.issue", attribute.String("intent_id", req.IntentID))
	defer func() { done(err) }()
	return s.issue(ctx, req)
}

func (s *Service) issue(ctx context.Context, req Request) (*contracts.LeaseToken, error) {
	if err := s.ledger.Healthy(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, req.IntentID)
	if err != nil {
		return nil, gateerr.Wrap(err, gateerr.KindTimeout, gateerr.CodeLockUnavailable, "acquire issuance lock for %s", req.IntentID)
	}
	defer unlock()

	if err := s.checkIntent(req.IntentID); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	if req.Duration <= 0 {
		return nil, s.deny(ctx, req, gateerr.New(gateerr.KindValidation, gateerr.CodeScopeNotAllowed, "lease duration must be positive"))
	}
	if s.cfg.MaxDuration > 0 && req.Duration > s.cfg.MaxDuration {
		return nil, s.deny(ctx, req, scopeDenied("duration %s exceeds maximum %s", req.Duration, s.cfg.MaxDuration))
	}

	scope, err := NormalizeScope(req.Scope)
	if err != nil {
		return nil, s.deny(ctx, req, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeScopeNotAllowed, "scope rejected"))
	}
	if err := s.verifyCosigners(req.IntentID, scope, req.Duration, req.Cosigners); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	if err := s.cfg.AllowList.Check(scope); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	if err := s.checkQuorum(scope, req.Cosigners); err != nil {
		return nil, s.deny(ctx, req, err)
	}

	now := s.clock().UTC()
	if existing, ok := s.activeFor(req.IntentID, now); ok {
		return nil, s.deny(ctx, req, gateerr.New(gateerr.KindAuthorization, gateerr.CodeDuplicateLease,
			"intent %s already holds active lease %s", req.IntentID, existing.LeaseID))
	}

	token := &contracts.LeaseToken{
		FormatVersion: FormatVersion,
		LeaseID:       "lease-" + uuid.NewString(),
		IntentID:      req.IntentID,
		Issuer:        s.issuer.KeyID(),
		Subject:       req.Subject,
		IssuedAt:      now,
		ExpiresAt:     now.Add(req.Duration),
		Scope:         scope,
		Cosigners:     append([]contracts.Cosigner{}, req.Cosigners...),
	}
	if token.Subject == "" {
		token.Subject = req.IntentID
	}

	if s.index != nil {
		holder, err := s.index.Claim(ctx, req.IntentID, token.LeaseID, token.ExpiresAt)
		if err != nil {
			return nil, gateerr.Wrap(err, gateerr.KindTimeout, gateerr.CodeLockUnavailable, "claim active lease for %s", req.IntentID)
		}
		if holder != "" {
			return nil, s.deny(ctx, req, gateerr.New(gateerr.KindAuthorization, gateerr.CodeDuplicateLease,
				"intent %s already holds active lease %s", req.IntentID, holder))
		}
	}
	if s.reserver != nil {
		if err := s.reserver.Reserve(ctx, token.LeaseID, scope.Limits, token.ExpiresAt); err != nil {
			s.releaseClaim(req.IntentID, token.LeaseID)
			// The reserver audits its own denial.
			return nil, err
		}
	}

	payload, err := tokenSigningBytes(token)
	if err != nil {
		s.releaseReservation(token.LeaseID)
		s.releaseClaim(req.IntentID, token.LeaseID)
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	if token.Signature, err = s.issuer.Sign(payload); err != nil {
		s.releaseReservation(token.LeaseID)
		s.releaseClaim(req.IntentID, token.LeaseID)
		return nil, fmt.Errorf("sign lease: %w", err)
	}

	seq, err := s.ledger.Append(ctx, audit.Record{
		Actor:   s.issuer.KeyID(),
		Type:    audit.EventLeaseIssued,
		Subject: token.LeaseID,
		Payload: token,
	})
	if err != nil {
		s.releaseReservation(token.LeaseID)
		s.releaseClaim(req.IntentID, token.LeaseID)
		return nil, err
	}

	s.leases.Store(token.LeaseID, &entry{token: token})
	s.active.Store(req.IntentID, token.LeaseID)
	s.logger.InfoContext(ctx, "lease issued",
		"lease_id", token.LeaseID, "intent_id", req.IntentID, "expires_at", token.ExpiresAt, "audit_seq", seq)
	return cloneToken(token), nil
}

func (s *Service) checkIntent(intentID string) error {
	if s.intents == nil {
		return nil
	}
	st, err := s.intents.Status(intentID)
	if err != nil {
		return err
	}
	if st != contracts.IntentApproved {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeIntentNotApproved, "intent %s is %s, not approved", intentID, st)
	}
	return nil
}

// verifyCosigners checks every cosigner signature over the signing payload.
func (s *Service) verifyCosigners(intentID string, scope contracts.Scope, d time.Duration, cosigners []contracts.Cosigner) error {
	if len(cosigners) == 0 {
		return nil
	}
	payload, err := SigningPayload(intentID, scope, d)
	if err != nil {
		return gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeScopeNotAllowed, "scope rejected")
	}
	seen := make(map[string]struct{}, len(cosigners))
	for _, c := range cosigners {
		if err := s.verifyCosigner(payload, c); err != nil {
			return err
		}
		if _, dup := seen[c.ID]; dup {
			return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "cosigner %s listed twice", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func (s *Service) verifyCosigner(payload []byte, c contracts.Cosigner) error {
	if c.Role != contracts.RoleHuman && c.Role != contracts.RoleAgent {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "cosigner %s has invalid role %q", c.ID, c.Role)
	}
	rk, ok := s.keys.Lookup(c.ID)
	if !ok {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "cosigner %s has no registered key", c.ID)
	}
	if rk.Role != c.Role {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "cosigner %s is registered as %s, not %s", c.ID, rk.Role, c.Role)
	}
	valid, err := crypto.VerifyWith(rk.PublicKey, c.Signature, payload)
	if err != nil || !valid {
		return gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeBadSignature, "cosigner %s signature invalid", c.ID)
	}
	return nil
}

// RequiredCosigners reports the cosigner quorum for a scope.
func (s *Service) RequiredCosigners(scope contracts.Scope) (count, distinctRoles int) {
	if scope.IsProduction() {
		return 2, 2
	}
	return s.cfg.MinCosigners, 1
}

func (s *Service) checkQuorum(scope contracts.Scope, cosigners []contracts.Cosigner) error {
	need, roles := s.RequiredCosigners(scope)
	t := contracts.LeaseToken{Cosigners: cosigners}
	if len(cosigners) < need || (need > 0 && t.DistinctCosignerRoles() < roles) {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeInsufficientCosign,
			"scope requires %d cosigners of %d distinct roles, got %d of %d",
			need, roles, len(cosigners), t.DistinctCosignerRoles())
	}
	return nil
}

// deny audits a rejected issuance and returns err stamped with its seq.
func (s *Service) deny(ctx context.Context, req Request, err error) error {
	seq, aerr := s.ledger.Append(ctx, audit.Record{
		Actor:   s.issuer.KeyID(),
		Type:    audit.EventLeaseDenied,
		Subject: req.IntentID,
		Payload: map[string]any{
			"code":      gateerr.CodeOf(err),
			"reason":    err.Error(),
			"cosigners": cosignerIDs(req.Cosigners),
		},
	})
	if aerr != nil {
		return aerr
	}
	s.logger.WarnContext(ctx, "lease denied", "intent_id", req.IntentID, "code", gateerr.CodeOf(err), "audit_seq", seq)
	return gateerr.WithSeq(err, seq)
}

func cosignerIDs(cs []contracts.Cosigner) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Role+":"+c.ID)
	}
	return out
}

func (s *Service) releaseClaim(intentID, leaseID string) {
	if s.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.index.Release(ctx, intentID, leaseID); err != nil {
		s.logger.WarnContext(ctx, "release active-lease claim", "intent_id", intentID, "lease_id", leaseID, "error", err)
	}
}

func (s *Service) releaseReservation(leaseID string) {
	if s.reserver != nil {
		s.reserver.Release(leaseID)
	}
}

// activeFor returns the active lease of an intent, lazily clearing one that
// has expired.
func (s *Service) activeFor(intentID string, now time.Time) (*contracts.LeaseToken, bool) {
	v, ok := s.active.Load(intentID)
	if !ok {
		return nil, false
	}
	leaseID := v.(string)
	e, ok := s.lookup(leaseID)
	if ok && e.revoked.Load() == nil && e.token.Active(now) {
		return e.token, true
	}
	if s.active.CompareAndDelete(intentID, leaseID) && ok && e.revoked.Load() == nil {
		s.releaseReservation(leaseID)
	}
	return nil, false
}

func (s *Service) lookup(leaseID string) (*entry, bool) {
	v, ok := s.leases.Load(leaseID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Validate verifies a presented token and returns its scope for enforcement.
// The issuer and cosigner signatures are checked before expiry and
// revocation.
func (s *Service) Validate(token *contracts.LeaseToken) (contracts.Scope, error) {
	if token == nil {
		return contracts.Scope{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeMalformedToken, "no lease token")
	}
	rk, ok := s.keys.Lookup(token.Issuer)
	if !ok || rk.Role != RoleIssuer {
		return contracts.Scope{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "lease %s issuer %q is not a registered issuer", token.LeaseID, token.Issuer)
	}
	payload, err := tokenSigningBytes(token)
	if err != nil {
		return contracts.Scope{}, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeMalformedToken, "lease %s cannot be encoded", token.LeaseID)
	}
	if valid, err := crypto.VerifyWith(rk.PublicKey, token.Signature, payload); err != nil || !valid {
		return contracts.Scope{}, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeBadSignature, "lease %s signature invalid", token.LeaseID)
	}
	if !token.ExpiresAt.After(token.IssuedAt) {
		return contracts.Scope{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeMalformedToken, "lease %s expires before it is issued", token.LeaseID)
	}
	if err := s.verifyCosigners(token.IntentID, token.Scope, token.Duration(), token.Cosigners); err != nil {
		return contracts.Scope{}, err
	}

	if !s.clock().Before(token.ExpiresAt) {
		return contracts.Scope{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeLeaseExpired, "lease %s expired at %s", token.LeaseID, token.ExpiresAt.Format(time.RFC3339))
	}
	if token.RevokedAt != nil || s.isRevoked(token.LeaseID) {
		return contracts.Scope{}, gateerr.New(gateerr.KindAuthorization, gateerr.CodeLeaseRevoked, "lease %s has been revoked", token.LeaseID)
	}
	return token.Scope.Clone(), nil
}

func (s *Service) isRevoked(leaseID string) bool {
	if e, ok := s.lookup(leaseID); ok {
		return e.revoked.Load() != nil
	}
	_, ok := s.revoked.Load(leaseID)
	return ok
}

// Revoke stamps a lease as revoked. It is idempotent: only the first call
// records an audit event. The revocation takes effect even when the ledger
// is faulted, in which case the fault is returned.
func (s *Service) Revoke(ctx context.Context, leaseID, reason string) error {
	rev := &revocation{at: s.clock().UTC(), reason: reason}

	e, known := s.lookup(leaseID)
	var first bool
	if known {
		first = e.revoked.CompareAndSwap(nil, rev)
	} else {
		_, loaded := s.revoked.LoadOrStore(leaseID, rev)
		first = !loaded
	}
	if !first {
		return nil
	}

	if known {
		s.active.CompareAndDelete(e.token.IntentID, leaseID)
		s.releaseReservation(leaseID)
		s.releaseClaim(e.token.IntentID, leaseID)
	}

	intentID := ""
	if known {
		intentID = e.token.IntentID
	}
	_, err := s.ledger.Append(ctx, audit.Record{
		Actor:   s.issuer.KeyID(),
		Type:    audit.EventLeaseRevoked,
		Subject: leaseID,
		Payload: map[string]any{"reason": reason, "intent_id": intentID, "known": known},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "lease revoked but not audited", "lease_id", leaseID, "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "lease revoked", "lease_id", leaseID, "reason", reason)
	return nil
}

// Get returns a lease by ID with its revocation stamp applied.
func (s *Service) Get(leaseID string) (*contracts.LeaseToken, error) {
	e, ok := s.lookup(leaseID)
	if !ok {
		return nil, gateerr.New(gateerr.KindNotFound, gateerr.CodeNotFound, "lease %s not found", leaseID)
	}
	t := cloneToken(e.token)
	if r := e.revoked.Load(); r != nil {
		at := r.at
		t.RevokedAt = &at
		t.RevokeReason = r.reason
	}
	return t, nil
}

// Active returns the active lease for an intent, if any.
func (s *Service) Active(intentID string) (*contracts.LeaseToken, bool) {
	t, ok := s.activeFor(intentID, s.clock())
	if !ok {
		return nil, false
	}
	return cloneToken(t), true
}
