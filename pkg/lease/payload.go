package lease

import (
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
)

// SigningPayload returns the canonical bytes a cosigner signs to endorse a
// lease for intentID with the given scope and lifetime. The scope is
// normalized first, so any spelling of the same scope yields the same bytes.
func SigningPayload(intentID string, scope contracts.Scope, duration time.Duration) ([]byte, error) {
	ns, err := NormalizeScope(scope)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalMarshal(struct {
		Type       string          `json:"type"`
		IntentID   string          `json:"intent_id"`
		Scope      contracts.Scope `json:"scope"`
		DurationMs int64           `json:"duration_ms"`
	}{
		Type:       "leasegate.cosign.v1",
		IntentID:   intentID,
		Scope:      ns,
		DurationMs: duration.Milliseconds(),
	})
}

// tokenSigningBytes is what the issuer signs: the full token minus its own
// signature and the revocation stamp.
func tokenSigningBytes(t *contracts.LeaseToken) ([]byte, error) {
	c := *t
	c.Signature = ""
	c.RevokedAt = nil
	c.RevokeReason = ""
	return crypto.CanonicalMarshal(c)
}

func cloneToken(t *contracts.LeaseToken) *contracts.LeaseToken {
	c := *t
	c.Scope = t.Scope.Clone()
	if t.Cosigners != nil {
		c.Cosigners = make([]contracts.Cosigner, len(t.Cosigners))
		copy(c.Cosigners, t.Cosigners)
	}
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}
