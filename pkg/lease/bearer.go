package lease

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
)

// BearerClaims carries a full lease token, in wire format, inside a
// compact JWT.
type BearerClaims struct {
	jwt.RegisteredClaims
	Lease json.RawMessage `json:"lease"`
}

// EncodeBearer wraps a token in an EdDSA JWT signed by signer, with the
// signer's key ID in the "kid" header.
func EncodeBearer(t *contracts.LeaseToken, signer *crypto.Ed25519Signer) (string, error) {
	wire, err := MarshalWire(t)
	if err != nil {
		return "", err
	}
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.LeaseID,
			Subject:   t.Subject,
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		Lease: wire,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = signer.KeyID()
	return tok.SignedString(signer.PrivateKey())
}

// DecodeBearer verifies the JWT envelope against the issuer key named by
// "kid" and returns the embedded lease. Expiry and revocation are left to
// Service.Validate so they surface with lease error codes.
func DecodeBearer(bearer string, keys *crypto.KeyRing) (*contracts.LeaseToken, error) {
	claims := &BearerClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		rk, ok := keys.Lookup(kid)
		if !ok || rk.Role != RoleIssuer {
			return nil, fmt.Errorf("unknown issuer key %q", kid)
		}
		return rk.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, malformed(err, "bearer token rejected")
	}
	t, err := UnmarshalWire(claims.Lease)
	if err != nil {
		return nil, err
	}
	if claims.ID != t.LeaseID || claims.Issuer != t.Issuer {
		return nil, malformed(nil, "bearer envelope does not match embedded lease")
	}
	return t, nil
}
