package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier is a reference implementation of Verifier: it treats a
// credential's Proof field as a signed JWT, checks its HMAC signature with
// the key registered for the credential's issuer, and requires an
// unexpired expiry claim and a subject claim equal to the expected
// subject. The device-id claim is returned as SubjectDeviceID without
// being compared to the credential's DeviceID.
//
// This is one concrete, swappable implementation of the Verifier
// capability -- not part of the core engine contract. Real deployments
// are expected to supply their own Verifier backed by whatever credential
// format and trust store they actually use.
type JWTVerifier struct {
	issuerKeys map[string][]byte
}

// NewJWTVerifier returns a JWTVerifier trusting the given issuer -> HMAC
// key mapping.
func NewJWTVerifier(issuerKeys map[string][]byte) *JWTVerifier {
	return &JWTVerifier{issuerKeys: issuerKeys}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, cred Credential, expectedSubject string) (VerifiedInfo, error) {
	key, ok := v.issuerKeys[cred.Issuer]
	if !ok {
		return VerifiedInfo{}, fmt.Errorf("%w: unknown issuer %q", ErrRejected, cred.Issuer)
	}

	var claims jwtClaims
	token, err := jwt.ParseWithClaims(string(cred.Proof), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrRejected, t.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return VerifiedInfo{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if claims.Subject != expectedSubject {
		return VerifiedInfo{}, fmt.Errorf("%w: subject mismatch", ErrRejected)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return VerifiedInfo{}, fmt.Errorf("%w: expired", ErrRejected)
	}

	return VerifiedInfo{
		IssuerPersonID:   cred.Issuer,
		SubjectDeviceID:  claims.DeviceID,
		SubjectPublicKey: []byte(claims.PublicKey),
		Raw:              cred.Proof,
	}, nil
}
