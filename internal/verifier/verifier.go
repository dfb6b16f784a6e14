// Package verifier defines the credential-verifier capability the QUICVC
// engine treats as opaque (verify a credential against an expected
// subject, yielding verified identity material or a rejection), and ships
// one concrete, swappable implementation of it.
package verifier

import (
	"context"
	"errors"
)

// Credential is the structured identity document the engine carries
// opaquely and hands to the verifier. The engine itself never inspects
// these fields beyond passing Subject through.
type Credential struct {
	ID         string
	Issuer     string
	Subject    string
	DeviceID   string
	DeviceType string
	IssuedAt   int64
	ExpiresAt  int64
	Proof      []byte
}

// VerifiedInfo is the verifier's successful output, required for key
// derivation and caller notification.
type VerifiedInfo struct {
	IssuerPersonID    string
	SubjectDeviceID   string
	SubjectPublicKey  []byte
	Raw               []byte
}

// ErrRejected is returned when a credential fails verification: expired,
// wrong issuer, or an invalid proof.
var ErrRejected = errors.New("verifier: credential rejected")

// Verifier validates credentials on behalf of the engine. The engine
// depends only on this interface; it never constructs a Verifier itself.
type Verifier interface {
	Verify(ctx context.Context, cred Credential, expectedSubject string) (VerifiedInfo, error)
}
