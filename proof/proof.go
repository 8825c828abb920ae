// Package proof authenticates caller identities with a pre-shared secret.
//
// A proof is the lower-case hex HMAC-SHA256 of the identity ID keyed with
// the shared secret. Clients compute it once per identity; the service
// recomputes and compares in constant time.
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Authenticator verifies identity proofs.
type Authenticator struct {
	key []byte
}

// New creates an Authenticator for the given shared secret.
func New(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("proof: shared secret is required")
	}
	return &Authenticator{key: []byte(secret)}, nil
}

// Sign returns the proof for identityID.
func (a *Authenticator) Sign(identityID string) string {
	return hex.EncodeToString(a.mac(identityID))
}

// Verify reports whether proof is valid for identityID. It never fails
// loudly: malformed or mismatched input simply returns false.
func (a *Authenticator) Verify(identityID, proof string) bool {
	if identityID == "" || proof == "" {
		return false
	}
	got, err := hex.DecodeString(proof)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, a.mac(identityID))
}

func (a *Authenticator) mac(identityID string) []byte {
	m := hmac.New(sha256.New, a.key)
	_, _ = m.Write([]byte(identityID))
	return m.Sum(nil)
}

// EqualSecret compares two secrets in constant time regardless of length.
func EqualSecret(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return hmac.Equal(ha[:], hb[:])
}
