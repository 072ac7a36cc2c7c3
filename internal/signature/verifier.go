package signature

import (
	"context"
)

// PublicKey is verification key material resolved by key id.
type PublicKey struct {
	ID        string
	Algorithm Algorithm
	Key       []byte
}

// KeyResolver supplies public keys by id. Implementations must not return
// cached material the caller is expected to retain.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, keyID string) (PublicKey, error)
}

// Signer signs canonical bytes with the key held under keyID.
type Signer interface {
	Sign(ctx context.Context, keyID string, canonical []byte) ([]byte, Algorithm, error)
}

// Verifier checks signatures against keys resolved at call time.
type Verifier struct {
	keys KeyResolver
}

func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys}
}

// Verify resolves keyID and checks sig over canonical. Resolution failures,
// algorithm mismatches and malformed material all report false.
func (v *Verifier) Verify(ctx context.Context, canonical, sig []byte, keyID string, alg Algorithm) bool {
	if v == nil || v.keys == nil || !alg.valid() || keyID == "" {
		return false
	}
	key, err := v.keys.ResolvePublicKey(ctx, keyID)
	if err != nil {
		return false
	}
	if key.Algorithm != alg {
		return false
	}
	return Verify(canonical, sig, key.Key, alg)
}
