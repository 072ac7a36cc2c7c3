// Package signature signs and verifies canonical document bytes with
// Ed25519, ECDSA P-256 and secp256k1 ECDSA.
//
// Message digests per scheme:
//   - Ed25519 signs the canonical bytes directly.
//   - P-256 signs SHA-256(canonical); signatures are ASN.1 DER, raw r||s is
//     accepted on verify.
//   - secp256k1 signs Keccak-256(canonical) so receipts verify on EVM
//     ledgers; signatures are DER, raw r||s is accepted on verify.
package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	dErrors "maskgate/pkg/domain-errors"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

// Keccak256 is the legacy (pre-NIST) Keccak digest used by EVM chains.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Sign signs canonical with a raw private key: a 32-byte seed (or 64-byte
// key) for Ed25519, a 32-byte scalar for P-256 and secp256k1.
func Sign(canonical, privateKey []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgEd25519:
		key, err := ed25519Private(privateKey)
		if err != nil {
			return nil, err
		}
		return ed25519.Sign(key, canonical), nil
	case AlgP256:
		key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), privateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		digest := sha256.Sum256(canonical)
		return ecdsa.SignASN1(rand.Reader, key, digest[:])
	case AlgSecp256k1:
		if len(privateKey) != 32 {
			return nil, ErrInvalidPrivateKey
		}
		key := secp256k1.PrivKeyFromBytes(privateKey)
		defer key.Zero()
		return secpecdsa.Sign(key, Keccak256(canonical)).Serialize(), nil
	default:
		return nil, dErrors.Newf(dErrors.CodeUnsupportedAlgorithm, "unsupported signature algorithm %d", alg)
	}
}

// Verify reports whether sig is a valid signature over canonical for the
// given public key. Any malformed input yields false.
func Verify(canonical, sig, publicKey []byte, alg Algorithm) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(sig) == 0 || len(publicKey) == 0 {
		return false
	}

	switch alg {
	case AlgEd25519:
		if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), canonical, sig)
	case AlgP256:
		pub, err := parseP256Public(publicKey)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(canonical)
		if len(sig) == 64 {
			r := new(big.Int).SetBytes(sig[:32])
			s := new(big.Int).SetBytes(sig[32:])
			return ecdsa.Verify(pub, digest[:], r, s)
		}
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case AlgSecp256k1:
		pub, err := secp256k1.ParsePubKey(publicKey)
		if err != nil {
			return false
		}
		parsed, err := parseSecp256k1Signature(sig)
		if err != nil {
			return false
		}
		return parsed.Verify(Keccak256(canonical), pub)
	default:
		return false
	}
}

// PublicKeyFor derives the public key bytes matching a raw private key, in
// the encoding Verify accepts.
func PublicKeyFor(privateKey []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgEd25519:
		key, err := ed25519Private(privateKey)
		if err != nil {
			return nil, err
		}
		return []byte(key.Public().(ed25519.PublicKey)), nil
	case AlgP256:
		key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), privateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return key.PublicKey.Bytes()
	case AlgSecp256k1:
		if len(privateKey) != 32 {
			return nil, ErrInvalidPrivateKey
		}
		return secp256k1.PrivKeyFromBytes(privateKey).PubKey().SerializeCompressed(), nil
	default:
		return nil, dErrors.Newf(dErrors.CodeUnsupportedAlgorithm, "unsupported signature algorithm %d", alg)
	}
}

// GenerateKey returns a fresh raw private key and its public key.
func GenerateKey(alg Algorithm) (privateKey, publicKey []byte, err error) {
	switch alg {
	case AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return priv.Seed(), []byte(pub), nil
	case AlgP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		priv, err := key.Bytes()
		if err != nil {
			return nil, nil, err
		}
		pub, err := key.PublicKey.Bytes()
		if err != nil {
			return nil, nil, err
		}
		return priv, pub, nil
	case AlgSecp256k1:
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
		return key.Serialize(), key.PubKey().SerializeCompressed(), nil
	default:
		return nil, nil, dErrors.Newf(dErrors.CodeUnsupportedAlgorithm, "unsupported signature algorithm %d", alg)
	}
}

func ed25519Private(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, ErrInvalidPrivateKey
	}
}

// parseP256Public accepts an uncompressed SEC1 point or a PKIX DER key.
func parseP256Public(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) == 65 && raw[0] == 0x04 {
		return ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw)
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

func parseSecp256k1Signature(sig []byte) (*secpecdsa.Signature, error) {
	if len(sig) != 64 {
		return secpecdsa.ParseDERSignature(sig)
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return nil, errors.New("r overflows curve order")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return nil, errors.New("s overflows curve order")
	}
	return secpecdsa.NewSignature(&r, &s), nil
}
