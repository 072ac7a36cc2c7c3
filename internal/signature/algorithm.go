package signature

import (
	"strings"

	dErrors "maskgate/pkg/domain-errors"
)

// Algorithm is the closed set of supported signature schemes.
type Algorithm int

const (
	AlgUnknown Algorithm = iota
	AlgEd25519
	AlgP256
	AlgSecp256k1
)

var aliases = map[string]Algorithm{
	"eddsa":     AlgEd25519,
	"ed25519":   AlgEd25519,
	"es256":     AlgP256,
	"p256":      AlgP256,
	"p-256":     AlgP256,
	"secp256k1": AlgSecp256k1,
	"es256k":    AlgSecp256k1,
}

// ParseAlgorithm normalizes a free-text algorithm name. Unknown names fail
// with CodeUnsupportedAlgorithm; there is no default.
func ParseAlgorithm(name string) (Algorithm, error) {
	alg, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return AlgUnknown, dErrors.Newf(dErrors.CodeUnsupportedAlgorithm, "unsupported signature algorithm %q", name)
	}
	return alg, nil
}

// String returns the canonical name written into signature blocks.
func (a Algorithm) String() string {
	switch a {
	case AlgEd25519:
		return "ed25519"
	case AlgP256:
		return "es256"
	case AlgSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

func (a Algorithm) valid() bool {
	return a == AlgEd25519 || a == AlgP256 || a == AlgSecp256k1
}
