// Package subjecttag derives keyed, non-reversible subject identifiers.
//
// tag = HMAC-SHA256(controllerKey, subjectIdentifier || context)
//
// The context separates tag spaces (the issuing enterprise id in warrant
// processing) so the same subject never correlates across controllers.
package subjecttag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	dErrors "maskgate/pkg/domain-errors"
)

// Size is the tag length in bytes.
const Size = sha256.Size

// Tag is a derived subject identifier.
type Tag [Size]byte

func (t Tag) String() string {
	return hex.EncodeToString(t[:])
}

// MinKeySize is the shortest controller key accepted.
const MinKeySize = 16

// Derive computes the tag. The key must be at least MinKeySize bytes.
func Derive(controllerKey []byte, subjectIdentifier, context string) (Tag, error) {
	if len(controllerKey) < MinKeySize {
		return Tag{}, dErrors.Newf(dErrors.CodeInvalidInput, "controller key must be at least %d bytes", MinKeySize)
	}
	if subjectIdentifier == "" {
		return Tag{}, dErrors.New(dErrors.CodeInvalidInput, "subject identifier is required")
	}
	mac := hmac.New(sha256.New, controllerKey)
	mac.Write([]byte(subjectIdentifier))
	mac.Write([]byte(context))

	var t Tag
	copy(t[:], mac.Sum(nil))
	return t, nil
}

// Verify recomputes the tag from the claimed inputs and compares it in
// constant time against the supplied hex tag.
func Verify(controllerKey []byte, subjectIdentifier, context, claimedHex string) (bool, error) {
	claimed, err := hex.DecodeString(claimedHex)
	if err != nil || len(claimed) != Size {
		return false, nil
	}
	want, err := Derive(controllerKey, subjectIdentifier, context)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want[:], claimed), nil
}

// Parse decodes a hex tag.
func Parse(s string) (Tag, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != Size {
		return Tag{}, dErrors.New(dErrors.CodeInvalidInput, "subject tag must be 64 hex characters")
	}
	var t Tag
	copy(t[:], raw)
	return t, nil
}
