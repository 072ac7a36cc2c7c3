// Package schema performs structural and semantic validation of warrants,
// attestations and receipts. It runs before any cryptographic work and
// reports only the first violation found.
package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"maskgate/internal/warrant/models"
	dErrors "maskgate/pkg/domain-errors"
)

// Result is the outcome of a validation: Valid, or the first violation.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// OK is a passing result.
func OK() Result {
	return Result{Valid: true}
}

// Invalid is a failing result with the violated rule.
func Invalid(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Err converts a failing result into a schema_invalid domain error.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return dErrors.New(dErrors.CodeSchemaInvalid, r.Error)
}

const (
	maxIDLength         = 128
	maxLegalBasisLength = 512
	maxAudienceLength   = 256
	maxDenialLength     = 512
	minNonceLength      = 16
	maxNonceLength      = 128
	maxAnchors          = 16
	maxSLASeconds       = 365 * 24 * 60 * 60
)

var (
	hex64Pattern     = regexp.MustCompile(`^[0-9a-f]{64}$`)
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)
	namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
)

// Validator holds deployment-specific rules.
type Validator struct {
	audience string
}

// Option configures a Validator.
type Option func(*Validator)

// WithAudience requires warrants to name this audience.
func WithAudience(aud string) Option {
	return func(v *Validator) {
		v.audience = aud
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// checker records the first failed rule and ignores the rest.
type checker struct {
	failure string
}

func (c *checker) rule(ok bool, format string, args ...any) {
	if c.failure == "" && !ok {
		c.failure = fmt.Sprintf(format, args...)
	}
}

func (c *checker) failed() bool {
	return c.failure != ""
}

func (c *checker) result() Result {
	if c.failure != "" {
		return Result{Error: c.failure}
	}
	return OK()
}

func (c *checker) identifier(field, value string) {
	c.rule(value != "", "%s is required", field)
	c.rule(len(value) <= maxIDLength, "%s exceeds %d characters", field, maxIDLength)
	c.rule(idPattern.MatchString(value), "%s contains invalid characters", field)
}

// IsIdentifier reports whether s is usable as a document or enterprise id.
func IsIdentifier(s string) bool {
	return s != "" && len(s) <= maxIDLength && idPattern.MatchString(s)
}

func (c *checker) hex64(field, value string) {
	c.rule(value != "", "%s is required", field)
	c.rule(hex64Pattern.MatchString(value), "%s must be 64 lowercase hex characters", field)
}

func (c *checker) timestamp(field, value string) time.Time {
	c.rule(value != "", "%s is required", field)
	if c.failed() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	c.rule(err == nil, "%s must be an RFC3339 timestamp", field)
	return t
}

func (c *checker) signatureBlock(sig *models.SignatureBlock) {
	c.rule(sig != nil, "signature is required")
	if c.failed() {
		return
	}
	c.rule(sig.Alg != "", "signature.alg is required")
	c.rule(sig.KeyID != "", "signature.kid is required")
	c.rule(sig.Sig != "", "signature.sig is required")
	if c.failed() {
		return
	}
	_, err := base64.StdEncoding.DecodeString(sig.Sig)
	c.rule(err == nil, "signature.sig must be base64")
}

// Decode strictly decodes raw JSON into dst. Unknown fields, trailing data
// and type mismatches fail as schema violations.
func Decode(raw []byte, dst any) Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return Invalid("malformed document: %s", describeDecodeError(err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Invalid("malformed document: trailing data")
	}
	return OK()
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %s has the wrong type", typeErr.Field)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("invalid JSON at offset %d", syntaxErr.Offset)
	}
	return err.Error()
}
