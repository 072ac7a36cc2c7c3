// Package canonical produces the deterministic byte form of structured
// documents that signatures and digests are computed over.
//
// Rules:
//   - object keys sorted by byte-wise lexicographic order at every level
//   - no insignificant whitespace
//   - numbers in plain decimal: no exponent, no trailing fractional zeros, no "-0"
//   - strings must be valid UTF-8; only '"', '\\' and control characters are escaped
//   - NaN, ±Inf, duplicate object keys and non-JSON Go types are rejected
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	dErrors "maskgate/pkg/domain-errors"
)

// Canonicalize returns the canonical bytes of v. Raw JSON ([]byte,
// json.RawMessage) is parsed first; any other value is marshaled with
// encoding/json and then canonicalized.
func Canonicalize(v any) ([]byte, error) {
	switch value := v.(type) {
	case json.RawMessage:
		return CanonicalizeJSON(value)
	case []byte:
		return CanonicalizeJSON(value)
	case nil, bool, string, json.Number, float64, float32,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		map[string]any, []any:
		buf := &bytes.Buffer{}
		if err := writeValue(buf, value); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fail("value is not representable as JSON: %v", err)
		}
		return CanonicalizeJSON(raw)
	}
}

// CanonicalizeJSON parses raw JSON and returns its canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	value, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if err := writeValue(buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SigningForm returns the canonical form of the JSON object raw with the
// top-level field omit removed. Signatures embedded in a document are
// computed over this form.
func SigningForm(raw []byte, omit string) ([]byte, error) {
	value, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fail("document must be a JSON object")
	}
	delete(obj, omit)

	buf := &bytes.Buffer{}
	if err := writeObject(buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns SHA-256 over the canonical form of v together with the
// canonical bytes.
func Digest(v any) ([32]byte, []byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return sha256.Sum256(b), b, nil
}

// DigestHex is Digest rendered as lowercase hex.
func DigestHex(v any) (string, error) {
	sum, _, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// parseDocument parses exactly one JSON value from raw. The decoder replaces
// invalid UTF-8 with U+FFFD, so raw is checked before it is tokenized.
func parseDocument(raw []byte) (any, error) {
	if !utf8.Valid(raw) {
		return nil, fail("document is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	value, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fail("trailing data after document")
	}
	return value, nil
}

func fail(format string, args ...any) error {
	return dErrors.Newf(dErrors.CodeCanonicalization, format, args...)
}

// parseValue walks the token stream so duplicate keys can be detected;
// decoding into map[string]any would silently keep the last one.
func parseValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fail("invalid JSON: %v", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := map[string]any{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fail("invalid JSON: %v", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fail("invalid object key")
				}
				if _, dup := obj[key]; dup {
					return nil, fail("duplicate object key %q", key)
				}
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj[key] = v
			}
			if _, err := dec.Token(); err != nil {
				return nil, fail("invalid JSON: %v", err)
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fail("invalid JSON: %v", err)
			}
			return arr, nil
		default:
			return nil, fail("unexpected delimiter %q", t)
		}
	default:
		return t, nil
	}
}

func writeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, v)
	case json.Number:
		num, err := formatNumber(v.String())
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float64:
		num, err := formatFloat(v)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float32:
		num, err := formatFloat(float64(v))
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		return writeArray(buf, v)
	default:
		return fail("unsupported type %T", value)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

const hexLower = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fail("string is not valid UTF-8")
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// formatNumber renders a JSON number literal. Integer literals go through
// big.Int so values beyond 2^53 keep every digit.
func formatNumber(lit string) (string, error) {
	if !strings.ContainsAny(lit, ".eE") {
		n, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return "", fail("invalid number %q", lit)
		}
		return n.String(), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", fail("invalid number %q", lit)
	}
	return formatFloat(f)
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fail("NaN and infinite numbers are not allowed")
	}
	if f == 0 {
		return "0", nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
