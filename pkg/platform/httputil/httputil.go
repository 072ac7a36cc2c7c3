// Package httputil holds the JSON response helpers shared by handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "maskgate/pkg/domain-errors"
)

// MaxBodyBytes bounds request bodies; warrants and attestations are small documents.
const MaxBodyBytes = 1 << 20

// Envelope is the body of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a 200 envelope carrying data.
func WriteSuccess(w http.ResponseWriter, code string, data any) {
	WriteJSON(w, http.StatusOK, Envelope{Success: true, Code: code, Data: data})
}

// WriteError maps a domain error to a status and a failure envelope.
// Internal errors never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorData(w, err, nil)
}

// WriteErrorData is WriteError with a data payload, such as the state the
// request left behind.
func WriteErrorData(w http.ResponseWriter, err error, data any) {
	code := dErrors.CodeOf(err)
	msg := dErrors.MessageOf(err)
	if code == dErrors.CodeInternal {
		msg = "internal error"
	}
	WriteJSON(w, StatusFor(code), Envelope{Code: string(code), Error: msg, Data: data})
}

// StatusFor translates an error code into an HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput,
		dErrors.CodeSchemaInvalid, dErrors.CodeUnsupportedAlgorithm,
		dErrors.CodeCanonicalization, dErrors.CodeSubjectTagMismatch:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized, dErrors.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden, dErrors.CodeExpired, dErrors.CodeNotYetValid:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeLedgerPermanent, dErrors.CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable, dErrors.CodeLedgerTransient, dErrors.CodeProcessingFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReadBody reads a bounded request body. Documents are kept as raw bytes
// because their signatures cover the exact members sent.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, dErrors.New(dErrors.CodeBadRequest, "request body too large")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return body, nil
}

// DecodeJSON strictly decodes a bounded request body into v. Unknown fields
// are rejected so that the signed form and the decoded form cannot diverge.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return dErrors.New(dErrors.CodeBadRequest, "request body too large")
		}
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body: "+err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body: trailing data")
	}
	return nil
}
