package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskgate/internal/anchor"
	"maskgate/internal/anchor/ledger"
	"maskgate/internal/platform/retry"
	"maskgate/internal/signature"
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/service"
	"maskgate/internal/warrant/store"
	"maskgate/pkg/testutil"
)

type fixture struct {
	docs   *testutil.Documents
	ledger *ledger.Memory
	router http.Handler
}

func newWarrantRouter(t *testing.T) *fixture {
	t.Helper()
	docs := testutil.NewDocuments(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := ledger.NewMemory()
	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	gateway := anchor.New(mem, anchor.WithPolicy(fast), anchor.WithLogger(logger))
	t.Cleanup(gateway.Close)

	svc, err := service.New(
		store.NewInMemoryRecords(),
		store.NewInMemoryArchive(),
		gateway,
		signature.NewVerifier(docs.Keys),
		docs.Keys,
		service.Config{
			ControllerDID: testutil.ControllerDID,
			TagKey:        testutil.TagKey,
			SigningKeyID:  testutil.ControllerKey,
		},
		service.WithLogger(logger),
		service.WithProcessingPolicy(fast),
	)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/health", HandleHealth)
	New(svc, logger).Register(r)
	return &fixture{docs: docs, ledger: mem, router: r}
}

// do sends body as the given enterprise at the fixture's pinned time.
func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = testutil.WithEnterprise(req, testutil.EnterpriseID)
	req = testutil.WithTime(req, f.docs.Now)
	return testutil.DoRequest(f.router, req)
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func TestSubmitWarrant(t *testing.T) {
	f := newWarrantRouter(t)
	raw := f.docs.SignWarrant(t, f.docs.Warrant("w-1", "jti-1"), testutil.IssuerEd25519)

	rr := f.do(t, http.MethodPost, "/warrants", raw)
	testutil.AssertStatusOK(t, rr)

	env := decode(t, rr)
	assert.True(t, env.Success)
	assert.Equal(t, "anchored", env.Code)
	var data AnchoredResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, models.StateAnchored, data.State)
	assert.NotEmpty(t, data.TransactionReference)
	assert.NotZero(t, data.BlockNumber)

	t.Run("resubmitting returns the same reference", func(t *testing.T) {
		again := decode(t, f.do(t, http.MethodPost, "/warrants", raw))
		var second AnchoredResponse
		require.NoError(t, json.Unmarshal(again.Data, &second))
		assert.Equal(t, data.TransactionReference, second.TransactionReference)
		assert.Len(t, f.ledger.Writes(), 1)
	})
}

func TestSubmitWarrantErrors(t *testing.T) {
	f := newWarrantRouter(t)

	expired := f.docs.Warrant("w-expired", "jti-1")
	expired.Expiry = f.docs.Now.Unix() - 1

	tampered := f.docs.SignWarrant(t, f.docs.Warrant("w-tampered", "jti-1"), testutil.IssuerEd25519)
	tampered = bytes.Replace(tampered, []byte("Art. 17 GDPR"), []byte("Art. 18 GDPR"), 1)

	otherEnterprise := f.docs.Warrant("w-other", "jti-1")
	otherEnterprise.EnterpriseID = "ent-other"

	noAnchors := f.docs.Warrant("w-empty", "jti-1")
	noAnchors.Subject.Anchors = nil

	tests := []struct {
		name   string
		body   []byte
		status int
		code   string
	}{
		{name: "empty body", body: nil, status: http.StatusBadRequest, code: "bad_request"},
		{name: "malformed json", body: []byte(`{"id":`), status: http.StatusBadRequest, code: "schema_invalid"},
		{name: "schema violation", body: f.docs.SignWarrant(t, noAnchors, testutil.IssuerEd25519), status: http.StatusBadRequest, code: "schema_invalid"},
		{name: "bad signature", body: tampered, status: http.StatusUnauthorized, code: "signature_invalid"},
		{name: "expired", body: f.docs.SignWarrant(t, expired, testutil.IssuerEd25519), status: http.StatusForbidden, code: "expired"},
		{name: "enterprise mismatch", body: f.docs.SignWarrant(t, otherEnterprise, testutil.IssuerEd25519), status: http.StatusForbidden, code: "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/warrants", tt.body)
			testutil.AssertStatus(t, rr, tt.status)

			env := decode(t, rr)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Code)
			assert.NotEmpty(t, env.Error)
			var data StateResponse
			require.NoError(t, json.Unmarshal(env.Data, &data))
			assert.Equal(t, models.StateRejected, data.State)
		})
	}
	assert.Empty(t, f.ledger.Writes())
}

func TestSubmitWarrantIDReuse(t *testing.T) {
	f := newWarrantRouter(t)
	testutil.AssertStatusOK(t, f.do(t, http.MethodPost, "/warrants",
		f.docs.SignWarrant(t, f.docs.Warrant("w-1", "jti-1"), testutil.IssuerEd25519)))

	rr := f.do(t, http.MethodPost, "/warrants",
		f.docs.SignWarrant(t, f.docs.Warrant("w-1", "jti-2"), testutil.IssuerEd25519))
	testutil.AssertStatus(t, rr, http.StatusConflict)
	assert.Equal(t, "conflict", decode(t, rr).Code)
}

func TestConfirmAttestation(t *testing.T) {
	f := newWarrantRouter(t)
	w := f.docs.Warrant("w-1", "jti-1")
	testutil.AssertStatusOK(t, f.do(t, http.MethodPost, "/warrants", f.docs.SignWarrant(t, w, testutil.IssuerEd25519)))

	t.Run("unknown warrant is 404", func(t *testing.T) {
		other := f.docs.Warrant("w-unknown", "jti-1")
		rr := f.do(t, http.MethodPost, "/attestations",
			f.docs.SignAttestation(t, f.docs.Attestation(t, other, "att-x"), testutil.EnforcerKey))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})

	t.Run("valid attestation returns the receipt", func(t *testing.T) {
		rr := f.do(t, http.MethodPost, "/attestations",
			f.docs.SignAttestation(t, f.docs.Attestation(t, w, "att-1"), testutil.EnforcerKey))
		testutil.AssertStatusOK(t, rr)

		env := decode(t, rr)
		assert.Equal(t, "receipted", env.Code)
		var data ReceiptedResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, models.StateReceipted, data.State)
		require.NotNil(t, data.Receipt)
		assert.Equal(t, "w-1", data.Receipt.WarrantID)
		assert.NotNil(t, data.Receipt.Signature)
	})

	t.Run("status reflects the receipt", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/status/w-1", nil)
		testutil.AssertStatusOK(t, rr)
		var rec models.AnchorRecord
		require.NoError(t, json.Unmarshal(decode(t, rr).Data, &rec))
		assert.Equal(t, models.StateReceipted, rec.State)
		assert.NotEmpty(t, rec.ReceiptID)
	})
}

func TestConfirmRequiresAnchoredWarrant(t *testing.T) {
	f := newWarrantRouter(t)
	w := f.docs.Warrant("w-1", "jti-1")
	w.Expiry = f.docs.Now.Unix() - 1
	testutil.AssertStatus(t, f.do(t, http.MethodPost, "/warrants", f.docs.SignWarrant(t, w, testutil.IssuerEd25519)), http.StatusForbidden)

	rr := f.do(t, http.MethodPost, "/attestations",
		f.docs.SignAttestation(t, f.docs.Attestation(t, w, "att-1"), testutil.EnforcerKey))
	testutil.AssertStatus(t, rr, http.StatusConflict)
}

func TestStatusUnknownWarrant(t *testing.T) {
	f := newWarrantRouter(t)
	rr := f.do(t, http.MethodGet, "/status/w-missing", nil)
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}

func TestHealth(t *testing.T) {
	f := newWarrantRouter(t)
	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/health"))
	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "status", "ok")
}
