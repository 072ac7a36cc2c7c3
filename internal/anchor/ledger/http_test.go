package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskgate/internal/anchor"
	"maskgate/pkg/platform/sentinel"
)

func newRelay(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL+"/", "relay-key", srv.Client())
	require.NoError(t, err)
	return c
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient("  ", "", nil)
	require.Error(t, err)
}

func TestHTTPClientSubmit(t *testing.T) {
	var got submitBody
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/anchors", r.URL.Path)
		assert.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(anchor.Receipt{
			TransactionHash: "0xabc",
			BlockNumber:     42,
			Account:         got.Account,
			Sequence:        got.Sequence,
			Key:             got.Key,
		})
	})

	rec, err := c.Submit(context.Background(), "acct", 7, "k1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", rec.TransactionHash)
	assert.Equal(t, uint64(42), rec.BlockNumber)
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, validRequest(), got.Anchor)
}

func TestHTTPClientLookupAndSequence(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/anchors/digest:abc":
			_, _ = w.Write([]byte(`{"transactionHash":"0x1","blockNumber":3,"key":"digest:abc"}`))
		case "/v1/accounts/acct/sequence":
			_, _ = w.Write([]byte(`{"next":9}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rec, err := c.Lookup(context.Background(), "digest:abc")
	require.NoError(t, err)
	assert.Equal(t, "0x1", rec.TransactionHash)

	_, err = c.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	next, err := c.NextSequence(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), next)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"sequence mismatch", http.StatusConflict, `{"code":"sequence_mismatch","message":"expected 4"}`, anchor.ErrSequence},
		{"other conflict", http.StatusConflict, `{"code":"duplicate"}`, anchor.ErrRejected},
		{"bad request", http.StatusBadRequest, `{"message":"bad digest"}`, anchor.ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, ``, anchor.ErrRejected},
		{"rate limited", http.StatusTooManyRequests, ``, sentinel.ErrUnavailable},
		{"server error", http.StatusInternalServerError, ``, sentinel.ErrUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ``, sentinel.ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newRelay(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Submit(context.Background(), "acct", 0, "k", validRequest())
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestHTTPClientDeadlineIsUnknownOutcome(t *testing.T) {
	release := make(chan struct{})
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, "acct", 0, "k", validRequest())
	require.ErrorIs(t, err, sentinel.ErrTimeout)
}

func TestHTTPClientUndecodableBodyIsTransient(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	_, err := c.NextSequence(context.Background(), "acct")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}
