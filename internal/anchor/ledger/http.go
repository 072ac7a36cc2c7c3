package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"maskgate/internal/anchor"
	"maskgate/pkg/platform/sentinel"
)

const maxResponseBytes = 64 * 1024

// HTTPClient talks to a ledger relay that holds the account keys and
// submits transactions on our behalf.
//
//	POST /v1/anchors                      submit
//	GET  /v1/anchors/{key}                lookup
//	GET  /v1/accounts/{account}/sequence  next sequence
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpDo  func(*http.Request) (*http.Response, error)
}

// NewHTTPClient builds a relay client. A nil httpClient uses
// http.DefaultClient; per-call deadlines come from the context.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("ledger base url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpDo:  doer,
	}, nil
}

type submitBody struct {
	Account  string         `json:"account"`
	Sequence uint64         `json:"sequence"`
	Key      string         `json:"key"`
	Anchor   anchor.Request `json:"anchor"`
}

type relayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Submit(ctx context.Context, account string, seq uint64, key string, req anchor.Request) (anchor.Receipt, error) {
	body, err := json.Marshal(submitBody{Account: account, Sequence: seq, Key: key, Anchor: req})
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("encode anchor: %w", err)
	}
	var rec anchor.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/anchors", body, &rec); err != nil {
		return anchor.Receipt{}, err
	}
	return rec, nil
}

func (c *HTTPClient) Lookup(ctx context.Context, key string) (anchor.Receipt, error) {
	var rec anchor.Receipt
	if err := c.do(ctx, http.MethodGet, "/v1/anchors/"+url.PathEscape(key), nil, &rec); err != nil {
		return anchor.Receipt{}, err
	}
	return rec, nil
}

func (c *HTTPClient) NextSequence(ctx context.Context, account string) (uint64, error) {
	var out struct {
		Next uint64 `json:"next"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/sequence", nil, &out); err != nil {
		return 0, err
	}
	return out.Next, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, dst any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpDo(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode ledger response: %w: %w", err, sentinel.ErrUnavailable)
		}
		return nil
	}
	return statusError(resp.StatusCode, raw)
}

// transportError maps client-side failures. A deadline means the request
// may have been processed, so it is reported as a timeout (unknown outcome).
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ledger call: %w: %w", err, sentinel.ErrTimeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("ledger call: %w", ctx.Err())
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("ledger call: %w: %w", err, sentinel.ErrTimeout)
	}
	return fmt.Errorf("ledger call: %w: %w", err, sentinel.ErrUnavailable)
}

func statusError(status int, raw []byte) error {
	var re relayError
	_ = json.Unmarshal(raw, &re)
	msg := re.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("ledger: %s: %w", msg, sentinel.ErrNotFound)
	case status == http.StatusConflict && re.Code == "sequence_mismatch":
		return fmt.Errorf("ledger: %s: %w", msg, anchor.ErrSequence)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("ledger: %s: %w", msg, sentinel.ErrTimeout)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("ledger: %s: %w", msg, sentinel.ErrUnavailable)
	case status >= 400:
		return fmt.Errorf("ledger: %s: %w", msg, anchor.ErrRejected)
	default:
		return fmt.Errorf("ledger: unexpected status %d: %w", status, sentinel.ErrUnavailable)
	}
}
