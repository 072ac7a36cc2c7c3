package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maskgate/internal/platform/retry"
)

const (
	// SignatureHeader carries "sha256=" + hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Maskgate-Signature"
	EventHeader     = "X-Maskgate-Event"
)

var errPermanent = errors.New("webhook refused notification")

// Webhook posts notifications for warrants whose policy asks for subject
// notification. Other notifications are skipped.
type Webhook struct {
	url    string
	secret []byte
	policy retry.Policy
	httpDo func(*http.Request) (*http.Response, error)
}

type WebhookOption func(*Webhook)

func WithRetryPolicy(p retry.Policy) WebhookOption {
	return func(w *Webhook) {
		w.policy = p
	}
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.httpDo = c.Do
		}
	}
}

func NewWebhook(url string, secret []byte, opts ...WebhookOption) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	w := &Webhook{
		url:    url,
		secret: secret,
		policy: retry.ProcessingPolicy(),
		httpDo: client.Do,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if !n.NotifySubject {
		return nil
	}
	body, err := json.Marshal(struct {
		Event string `json:"event"`
		Notification
	}{Event: "receipt_issued", Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	signature := Sign(w.secret, body)

	classify := func(err error) retry.Class {
		if errors.Is(err, errPermanent) {
			return retry.Permanent
		}
		return retry.Transient
	}
	_, err = w.policy.Do(ctx, classify, func(ctx context.Context, _ int) error {
		return w.post(ctx, body, signature)
	}, nil)
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w: %w", err, errPermanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(EventHeader, "receipt_issued")

	resp, err := w.httpDo(req)
	if err != nil {
		return fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("webhook returned %d: %w", resp.StatusCode, errPermanent)
	}
}
