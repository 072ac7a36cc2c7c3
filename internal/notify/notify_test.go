package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskgate/internal/platform/kafka/producer"
	"maskgate/internal/platform/retry"
	"maskgate/internal/warrant/models"
)

func notification(notify bool) Notification {
	return Notification{
		WarrantID:     "w-1",
		EnterpriseID:  "ent-acme",
		SubjectTag:    "ab",
		NotifySubject: notify,
		Receipt: models.MaskReceipt{
			ID:        "r-1",
			WarrantID: "w-1",
			Status:    models.StatusDeleted,
		},
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestWebhookSignsBody(t *testing.T) {
	secret := []byte("webhook-secret")
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, VerifySignature(secret, body, r.Header.Get(SignatureHeader)))
		var decoded struct {
			Event     string `json:"event"`
			WarrantID string `json:"warrant_id"`
		}
		assert.NoError(t, json.Unmarshal(body, &decoded))
		gotEvent = decoded.Event
		assert.Equal(t, "w-1", decoded.WarrantID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, secret, WithHTTPClient(srv.Client()), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)
	require.NoError(t, wh.Notify(context.Background(), notification(true)))
	assert.Equal(t, "receipt_issued", gotEvent)
}

func TestWebhookSkipsWhenSubjectNotificationOff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, []byte("s"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, wh.Notify(context.Background(), notification(false)))
	assert.Zero(t, calls.Load())
}

func TestWebhookRetries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
			}
		}))
		defer srv.Close()

		wh, err := NewWebhook(srv.URL, []byte("s"), WithHTTPClient(srv.Client()), WithRetryPolicy(fastRetry()))
		require.NoError(t, err)
		require.NoError(t, wh.Notify(context.Background(), notification(true)))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusGone)
		}))
		defer srv.Close()

		wh, err := NewWebhook(srv.URL, []byte("s"), WithHTTPClient(srv.Client()), WithRetryPolicy(fastRetry()))
		require.NoError(t, err)
		err = wh.Notify(context.Background(), notification(true))
		assert.ErrorIs(t, err, errPermanent)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestNewWebhookValidates(t *testing.T) {
	_, err := NewWebhook("", []byte("s"))
	assert.Error(t, err)
	_, err = NewWebhook("http://example.test", nil)
	assert.Error(t, err)
}

type recordingPublisher struct {
	msgs []producer.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msgs ...producer.Message) error {
	p.msgs = append(p.msgs, msgs...)
	return p.err
}

func TestReceiptFeed(t *testing.T) {
	pub := &recordingPublisher{}
	feed, err := NewReceiptFeed(pub, "maskgate.receipts")
	require.NoError(t, err)

	require.NoError(t, feed.Notify(context.Background(), notification(false)))
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "maskgate.receipts", msg.Topic)
	assert.Equal(t, []byte("w-1"), msg.Key)
	assert.Equal(t, "r-1", msg.Headers["receipt_id"])

	var receipt models.MaskReceipt
	require.NoError(t, json.Unmarshal(msg.Value, &receipt))
	assert.Equal(t, "r-1", receipt.ID)

	_, err = NewReceiptFeed(pub, "")
	assert.Error(t, err)
}

type notifierFunc func(context.Context, Notification) error

func (f notifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	var delivered atomic.Int32
	ok := notifierFunc(func(context.Context, Notification) error {
		delivered.Add(1)
		return nil
	})
	boom := errors.New("boom")
	failing := notifierFunc(func(context.Context, Notification) error { return boom })

	f := NewFanout([]Sink{{Name: "a", Notifier: ok}, {Name: "b", Notifier: failing}, {Name: "c", Notifier: ok}})
	err := f.Notify(context.Background(), notification(true))
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "b:")
	assert.Equal(t, int32(2), delivered.Load())

	assert.NoError(t, NewFanout(nil).Notify(context.Background(), notification(true)))
	assert.NoError(t, Discard{}.Notify(context.Background(), notification(true)))
}
