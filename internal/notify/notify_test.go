package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	name string
	sent []Notification
	err  error
}

func (c *recordingChannel) Notify(_ context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}

func (c *recordingChannel) Name() string { return c.name }

func TestServiceFansOut(t *testing.T) {
	ctx := context.Background()
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	svc := NewService(a, b)

	n := Notification{
		UserID: uuid.New(),
		Kind:   KindPositionClosed,
		Title:  "Position closed",
		Body:   "BTCUSDT closed at 51000",
	}
	require.NoError(t, svc.Notify(ctx, n))

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, KindPositionClosed, a.sent[0].Kind)
	assert.False(t, a.sent[0].CreatedAt.IsZero())
}

func TestServiceSwallowsChannelFailures(t *testing.T) {
	ctx := context.Background()
	broken := &recordingChannel{name: "broken", err: errors.New("bot token revoked")}
	healthy := &recordingChannel{name: "healthy"}
	svc := NewService(broken, healthy)

	require.NoError(t, svc.Notify(ctx, Notification{UserID: uuid.New(), Kind: KindApprovalRequest}))
	assert.Len(t, healthy.sent, 1)
}

func TestServiceAddChannel(t *testing.T) {
	svc := NewService()
	late := &recordingChannel{name: "late"}
	svc.AddChannel(late)

	require.NoError(t, svc.Notify(context.Background(), Notification{UserID: uuid.New()}))
	assert.Len(t, late.sent, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	hook := NewWebhookNotifier(srv.URL)
	assert.Equal(t, "webhook", hook.Name())

	userID := uuid.New()
	require.NoError(t, hook.Notify(context.Background(), Notification{
		UserID: userID,
		Kind:   KindExecutionFailed,
		Title:  "Execution failed",
	}))
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, KindExecutionFailed, got.Kind)

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Notification{UserID: uuid.New()})
		require.ErrorContains(t, err, "502")
	})
}

func TestLogNotifier(t *testing.T) {
	var n Notifier = LogNotifier{}
	assert.Equal(t, "log", n.Name())
	require.NoError(t, n.Notify(context.Background(), Notification{UserID: uuid.New(), Kind: KindTradeExecuted}))
}
