package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
)

func startHub(t *testing.T) (*Hub, chan email.Event) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	events := make(chan email.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, events)
	return hub, events
}

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var msg WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return WSMessage{}
	}
}

func TestHub_RoutesEventsToAccountSubscribers(t *testing.T) {
	hub, events := startHub(t)

	work := NewClient(hub, nil, nil, hub.logger)
	home := NewClient(hub, nil, nil, hub.logger)
	hub.Register(work)
	hub.Register(home)
	hub.Subscribe(work, 1)
	hub.Subscribe(home, 2)
	require.Eventually(t, func() bool { return hub.Subscribers(1) == 1 && hub.Subscribers(2) == 1 }, time.Second, 5*time.Millisecond)

	events <- email.Event{ID: "e1", AccountID: 1, Type: email.EventNewMail, FolderPath: "INBOX", Count: 3}

	msg := receive(t, work)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	assert.Equal(t, int64(1), msg.AccountID)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "e1", msg.Event.ID)
	assert.Equal(t, "INBOX", msg.Event.FolderPath)
	assert.Equal(t, 3, msg.Event.Count)

	assert.Empty(t, home.send)
}

func TestHub_SubscribeRequiresRegistration(t *testing.T) {
	hub, _ := startHub(t)

	stranger := NewClient(hub, nil, nil, hub.logger)
	hub.Subscribe(stranger, 1)
	// Register is processed after the subscribe, proving the loop has moved on.
	hub.Register(NewClient(hub, nil, nil, hub.logger))

	assert.Equal(t, 0, hub.Subscribers(1))
}

func TestHub_UnregisterClosesSendAndDropsSubscriptions(t *testing.T) {
	hub, _ := startHub(t)

	c := NewClient(hub, nil, nil, hub.logger)
	hub.Register(c)
	hub.Subscribe(c, 1)
	hub.Subscribe(c, 2)
	hub.Unregister(c)

	_, ok := <-c.send
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers(1))
	assert.Equal(t, 0, hub.Subscribers(2))

	// A second unregister is a no-op.
	hub.Unregister(c)
	assert.False(t, c.trySend([]byte("late")))
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, events := startHub(t)

	c := NewClient(hub, nil, nil, hub.logger)
	hub.Register(c)
	hub.Subscribe(c, 1)
	hub.Unsubscribe(c, 1)
	require.Eventually(t, func() bool { return hub.Subscribers(1) == 0 }, time.Second, 5*time.Millisecond)

	events <- email.Event{AccountID: 1, Type: email.EventExpunged}
	// Flush the loop with a registration.
	hub.Register(NewClient(hub, nil, nil, hub.logger))
	assert.Empty(t, c.send)
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	events := make(chan email.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, events)
		close(done)
	}()

	c := NewClient(hub, nil, nil, logger)
	hub.Register(c)
	cancel()
	<-done

	_, ok := <-c.send
	assert.False(t, ok)

	// Calls after shutdown return instead of blocking.
	hub.Register(NewClient(hub, nil, nil, logger))
	hub.Subscribe(c, 1)
	hub.Unregister(c)
}

func TestHub_ClosedEventStreamStopsRun(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	events := make(chan email.Event)
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background(), events)
		close(done)
	}()

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestClient_HandleMessage(t *testing.T) {
	denied := errors.New("forbidden")

	tests := []struct {
		name      string
		payload   string
		wantError string
		wantSubs  int
	}{
		{name: "subscribe", payload: `{"type":"subscribe","account_id":1}`, wantSubs: 1},
		{name: "invalid json", payload: `{`, wantError: "invalid message format"},
		{name: "missing account", payload: `{"type":"subscribe"}`, wantError: "account_id is required"},
		{name: "unknown type", payload: `{"type":"shout","account_id":1}`, wantError: "unknown message type"},
		{name: "access denied", payload: `{"type":"subscribe","account_id":2}`, wantError: "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, _ := startHub(t)
			c := NewClient(hub, nil, func(id int64) error {
				if id != 1 {
					return denied
				}
				return nil
			}, hub.logger)
			hub.Register(c)

			c.handleMessage([]byte(tt.payload))

			if tt.wantError != "" {
				msg := receive(t, c)
				assert.Equal(t, MessageTypeError, msg.Type)
				assert.Equal(t, tt.wantError, msg.Error)
				return
			}
			require.Eventually(t, func() bool { return hub.Subscribers(1) == tt.wantSubs }, time.Second, 5*time.Millisecond)
		})
	}
}
