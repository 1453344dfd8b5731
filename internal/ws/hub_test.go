package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-service/internal/logging"
	"chat-service/internal/models"
)

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub(nil, logging.Discard())

	client := hub.addTestClient(1)
	if len(hub.rooms) != 1 {
		t.Fatalf("expected thread room to be created")
	}

	hub.RemoveClient(client)
	if len(hub.rooms) != 0 {
		t.Fatalf("expected thread room to be removed")
	}
	hub.RemoveClient(client)
}

func TestHubPublishReachesOnlyThreadSubscribers(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	a := hub.addTestClient(1)
	b := hub.addTestClient(2)

	hub.Publish(context.Background(), 1, models.ChatEvent{
		Event: models.EventThreadClosed,
		Data:  models.ThreadClosedEvent{ThreadID: 1, ClosedAt: time.Unix(100, 0).UTC()},
	})

	select {
	case payload := <-a.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, "ThreadClosed", decoded["event"])
		assert.Equal(t, "chat.1", decoded["topic"])
		data := decoded["data"].(map[string]any)
		assert.EqualValues(t, 1, data["threadId"])
	default:
		t.Fatal("expected event for thread 1 subscriber")
	}
	assert.Empty(t, b.send)
}

func TestHubDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	hub.sendBuffer = 1
	slow := hub.addTestClient(3)
	fast := hub.addTestClient(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Deliver(3, []byte("one"))
		<-fast.send
		hub.Deliver(3, []byte("two"))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a slow subscriber")
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected slow subscriber to be closed")
	}
	assert.Equal(t, 1, hub.Subscribers(3))
	assert.Equal(t, []byte("two"), <-fast.send)
}

func TestHubPublishesErrorEventForDroppedSubscriber(t *testing.T) {
	events := newRecordingEvents()
	hub := NewHub(events, logging.Discard())
	hub.sendBuffer = 1
	hub.AddClient(9, nil, ConnInfo{ConnID: "slow", ThreadID: 9, UserID: 7, RequestID: "req-1", ConnectedAt: time.Now()})

	hub.Deliver(9, []byte("one"))
	hub.Deliver(9, []byte("two"))

	got := events.next(t)
	assert.Equal(t, EventError, got.event.EventName)
	assert.Equal(t, "slow", got.event.Payload.Connection.ConnID)
	assert.Equal(t, "send buffer full", got.event.Payload.Connection.Reason)
	assert.Equal(t, "req-1", got.headers["x-request-id"])
	assert.Equal(t, 0, hub.Subscribers(9))
}

// addTestClient registers a client without a websocket connection.
func (h *Hub) addTestClient(threadID int64) *Client {
	return h.AddClient(threadID, nil, ConnInfo{ConnID: "test", ConnectedAt: time.Now()})
}
