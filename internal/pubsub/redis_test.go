package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-service/internal/logging"
	"chat-service/internal/models"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	received map[int64][][]byte
	notify   chan struct{}
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{received: map[int64][][]byte{}, notify: make(chan struct{}, 10)}
}

func (d *recordingDeliverer) Deliver(threadID int64, payload []byte) {
	d.mu.Lock()
	d.received[threadID] = append(d.received[threadID], payload)
	d.mu.Unlock()
	d.notify <- struct{}{}
}

func (d *recordingDeliverer) payloads(threadID int64) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received[threadID]
}

func TestRedisBroadcasterRelaysToLocalHub(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + s.Addr())
	require.NoError(t, err)
	defer client.Close()

	local := newRecordingDeliverer()
	b := NewRedisBroadcaster(client, local, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go b.Run(ctx, ready)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}

	b.Publish(context.Background(), 12, models.ChatEvent{
		Event: models.EventThreadClosed,
		Data:  models.ThreadClosedEvent{ThreadID: 12, ClosedAt: time.Unix(0, 0).UTC()},
	})

	select {
	case <-local.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed")
	}

	got := local.payloads(12)
	require.Len(t, got, 1)
	var decoded models.ChatEvent
	require.NoError(t, json.Unmarshal(got[0], &decoded))
	assert.Equal(t, models.EventThreadClosed, decoded.Event)
	assert.Equal(t, "chat.12", decoded.Topic)
}

func TestRedisBroadcasterDeliversLocallyWithoutSubscription(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + s.Addr())
	require.NoError(t, err)
	defer client.Close()

	local := newRecordingDeliverer()
	b := NewRedisBroadcaster(client, local, logging.Discard())

	b.Publish(context.Background(), 4, models.ChatEvent{Event: models.EventMessageCreated, Data: models.MessageCreated{ID: 1}})

	assert.Len(t, local.payloads(4), 1)
}

func TestRedisBroadcasterDeliversLocallyAfterRunFails(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + s.Addr())
	require.NoError(t, err)
	defer client.Close()

	local := newRecordingDeliverer()
	b := NewRedisBroadcaster(client, local, logging.Discard())
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, b.Run(ctx, nil))

	b.Publish(context.Background(), 4, models.ChatEvent{Event: models.EventMessageCreated, Data: models.MessageCreated{ID: 2}})

	assert.Len(t, local.payloads(4), 1)
}

func TestRedisBroadcasterFallsBackWhenPublishFails(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + s.Addr())
	require.NoError(t, err)
	defer client.Close()

	local := newRecordingDeliverer()
	b := NewRedisBroadcaster(client, local, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go b.Run(ctx, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}
	s.Close()

	b.Publish(context.Background(), 5, models.ChatEvent{Event: models.EventMessageCreated, Data: models.MessageCreated{ID: 3}})

	assert.Len(t, local.payloads(5), 1)
}

func TestThreadFromTopic(t *testing.T) {
	id, ok := threadFromTopic("chat.42")
	assert.True(t, ok)
	assert.EqualValues(t, 42, id)

	_, ok = threadFromTopic("chat.x")
	assert.False(t, ok)
	_, ok = threadFromTopic("other.1")
	assert.False(t, ok)
}
