// Package pubsub fans thread events out across service instances through
// Redis. Every instance publishes to chat.{threadId} and delivers whatever
// arrives on chat.* to its local hub.
package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/models"
	"chat-service/internal/observability"
	"chat-service/internal/ws"
)

const (
	topicPattern   = "chat.*"
	publishTimeout = 2 * time.Second
)

// Deliverer hands an encoded event to local subscribers.
type Deliverer interface {
	Deliver(threadID int64, payload []byte)
}

// RedisBroadcaster publishes thread events to Redis. Until Run holds an
// active subscription, events are delivered to the local hub only.
type RedisBroadcaster struct {
	client   *redis.Client
	local    Deliverer
	relaying atomic.Bool
	log      *logrus.Entry
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisBroadcaster builds a broadcaster delivering into local.
func NewRedisBroadcaster(client *redis.Client, local Deliverer, log *logrus.Entry) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, local: local, log: logging.Component(log, "pubsub")}
}

// Publish sends the event to the thread topic. Failures are logged; the
// caller never waits on subscribers.
func (b *RedisBroadcaster) Publish(ctx context.Context, threadID int64, event models.ChatEvent) {
	payload, err := ws.EncodeEvent(threadID, event)
	if err != nil {
		b.log.WithError(err).WithField("thread_id", threadID).Error("encode event")
		return
	}
	observability.IncRealtimeEvent(event.Event)

	if !b.relaying.Load() {
		b.local.Deliver(threadID, payload)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, ws.Topic(threadID), payload).Err(); err != nil {
		b.log.WithError(err).WithField("thread_id", threadID).Warn("redis publish failed; delivering locally")
		b.local.Deliver(threadID, payload)
	}
}

// Run relays events from Redis to the local hub until ctx is done. ready, if
// non-nil, is closed once the subscription is active.
func (b *RedisBroadcaster) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.PSubscribe(ctx, topicPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", topicPattern, err)
	}
	b.relaying.Store(true)
	defer b.relaying.Store(false)
	if ready != nil {
		close(ready)
	}
	b.log.WithField("pattern", topicPattern).Info("relaying thread events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			threadID, ok := threadFromTopic(msg.Channel)
			if !ok {
				b.log.WithField("channel", msg.Channel).Warn("ignoring message on unexpected channel")
				continue
			}
			b.local.Deliver(threadID, []byte(msg.Payload))
		}
	}
}

func threadFromTopic(channel string) (int64, bool) {
	raw, ok := strings.CutPrefix(channel, "chat.")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
