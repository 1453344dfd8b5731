package ws

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chat-service/internal/observability"
)

const (
	lifecycleRoutingKey = "ws_events.chats"
	lifecyclePublishTTL = 2 * time.Second

	EventConnect    = "ws_connect"
	EventDisconnect = "ws_disconnect"
	EventError      = "ws_error"
)

// EventPublisher sends subscriber lifecycle events to the broker.
type EventPublisher interface {
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// LifecycleEvent is the broker envelope for a subscriber connecting,
// disconnecting or failing.
type LifecycleEvent struct {
	EventType string           `json:"event_type"`
	EventName string           `json:"event_name"`
	Payload   LifecyclePayload `json:"payload"`
}

type LifecyclePayload struct {
	Connection ConnectionState `json:"ws"`
	Identity   Identity        `json:"identity"`
}

type ConnectionState struct {
	Topic      string `json:"topic"`
	ThreadID   int64  `json:"thread_id"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

type Identity struct {
	UserID   int64  `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip"`
}

func lifecycleEvent(info ConnInfo, name, reason string, now time.Time) LifecycleEvent {
	var duration int64
	if name != EventConnect {
		duration = now.Sub(info.ConnectedAt).Milliseconds()
	}
	return LifecycleEvent{
		EventType: "ws_events",
		EventName: name,
		Payload: LifecyclePayload{
			Connection: ConnectionState{
				Topic:      Topic(info.ThreadID),
				ThreadID:   info.ThreadID,
				Event:      name,
				ConnID:     info.ConnID,
				DurationMS: duration,
				Reason:     reason,
			},
			Identity: Identity{UserID: info.UserID, DeviceID: info.DeviceID, IP: info.IP},
		},
	}
}

// emitLifecycle publishes one lifecycle event. A nil publisher disables
// broker events; failures are logged.
func emitLifecycle(pub EventPublisher, log *logrus.Entry, info ConnInfo, name, reason string) {
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecyclePublishTTL)
	defer cancel()

	event := lifecycleEvent(info, name, reason, time.Now())
	headers := observability.BrokerHeaders(info.RequestID, info.TraceID)
	if err := pub.PublishWithHeaders(ctx, lifecycleRoutingKey, event, headers); err != nil {
		log.WithError(err).WithFields(info.Fields()).WithField("event", name).Warn("lifecycle event publish failed")
	}
}
