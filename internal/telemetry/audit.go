package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Action names a chat lifecycle step worth an audit trail entry.
type Action string

const (
	ActionThreadOpened Action = "thread_opened"
	ActionUploadIssued Action = "upload_url_issued"
	ActionThreadClosed Action = "thread_closed"
)

// Record is what the HTTP layer knows about an audited action.
type Record struct {
	Action    Action
	RequestID string
	ActorID   int64
	ActorRole string
	ThreadID  int64
}

// AuditEnvelope is the broker message body.
type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Action    Action `json:"action"`
	ActorID   int64  `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	ThreadID  int64  `json:"thread_id"`
}

// AuditEmitter publishes chat audit records. A nil emitter drops records.
type AuditEmitter struct {
	publisher  Publisher
	routingKey string
	service    string
	env        string
	now        func() time.Time
	log        *logrus.Entry
}

func NewAuditEmitter(publisher Publisher, routingKey, service, env string, log *logrus.Entry) *AuditEmitter {
	return &AuditEmitter{
		publisher:  publisher,
		routingKey: routingKey,
		service:    service,
		env:        env,
		now:        time.Now,
		log:        logging.Component(log, "audit"),
	}
}

// Record publishes rec. Broker failures are logged and never reach the caller.
func (e *AuditEmitter) Record(ctx context.Context, rec Record) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "chat_audit",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.env,
		RequestID:     rec.RequestID,
		Payload: AuditPayload{
			Action:    rec.Action,
			ActorID:   rec.ActorID,
			ActorRole: rec.ActorRole,
			ThreadID:  rec.ThreadID,
		},
	}

	if err := e.publisher.Publish(context.WithoutCancel(ctx), e.routingKey, envelope); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"request_id": rec.RequestID,
			"action":     rec.Action,
			"thread_id":  rec.ThreadID,
		}).Warn("audit publish failed")
	}
}
