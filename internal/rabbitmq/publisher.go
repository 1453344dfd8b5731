package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/observability"
	"chat-service/internal/telemetry"
	"chat-service/internal/ws"
)

// Publisher publishes JSON events to the service exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Dial connects to the broker. An empty url yields a nil connection, which
// callers treat as "broker disabled".
func Dial(amqpURL string, log *logrus.Entry) *amqp.Connection {
	log = logging.Component(log, "rabbitmq")
	if amqpURL == "" {
		log.Info("rabbitmq disabled: empty amqp url")
		return nil
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.WithError(err).Warn("rabbitmq disabled: dial failed")
		return nil
	}
	return conn
}

// NewPublisher builds a RabbitMQ publisher on conn, or a noop publisher when
// conn is nil or the exchange cannot be declared.
func NewPublisher(conn *amqp.Connection, exchange string, log *logrus.Entry) Publisher {
	log = logging.Component(log, "rabbitmq")
	if conn == nil {
		return noopPublisher{reason: "no amqp connection", log: log}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Warn("rabbitmq publisher disabled, using noop")
		return noopPublisher{reason: err.Error(), log: log}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		log.WithError(err).Warn("rabbitmq publisher disabled, using noop")
		_ = ch.Close()
		return noopPublisher{reason: err.Error(), log: log}
	}

	log.WithField("exchange", exchange).Info("rabbitmq publisher ready")
	return &amqpPublisher{ch: ch, exchange: exchange, log: log}
}

type amqpPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
	log      *logrus.Entry
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishWithHeaders(ctx, routingKey, event, nil)
}

func (p *amqpPublisher) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var table amqp.Table
	if len(headers) > 0 {
		table = make(amqp.Table, len(headers))
		for k, v := range headers {
			table[k] = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		p.log.WithError(err).WithField("routing_key", routingKey).Warn("rabbitmq publish failed")
	}
	return err
}

// Close releases the channel; the connection belongs to the caller of Dial.
func (p *amqpPublisher) Close() error {
	return p.ch.Close()
}

type noopPublisher struct {
	reason string
	log    *logrus.Entry
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishWithHeaders(ctx, routingKey, event, nil)
}

func (p noopPublisher) PublishWithHeaders(_ context.Context, routingKey string, event any, headers map[string]string) error {
	fields := logrus.Fields{"routing_key": routingKey}
	switch e := event.(type) {
	case telemetry.AuditEnvelope:
		fields["event_type"] = e.EventType
		fields["request_id"] = e.RequestID
	case ws.LifecycleEvent:
		fields["event_type"] = e.EventName
		fields["request_id"] = headers["x-request-id"]
	}
	p.log.WithFields(fields).Debug("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher was chosen.
func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
