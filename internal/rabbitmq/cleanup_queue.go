package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"chat-service/internal/cleanup"
	"chat-service/internal/logging"
	"chat-service/internal/observability"
)

// CleanupQueue is a durable work queue for thread cleanup. Failed jobs are
// parked on a retry queue whose per-message TTL dead-letters them back onto
// the work queue.
type CleanupQueue struct {
	mu          sync.Mutex
	ch          *amqp.Channel
	exchange    string
	queue       string
	retryQueue  string
	maxAttempts int
	prefetch    int
	baseDelay   time.Duration
	log         *logrus.Entry
}

// NewCleanupQueue declares the exchange, work queue and retry queue.
func NewCleanupQueue(conn *amqp.Connection, exchange, queue string, maxAttempts, prefetch int, log *logrus.Entry) (*CleanupQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := &CleanupQueue{
		ch:          ch,
		exchange:    exchange,
		queue:       queue,
		retryQueue:  queue + ".retry",
		maxAttempts: maxAttempts,
		prefetch:    prefetch,
		baseDelay:   2 * time.Second,
		log:         logging.Component(log, "cleanup_queue"),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.prefetch <= 0 {
		q.prefetch = 1
	}
	if err := q.declare(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return q, nil
}

func (q *CleanupQueue) declare() error {
	if err := q.ch.ExchangeDeclare(q.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := q.ch.QueueBind(q.queue, q.queue, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    q.exchange,
		"x-dead-letter-routing-key": q.queue,
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	return nil
}

// Enqueue publishes a first-attempt job for the thread.
func (q *CleanupQueue) Enqueue(ctx context.Context, threadID int64) error {
	return q.publish(ctx, q.exchange, q.queue, cleanup.Job{ThreadID: threadID, EnqueuedAt: time.Now().UTC()}, "")
}

func (q *CleanupQueue) publish(ctx context.Context, exchange, key string, job cleanup.Job, expiration string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   expiration,
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish cleanup job: %w", err)
	}
	return nil
}

// Consume processes jobs until ctx is done or the delivery channel closes.
// Up to prefetch deliveries are handled concurrently.
func (q *CleanupQueue) Consume(ctx context.Context, processor cleanup.Processor) error {
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	q.log.WithFields(logrus.Fields{"queue": q.queue, "handlers": q.prefetch}).Info("cleanup consumer started")
	return q.serve(ctx, processor, deliveries)
}

func (q *CleanupQueue) serve(ctx context.Context, processor cleanup.Processor, deliveries <-chan amqp.Delivery) error {
	var (
		wg     sync.WaitGroup
		closed atomic.Bool
	)
	for i := 0; i < q.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						closed.Store(true)
						return
					}
					q.handle(ctx, processor, d)
				}
			}
		}()
	}
	wg.Wait()

	if closed.Load() && ctx.Err() == nil {
		return fmt.Errorf("delivery channel closed")
	}
	return nil
}

func (q *CleanupQueue) handle(ctx context.Context, processor cleanup.Processor, d amqp.Delivery) {
	var job cleanup.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.log.WithError(err).Error("dropping malformed cleanup job")
		observability.IncCleanupJob("abandoned")
		_ = d.Ack(false)
		return
	}
	log := q.log.WithFields(logrus.Fields{"thread_id": job.ThreadID, "attempt": job.Attempt + 1})

	err := processor.Process(ctx, job.ThreadID)
	switch {
	case err == nil:
		observability.IncCleanupJob("succeeded")
	case cleanup.IsPermanent(err):
		observability.IncCleanupJob("abandoned")
		log.WithError(err).Warn("cleanup abandoned")
	case job.Attempt+1 >= q.maxAttempts:
		observability.IncCleanupJob("exhausted")
		log.WithError(err).Error("cleanup retries exhausted; left for sweeper")
	default:
		job.Attempt++
		delay := q.baseDelay << (job.Attempt - 1)
		if pubErr := q.publish(ctx, "", q.retryQueue, job, strconv.FormatInt(delay.Milliseconds(), 10)); pubErr != nil {
			// requeue the original so the broker redelivers it
			log.WithError(pubErr).Warn("cleanup retry publish failed")
			_ = d.Nack(false, true)
			return
		}
		observability.IncCleanupJob("retried")
		log.WithError(err).WithField("retry_in", delay.String()).Warn("cleanup failed, retry scheduled")
	}
	_ = d.Ack(false)
}

// Close releases the channel.
func (q *CleanupQueue) Close() error {
	return q.ch.Close()
}
