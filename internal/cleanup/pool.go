package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/observability"
)

var ErrQueueFull = errors.New("cleanup queue full")

// PoolConfig tunes the in-process pool.
type PoolConfig struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Pool runs cleanup jobs on in-process goroutines with exponential backoff.
// It is the dispatcher used when no broker is configured.
type Pool struct {
	jobs      chan Job
	processor Processor
	cfg       PoolConfig
	log       *logrus.Entry
	wg        sync.WaitGroup
}

// NewPool constructs a Pool; call Start to begin processing.
func NewPool(processor Processor, cfg PoolConfig, log *logrus.Entry) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Pool{
		jobs:      make(chan Job, cfg.QueueSize),
		processor: processor,
		cfg:       cfg,
		log:       logging.Component(log, "cleanup_pool"),
	}
}

// Enqueue queues a job without blocking.
func (p *Pool) Enqueue(_ context.Context, threadID int64) error {
	select {
	case p.jobs <- Job{ThreadID: threadID, EnqueuedAt: time.Now().UTC()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.run(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run processes one job and reports its outcome: succeeded, abandoned or
// exhausted.
func (p *Pool) run(ctx context.Context, job Job) string {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialInterval
	policy.MaxInterval = p.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	// Retry unwraps *backoff.PermanentError, so permanence is noted here.
	attempts, permanent := 0, false
	err := backoff.Retry(func() error {
		attempts++
		err := p.processor.Process(ctx, job.ThreadID)
		permanent = IsPermanent(err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.MaxAttempts-1)), ctx))

	log := p.log.WithFields(logrus.Fields{"thread_id": job.ThreadID, "attempts": attempts})
	var outcome string
	switch {
	case err == nil:
		outcome = "succeeded"
	case permanent || errors.Is(err, context.Canceled):
		outcome = "abandoned"
		log.WithError(err).Warn("cleanup abandoned")
	default:
		outcome = "exhausted"
		log.WithError(err).Error("cleanup retries exhausted; left for sweeper")
	}
	observability.IncCleanupJob(outcome)
	return outcome
}
