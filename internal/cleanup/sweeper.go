package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/repositories"
)

const sweepBatch = 100

// Sweeper re-enqueues closed threads whose cleanup never completed, on a
// cron schedule.
type Sweeper struct {
	threads    repositories.ThreadRepository
	dispatcher Dispatcher
	expr       string
	grace      time.Duration
	log        *logrus.Entry
	now        func() time.Time
}

// NewSweeper validates the cron expression and builds a Sweeper. Threads
// closed less than grace ago are left to their original job.
func NewSweeper(threads repositories.ThreadRepository, dispatcher Dispatcher, expr string, grace time.Duration, log *logrus.Entry) (*Sweeper, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", expr)
	}
	return &Sweeper{
		threads:    threads,
		dispatcher: dispatcher,
		expr:       expr,
		grace:      grace,
		log:        logging.Component(log, "cleanup_sweeper"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// SweepOnce enqueues one batch of pending threads and returns how many were
// queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.threads.ListPendingCleanup(ctx, s.now().Add(-s.grace), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending cleanup: %w", err)
	}
	queued := 0
	for _, thread := range pending {
		if err := s.dispatcher.Enqueue(ctx, thread.ID); err != nil {
			s.log.WithError(err).WithField("thread_id", thread.ID).Warn("sweep enqueue failed")
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.WithField("queued", queued).Info("sweep re-enqueued cleanup")
	}
	return queued, nil
}

// Run sweeps at every cron tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.expr, s.now(), false)
		if err != nil {
			s.log.WithError(err).Error("cannot compute next sweep")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.WithError(err).Error("sweep failed")
		}
	}
}
