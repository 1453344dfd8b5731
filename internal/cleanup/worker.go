// Package cleanup purges a closed thread's media, optionally redacts its
// text, and records completion. Every step is idempotent so jobs can be
// retried or replayed by the sweeper.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/observability"
	"chat-service/internal/repositories"
	"chat-service/internal/storage"
)

// Job is a queued cleanup request.
type Job struct {
	ThreadID   int64     `json:"threadId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Processor runs cleanup for one thread.
type Processor interface {
	Process(ctx context.Context, threadID int64) error
}

// Dispatcher queues cleanup without waiting for it.
type Dispatcher interface {
	Enqueue(ctx context.Context, threadID int64) error
}

// MediaPurger deletes every object under a prefix.
type MediaPurger interface {
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Worker performs thread cleanup.
type Worker struct {
	threads       repositories.ThreadRepository
	messages      repositories.MessageRepository
	media         MediaPurger
	redactOnClose bool
	log           *logrus.Entry
	now           func() time.Time
}

// NewWorker constructs a Worker. redactOnClose blanks text bodies as part of
// cleanup.
func NewWorker(threads repositories.ThreadRepository, messages repositories.MessageRepository, media MediaPurger, redactOnClose bool, log *logrus.Entry) *Worker {
	return &Worker{
		threads:       threads,
		messages:      messages,
		media:         media,
		redactOnClose: redactOnClose,
		log:           logging.Component(log, "cleanup"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process cleans up one closed thread. Errors that retrying cannot fix are
// wrapped as permanent (see IsPermanent).
func (w *Worker) Process(ctx context.Context, threadID int64) error {
	log := w.log.WithField("thread_id", threadID)

	thread, err := w.threads.FindByID(ctx, threadID)
	if errors.Is(err, repositories.ErrThreadNotFound) {
		log.Warn("cleanup for unknown thread skipped")
		return backoff.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if thread.IsOpen() {
		log.Warn("cleanup requested for open thread skipped")
		return backoff.Permanent(fmt.Errorf("thread %d is still open", threadID))
	}

	purged, err := w.media.DeleteByPrefix(ctx, storage.ThreadPrefix(threadID))
	observability.AddMediaPurged(purged)
	if err != nil {
		return fmt.Errorf("purge media: %w", err)
	}

	var redacted int64
	if w.redactOnClose {
		redacted, err = w.messages.RedactThread(ctx, threadID, w.now())
		if err != nil {
			return fmt.Errorf("redact messages: %w", err)
		}
	}

	if err := w.threads.MarkCleaned(ctx, threadID, w.now()); err != nil {
		return fmt.Errorf("mark cleaned: %w", err)
	}

	log.WithFields(logrus.Fields{"objects_purged": purged, "messages_redacted": redacted}).Info("thread cleanup complete")
	return nil
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
