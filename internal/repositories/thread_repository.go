package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-service/internal/models"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrDuplicateThread = errors.New("thread already exists for request")
)

const threadColumns = `id, request_id, client_id, admin_id, status, opened_at, closed_at, cleaned_at`

// ThreadRepository abstracts chat thread persistence.
type ThreadRepository interface {
	FindByRequest(ctx context.Context, requestID int64) (models.Thread, error)
	FindByID(ctx context.Context, threadID int64) (models.Thread, error)
	Create(ctx context.Context, thread models.Thread) (models.Thread, error)
	Close(ctx context.Context, threadID int64, closedAt time.Time) (bool, error)
	MarkCleaned(ctx context.Context, threadID int64, cleanedAt time.Time) error
	ListPendingCleanup(ctx context.Context, closedBefore time.Time, limit int) ([]models.Thread, error)
}

// ThreadRepo is a sqlx implementation of ThreadRepository.
type ThreadRepo struct {
	db *sqlx.DB
}

// NewThreadRepo constructs a ThreadRepo.
func NewThreadRepo(db *sqlx.DB) *ThreadRepo {
	return &ThreadRepo{db: db}
}

// FindByRequest returns the thread scoped to a service request.
func (r *ThreadRepo) FindByRequest(ctx context.Context, requestID int64) (models.Thread, error) {
	var thread models.Thread
	err := r.db.GetContext(ctx, &thread, r.db.Rebind(`SELECT `+threadColumns+` FROM chat_threads WHERE request_id=?`), requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	}
	return thread, err
}

// FindByID fetches a thread by id.
func (r *ThreadRepo) FindByID(ctx context.Context, threadID int64) (models.Thread, error) {
	var thread models.Thread
	err := r.db.GetContext(ctx, &thread, r.db.Rebind(`SELECT `+threadColumns+` FROM chat_threads WHERE id=?`), threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	}
	return thread, err
}

// Create inserts a new open thread. A second thread for the same request
// fails with ErrDuplicateThread; the constraint lives in the schema.
func (r *ThreadRepo) Create(ctx context.Context, thread models.Thread) (models.Thread, error) {
	var created models.Thread
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`INSERT INTO chat_threads (request_id, client_id, admin_id, status, opened_at)
        VALUES (?, ?, ?, ?, ?) RETURNING `+threadColumns),
		thread.RequestID, thread.ClientID, thread.AdminID, models.ThreadOpen, thread.OpenedAt).StructScan(&created)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Thread{}, ErrDuplicateThread
		}
		return models.Thread{}, err
	}
	return created, nil
}

// Close performs the open to closed transition. It reports false when the
// thread was not open, so exactly one caller observes the transition.
func (r *ThreadRepo) Close(ctx context.Context, threadID int64, closedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE chat_threads SET status=?, closed_at=? WHERE id=? AND status=?`),
		models.ThreadClosed, closedAt, threadID, models.ThreadOpen)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// MarkCleaned records that media purge (and redaction) completed.
func (r *ThreadRepo) MarkCleaned(ctx context.Context, threadID int64, cleanedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE chat_threads SET cleaned_at=? WHERE id=? AND status=?`),
		cleanedAt, threadID, models.ThreadClosed)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// ListPendingCleanup returns closed threads whose cleanup has not completed.
func (r *ThreadRepo) ListPendingCleanup(ctx context.Context, closedBefore time.Time, limit int) ([]models.Thread, error) {
	var threads []models.Thread
	err := r.db.SelectContext(ctx, &threads, r.db.Rebind(`SELECT `+threadColumns+` FROM chat_threads
        WHERE status=? AND cleaned_at IS NULL AND closed_at < ?
        ORDER BY closed_at ASC
        LIMIT ?`), models.ThreadClosed, closedBefore, limit)
	return threads, err
}
