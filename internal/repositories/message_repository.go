package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-service/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

const messageColumns = `id, thread_id, sender_id, type, text, latitude, longitude, media_path, created_at, redacted_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	Insert(ctx context.Context, msg models.Message) (models.Message, error)
	ListByThread(ctx context.Context, threadID int64, cursor *int64, limit int) (models.MessagePage, error)
	RedactThread(ctx context.Context, threadID int64, redactedAt time.Time) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Insert stores a message; the database assigns the id.
func (r *MessageRepo) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`INSERT INTO chat_messages (thread_id, sender_id, type, text, latitude, longitude, media_path, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING `+messageColumns),
		msg.ThreadID, msg.SenderID, msg.Type, msg.Text, msg.Latitude, msg.Longitude, msg.MediaPath, msg.CreatedAt).StructScan(&created)
	return created, err
}

// ListByThread returns messages newest first. A cursor restricts the page to
// ids strictly below it. NextCursor is nil once fewer than limit rows come back.
func (r *MessageRepo) ListByThread(ctx context.Context, threadID int64, cursor *int64, limit int) (models.MessagePage, error) {
	limit = ClampLimit(limit)

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE thread_id=?`
	args := []any{threadID}
	if cursor != nil {
		query += ` AND id < ?`
		args = append(args, *cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...); err != nil {
		return models.MessagePage{}, err
	}

	page := models.MessagePage{Messages: msgs}
	if len(msgs) == limit {
		next := msgs[len(msgs)-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

// RedactThread blanks text bodies in a thread. Already redacted rows are
// skipped, so reruns report zero.
func (r *MessageRepo) RedactThread(ctx context.Context, threadID int64, redactedAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE chat_messages SET text=NULL, redacted_at=?
        WHERE thread_id=? AND type=? AND redacted_at IS NULL`), redactedAt, threadID, models.MessageText)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
