package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-service/internal/models"
)

var ErrRequestNotFound = errors.New("service request not found")

// RequestRepository resolves service requests owned by the booking backend.
type RequestRepository interface {
	GetRequest(ctx context.Context, requestID int64) (models.ServiceRequest, error)
}

// RequestRepo reads service_requests; it never writes.
type RequestRepo struct {
	db *sqlx.DB
}

// NewRequestRepo constructs a RequestRepo.
func NewRequestRepo(db *sqlx.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

// GetRequest fetches a service request by id.
func (r *RequestRepo) GetRequest(ctx context.Context, requestID int64) (models.ServiceRequest, error) {
	var req models.ServiceRequest
	err := r.db.GetContext(ctx, &req, r.db.Rebind(`SELECT id, client_id FROM service_requests WHERE id=?`), requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, ErrRequestNotFound
	}
	return req, err
}
