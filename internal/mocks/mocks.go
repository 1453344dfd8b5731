package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-service/internal/models"
	"chat-service/internal/policy"
	"chat-service/internal/storage"
)

type ThreadRepositoryMock struct {
	mock.Mock
}

func (m *ThreadRepositoryMock) FindByRequest(ctx context.Context, requestID int64) (models.Thread, error) {
	args := m.Called(ctx, requestID)
	var thread models.Thread
	if val := args.Get(0); val != nil {
		thread = val.(models.Thread)
	}
	return thread, args.Error(1)
}

func (m *ThreadRepositoryMock) FindByID(ctx context.Context, threadID int64) (models.Thread, error) {
	args := m.Called(ctx, threadID)
	var thread models.Thread
	if val := args.Get(0); val != nil {
		thread = val.(models.Thread)
	}
	return thread, args.Error(1)
}

func (m *ThreadRepositoryMock) Create(ctx context.Context, thread models.Thread) (models.Thread, error) {
	args := m.Called(ctx, thread)
	var created models.Thread
	if val := args.Get(0); val != nil {
		created = val.(models.Thread)
	}
	return created, args.Error(1)
}

func (m *ThreadRepositoryMock) Close(ctx context.Context, threadID int64, closedAt time.Time) (bool, error) {
	args := m.Called(ctx, threadID, closedAt)
	return args.Bool(0), args.Error(1)
}

func (m *ThreadRepositoryMock) MarkCleaned(ctx context.Context, threadID int64, cleanedAt time.Time) error {
	args := m.Called(ctx, threadID, cleanedAt)
	return args.Error(0)
}

func (m *ThreadRepositoryMock) ListPendingCleanup(ctx context.Context, closedBefore time.Time, limit int) ([]models.Thread, error) {
	args := m.Called(ctx, closedBefore, limit)
	var threads []models.Thread
	if val := args.Get(0); val != nil {
		threads = val.([]models.Thread)
	}
	return threads, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) ListByThread(ctx context.Context, threadID int64, cursor *int64, limit int) (models.MessagePage, error) {
	args := m.Called(ctx, threadID, cursor, limit)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

func (m *MessageRepositoryMock) RedactThread(ctx context.Context, threadID int64, redactedAt time.Time) (int64, error) {
	args := m.Called(ctx, threadID, redactedAt)
	return args.Get(0).(int64), args.Error(1)
}

type RequestRepositoryMock struct {
	mock.Mock
}

func (m *RequestRepositoryMock) GetRequest(ctx context.Context, requestID int64) (models.ServiceRequest, error) {
	args := m.Called(ctx, requestID)
	var req models.ServiceRequest
	if val := args.Get(0); val != nil {
		req = val.(models.ServiceRequest)
	}
	return req, args.Error(1)
}

type MediaBrokerMock struct {
	mock.Mock
}

func (m *MediaBrokerMock) ValidateThreadPath(threadID int64, objectPath string) bool {
	args := m.Called(threadID, objectPath)
	return args.Bool(0)
}

func (m *MediaBrokerMock) AllowsContentType(contentType string) bool {
	args := m.Called(contentType)
	return args.Bool(0)
}

func (m *MediaBrokerMock) NewThreadObjectPath(threadID int64, contentType string) (string, bool) {
	args := m.Called(threadID, contentType)
	return args.String(0), args.Bool(1)
}

func (m *MediaBrokerMock) SignGetURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, objectPath, ttl)
	return args.String(0), args.Error(1)
}

func (m *MediaBrokerMock) SignPutURL(ctx context.Context, objectPath, contentType string, ttl time.Duration) (storage.UploadTicket, error) {
	args := m.Called(ctx, objectPath, contentType, ttl)
	var ticket storage.UploadTicket
	if val := args.Get(0); val != nil {
		ticket = val.(storage.UploadTicket)
	}
	return ticket, args.Error(1)
}

func (m *MediaBrokerMock) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	args := m.Called(ctx, prefix)
	return args.Int(0), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Publish(ctx context.Context, threadID int64, event models.ChatEvent) {
	m.Called(ctx, threadID, event)
}

type DispatcherMock struct {
	mock.Mock
}

func (m *DispatcherMock) Enqueue(ctx context.Context, threadID int64) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

type ProcessorMock struct {
	mock.Mock
}

func (m *ProcessorMock) Process(ctx context.Context, threadID int64) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (policy.Actor, error) {
	args := m.Called(ctx, token)
	var actor policy.Actor
	if val := args.Get(0); val != nil {
		actor = val.(policy.Actor)
	}
	return actor, args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
