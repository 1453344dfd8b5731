package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-service/internal/logging"
	"chat-service/internal/models"
	"chat-service/internal/policy"
	"chat-service/internal/repositories"
	"chat-service/internal/storage"
)

// MediaBroker validates and signs media references.
type MediaBroker interface {
	ValidateThreadPath(threadID int64, objectPath string) bool
	AllowsContentType(contentType string) bool
	NewThreadObjectPath(threadID int64, contentType string) (string, bool)
	SignGetURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	SignPutURL(ctx context.Context, objectPath, contentType string, ttl time.Duration) (storage.UploadTicket, error)
}

// Broadcaster publishes events to a thread topic without waiting on
// subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, threadID int64, event models.ChatEvent)
}

// CleanupDispatcher schedules post-close cleanup for a thread.
type CleanupDispatcher interface {
	Enqueue(ctx context.Context, threadID int64) error
}

// Config is the injected chat configuration.
type Config struct {
	Enabled      bool
	SignedURLTTL time.Duration
}

// MessageInput is a post-message payload as received. Coordinates stay raw
// so that authorization is decided before payload validation.
type MessageInput struct {
	Type      string
	Text      string
	Lat       string
	Lng       string
	MediaPath string
}

// MessageView is a message with its media reference resolved.
type MessageView struct {
	models.Message
	MediaURL *string `json:"mediaUrl"`
}

// Page is a page of resolved messages.
type Page struct {
	Messages   []MessageView
	NextCursor *int64
}

// Service owns the thread state machine: open creates, close terminates,
// and messages may only be added in between.
type Service struct {
	threads     repositories.ThreadRepository
	messages    repositories.MessageRepository
	requests    repositories.RequestRepository
	media       MediaBroker
	broadcaster Broadcaster
	cleanup     CleanupDispatcher
	cfg         Config
	log         *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time
}

// NewService wires a Service.
func NewService(
	threads repositories.ThreadRepository,
	messages repositories.MessageRepository,
	requests repositories.RequestRepository,
	media MediaBroker,
	broadcaster Broadcaster,
	cleanup CleanupDispatcher,
	cfg Config,
	log *logrus.Entry,
) *Service {
	return &Service{
		threads:     threads,
		messages:    messages,
		requests:    requests,
		media:       media,
		broadcaster: broadcaster,
		cleanup:     cleanup,
		cfg:         cfg,
		log:         logging.Component(log, "chat"),
		tracer:      otel.Tracer("chat-service/chat"),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Enabled reports the feature switch.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// OpenThread returns the thread for a request, creating it on first call.
// Concurrent first calls converge on the row that won the unique constraint.
func (s *Service) OpenThread(ctx context.Context, requestID int64, actor policy.Actor) (models.Thread, error) {
	if !s.cfg.Enabled {
		return models.Thread{}, ErrFeatureDisabled
	}
	ctx, span := s.tracer.Start(ctx, "chat.OpenThread", trace.WithAttributes(attribute.Int64("request.id", requestID)))
	defer span.End()

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repositories.ErrRequestNotFound) {
			return models.Thread{}, fmt.Errorf("request %d: %w", requestID, ErrNotFound)
		}
		return models.Thread{}, s.fail(span, fmt.Errorf("load request: %w", err))
	}
	if !policy.CanOpen(actor, req) {
		return models.Thread{}, ErrForbidden
	}

	existing, err := s.threads.FindByRequest(ctx, requestID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrThreadNotFound) {
		return models.Thread{}, s.fail(span, fmt.Errorf("find thread: %w", err))
	}

	thread := models.Thread{
		RequestID: requestID,
		ClientID:  req.ClientID,
		Status:    models.ThreadOpen,
		OpenedAt:  s.now(),
	}
	if actor.IsAdmin() {
		adminID := actor.ID
		thread.AdminID = &adminID
	}

	created, err := s.threads.Create(ctx, thread)
	if errors.Is(err, repositories.ErrDuplicateThread) {
		// lost the race; the winner's row is the thread
		winner, findErr := s.threads.FindByRequest(ctx, requestID)
		if findErr != nil {
			return models.Thread{}, s.fail(span, fmt.Errorf("reload thread after conflict: %w", findErr))
		}
		return winner, nil
	}
	if err != nil {
		return models.Thread{}, s.fail(span, fmt.Errorf("create thread: %w", err))
	}

	span.SetAttributes(attribute.Int64("thread.id", created.ID))
	s.log.WithFields(logrus.Fields{"thread_id": created.ID, "request_id": requestID, "actor_id": actor.ID}).Info("thread opened")
	return created, nil
}

// ThreadForRequest returns the thread scoped to a request if the actor may view it.
func (s *Service) ThreadForRequest(ctx context.Context, requestID int64, actor policy.Actor) (models.Thread, error) {
	if !s.cfg.Enabled {
		return models.Thread{}, ErrFeatureDisabled
	}
	thread, err := s.threads.FindByRequest(ctx, requestID)
	if err != nil {
		return models.Thread{}, s.mapThreadErr(err)
	}
	if !policy.CanView(actor, thread) {
		return models.Thread{}, ErrForbidden
	}
	return thread, nil
}

// ViewableThread loads a thread and checks view access. The realtime
// subscribe handshake goes through here as well as the REST read path.
func (s *Service) ViewableThread(ctx context.Context, threadID int64, actor policy.Actor) (models.Thread, error) {
	if !s.cfg.Enabled {
		return models.Thread{}, ErrFeatureDisabled
	}
	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return models.Thread{}, s.mapThreadErr(err)
	}
	if !policy.CanView(actor, thread) {
		return models.Thread{}, ErrForbidden
	}
	return thread, nil
}

// PostMessage validates and stores a message, then announces it.
func (s *Service) PostMessage(ctx context.Context, threadID int64, sender policy.Actor, in MessageInput) (models.Message, error) {
	if !s.cfg.Enabled {
		return models.Message{}, ErrFeatureDisabled
	}
	ctx, span := s.tracer.Start(ctx, "chat.PostMessage", trace.WithAttributes(
		attribute.Int64("thread.id", threadID),
		attribute.String("message.type", in.Type),
	))
	defer span.End()

	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return models.Message{}, s.mapThreadErr(err)
	}
	if !policy.CanPost(sender, thread) {
		return models.Message{}, ErrForbidden
	}

	msg, err := s.buildMessage(thread, sender, in)
	if err != nil {
		return models.Message{}, err
	}

	stored, err := s.messages.Insert(ctx, msg)
	if err != nil {
		return models.Message{}, s.fail(span, fmt.Errorf("insert message: %w", err))
	}
	span.SetAttributes(attribute.Int64("message.id", stored.ID))

	view := s.resolve(ctx, stored)
	s.broadcaster.Publish(ctx, threadID, models.ChatEvent{
		Event: models.EventMessageCreated,
		Data: models.MessageCreated{
			ID:        stored.ID,
			Type:      stored.Type,
			Text:      stored.Text,
			Latitude:  stored.Latitude,
			Longitude: stored.Longitude,
			MediaURL:  view.MediaURL,
			SenderID:  stored.SenderID,
			CreatedAt: stored.CreatedAt,
		},
	})
	return stored, nil
}

// ListMessages returns a page of the thread's history, newest first.
func (s *Service) ListMessages(ctx context.Context, threadID int64, actor policy.Actor, cursor *int64, limit int) (Page, error) {
	if _, err := s.ViewableThread(ctx, threadID, actor); err != nil {
		return Page{}, err
	}

	page, err := s.messages.ListByThread(ctx, threadID, cursor, repositories.ClampLimit(limit))
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}

	views := make([]MessageView, 0, len(page.Messages))
	for _, m := range page.Messages {
		views = append(views, s.resolve(ctx, m))
	}
	return Page{Messages: views, NextCursor: page.NextCursor}, nil
}

// RequestUploadURL signs an upload into the thread's media folder under a
// server-generated name.
func (s *Service) RequestUploadURL(ctx context.Context, threadID int64, actor policy.Actor, filename, contentType string) (storage.UploadTicket, error) {
	if !s.cfg.Enabled {
		return storage.UploadTicket{}, ErrFeatureDisabled
	}
	ctx, span := s.tracer.Start(ctx, "chat.RequestUploadURL", trace.WithAttributes(attribute.Int64("thread.id", threadID)))
	defer span.End()

	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return storage.UploadTicket{}, s.mapThreadErr(err)
	}
	if !policy.CanPost(actor, thread) {
		return storage.UploadTicket{}, ErrForbidden
	}
	if strings.TrimSpace(filename) == "" {
		return storage.UploadTicket{}, invalid("filename", "is required")
	}
	if !s.media.AllowsContentType(contentType) {
		return storage.UploadTicket{}, invalid("contentType", "is not an allowed image type")
	}

	objectPath, ok := s.media.NewThreadObjectPath(thread.ID, contentType)
	if !ok {
		return storage.UploadTicket{}, invalid("contentType", "is not an allowed image type")
	}
	ticket, err := s.media.SignPutURL(ctx, objectPath, contentType, s.cfg.SignedURLTTL)
	if err != nil {
		return storage.UploadTicket{}, s.fail(span, fmt.Errorf("%w: %v", ErrStorage, err))
	}
	if ticket.URL == "" {
		return storage.UploadTicket{}, s.fail(span, fmt.Errorf("%w: upload url not issued", ErrStorage))
	}
	return ticket, nil
}

// CloseThread terminates a thread. Closing a closed thread returns it as is.
// Cleanup is queued, not awaited.
func (s *Service) CloseThread(ctx context.Context, threadID int64, actor policy.Actor) (models.Thread, error) {
	if !s.cfg.Enabled {
		return models.Thread{}, ErrFeatureDisabled
	}
	ctx, span := s.tracer.Start(ctx, "chat.CloseThread", trace.WithAttributes(attribute.Int64("thread.id", threadID)))
	defer span.End()

	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return models.Thread{}, s.mapThreadErr(err)
	}
	if !policy.CanClose(actor, thread) {
		return models.Thread{}, ErrForbidden
	}
	if !thread.IsOpen() {
		return thread, nil
	}

	closedAt := s.now()
	changed, err := s.threads.Close(ctx, threadID, closedAt)
	if err != nil {
		return models.Thread{}, s.fail(span, fmt.Errorf("close thread: %w", err))
	}
	if !changed {
		// a concurrent close won; report its state without a second event
		current, err := s.threads.FindByID(ctx, threadID)
		if err != nil {
			return models.Thread{}, s.mapThreadErr(err)
		}
		return current, nil
	}

	thread.Status = models.ThreadClosed
	thread.ClosedAt = &closedAt

	log := s.log.WithFields(logrus.Fields{"thread_id": threadID, "actor_id": actor.ID})
	if err := s.cleanup.Enqueue(ctx, threadID); err != nil {
		// the sweeper picks up threads whose cleanup never ran
		log.WithError(err).Warn("cleanup enqueue failed")
	}
	s.broadcaster.Publish(ctx, threadID, models.ChatEvent{
		Event: models.EventThreadClosed,
		Data:  models.ThreadClosedEvent{ThreadID: threadID, ClosedAt: closedAt},
	})
	log.Info("thread closed")
	return thread, nil
}

func (s *Service) buildMessage(thread models.Thread, sender policy.Actor, in MessageInput) (models.Message, error) {
	msg := models.Message{
		ThreadID:  thread.ID,
		SenderID:  sender.ID,
		Type:      models.MessageType(in.Type),
		CreatedAt: s.now(),
	}

	switch msg.Type {
	case models.MessageText:
		if strings.TrimSpace(in.Text) == "" {
			return models.Message{}, invalid("text", "must not be empty")
		}
		text := in.Text
		msg.Text = &text
	case models.MessageLocation:
		lat, err := parseCoordinate(in.Lat)
		if err != nil {
			return models.Message{}, invalid("lat", err.Error())
		}
		lng, err := parseCoordinate(in.Lng)
		if err != nil {
			return models.Message{}, invalid("lng", err.Error())
		}
		msg.Latitude = &lat
		msg.Longitude = &lng
	case models.MessageImage:
		if !s.media.ValidateThreadPath(thread.ID, in.MediaPath) {
			return models.Message{}, invalid("mediaPath", "does not belong to this thread")
		}
		path := in.MediaPath
		msg.MediaPath = &path
	default:
		return models.Message{}, invalid("type", "must be one of text, image, location")
	}
	return msg, nil
}

func parseCoordinate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("must be numeric")
	}
	return v, nil
}

// resolve signs the media path of an image message. Signing failures leave
// MediaURL nil rather than failing the caller.
func (s *Service) resolve(ctx context.Context, m models.Message) MessageView {
	view := MessageView{Message: m}
	if m.Type != models.MessageImage || m.MediaPath == nil {
		return view
	}
	url, err := s.media.SignGetURL(ctx, *m.MediaPath, s.cfg.SignedURLTTL)
	if err != nil {
		s.log.WithError(err).WithField("message_id", m.ID).Warn("media url unavailable")
		return view
	}
	if url != "" {
		view.MediaURL = &url
	}
	return view
}

func (s *Service) mapThreadErr(err error) error {
	if errors.Is(err, repositories.ErrThreadNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("load thread: %w", err)
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
