package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chat-service/internal/chat"
	"chat-service/internal/logging"
	"chat-service/internal/middleware"
	"chat-service/internal/models"
	"chat-service/internal/observability"
	"chat-service/internal/policy"
	"chat-service/internal/telemetry"
)

// ChatHandler manages request-scoped chat endpoints.
type ChatHandler struct {
	svc   *chat.Service
	audit *telemetry.AuditEmitter
	log   *logrus.Entry
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(svc *chat.Service, audit *telemetry.AuditEmitter, log *logrus.Entry) *ChatHandler {
	return &ChatHandler{svc: svc, audit: audit, log: logging.Component(log, "http")}
}

// Register mounts the chat routes on an authenticated group. postLimit
// throttles message posting and upload URL requests.
func (h *ChatHandler) Register(rg *gin.RouterGroup, postLimit gin.HandlerFunc) {
	rg.POST("/requests/:request_id/chat/open", h.OpenThread)
	rg.GET("/requests/:request_id/chat", h.GetThreadForRequest)
	rg.GET("/chat/threads/:thread_id/messages", h.ListMessages)
	rg.POST("/chat/threads/:thread_id/upload-url", postLimit, h.RequestUploadURL)
	rg.POST("/chat/threads/:thread_id/messages", postLimit, h.PostMessage)
	rg.PATCH("/chat/threads/:thread_id/close", h.CloseThread)
}

type threadResponse struct {
	ThreadID int64               `json:"threadId"`
	Status   models.ThreadStatus `json:"status"`
	OpenedAt time.Time           `json:"openedAt"`
	ClosedAt *time.Time          `json:"closedAt"`
}

type messageResponse struct {
	ID        int64              `json:"id"`
	ThreadID  int64              `json:"threadId"`
	SenderID  int64              `json:"senderId"`
	Type      models.MessageType `json:"type"`
	Text      *string            `json:"text"`
	Latitude  *float64           `json:"lat,omitempty"`
	Longitude *float64           `json:"lng,omitempty"`
	MediaPath *string            `json:"mediaPath,omitempty"`
	MediaURL  *string            `json:"mediaUrl"`
	CreatedAt time.Time          `json:"createdAt"`
}

// OpenThread returns the request's thread, creating it on first call.
func (h *ChatHandler) OpenThread(c *gin.Context) {
	requestID, ok := pathID(c, "request_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	thread, err := h.svc.OpenThread(c.Request.Context(), requestID, actor)
	if err != nil {
		h.logFailure(c, err, "open thread failed")
		respondError(c, err, "failed to open thread")
		return
	}

	h.record(c, actor, telemetry.ActionThreadOpened, thread.ID)
	c.JSON(http.StatusOK, gin.H{"threadId": thread.ID})
}

// GetThreadForRequest returns the thread scoped to a request.
func (h *ChatHandler) GetThreadForRequest(c *gin.Context) {
	requestID, ok := pathID(c, "request_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	thread, err := h.svc.ThreadForRequest(c.Request.Context(), requestID, actor)
	if err != nil {
		h.logFailure(c, err, "thread lookup failed")
		respondError(c, err, "failed to load thread")
		return
	}

	c.JSON(http.StatusOK, threadResponse{ThreadID: thread.ID, Status: thread.Status, OpenedAt: thread.OpenedAt, ClosedAt: thread.ClosedAt})
}

// ListMessages returns one page of history, newest first.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	threadID, ok := pathID(c, "thread_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			validationFailed(c, "cursor", "must be a positive message id")
			return
		}
		cursor = &v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			validationFailed(c, "limit", "must be a positive integer")
			return
		}
		limit = v
	}

	page, err := h.svc.ListMessages(c.Request.Context(), threadID, actor, cursor, limit)
	if err != nil {
		h.logFailure(c, err, "list messages failed")
		respondError(c, err, "failed to load messages")
		return
	}

	messages := make([]messageResponse, 0, len(page.Messages))
	for _, m := range page.Messages {
		messages = append(messages, messageResponse{
			ID:        m.ID,
			ThreadID:  m.ThreadID,
			SenderID:  m.SenderID,
			Type:      m.Type,
			Text:      m.Text,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			MediaPath: m.MediaPath,
			MediaURL:  m.MediaURL,
			CreatedAt: m.CreatedAt,
		})
	}

	var next *string
	if page.NextCursor != nil {
		s := strconv.FormatInt(*page.NextCursor, 10)
		next = &s
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "nextCursor": next})
}

// RequestUploadURL signs an upload into the thread's media folder.
func (h *ChatHandler) RequestUploadURL(c *gin.Context) {
	threadID, ok := pathID(c, "thread_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.svc.RequestUploadURL(c.Request.Context(), threadID, actor, req.Filename, req.ContentType)
	if err != nil {
		h.logFailure(c, err, "upload url failed")
		respondError(c, err, "failed to issue upload url")
		return
	}

	h.record(c, actor, telemetry.ActionUploadIssued, threadID)
	c.JSON(http.StatusOK, ticket)
}

type postMessageRequest struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Lat       json.RawMessage `json:"lat"`
	Lng       json.RawMessage `json:"lng"`
	MediaPath string          `json:"mediaPath"`
}

// PostMessage stores a message and broadcasts it to subscribers.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	threadID, ok := pathID(c, "thread_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.PostMessage(c.Request.Context(), threadID, actor, chat.MessageInput{
		Type:      req.Type,
		Text:      req.Text,
		Lat:       rawCoordinate(req.Lat),
		Lng:       rawCoordinate(req.Lng),
		MediaPath: req.MediaPath,
	})
	if err != nil {
		h.logFailure(c, err, "post message failed")
		respondError(c, err, "failed to post message")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": msg.ID})
}

// CloseThread terminates the thread; cleanup runs in the background.
func (h *ChatHandler) CloseThread(c *gin.Context) {
	threadID, ok := pathID(c, "thread_id")
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	thread, err := h.svc.CloseThread(c.Request.Context(), threadID, actor)
	if err != nil {
		h.logFailure(c, err, "close thread failed")
		respondError(c, err, "failed to close thread")
		return
	}

	h.record(c, actor, telemetry.ActionThreadClosed, threadID)
	c.JSON(http.StatusOK, gin.H{"status": thread.Status, "closedAt": thread.ClosedAt})
}

// rawCoordinate turns a JSON number or numeric string into text for the
// service to parse. Other JSON values pass through and fail validation there.
func rawCoordinate(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *ChatHandler) actor(c *gin.Context) (policy.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return policy.Actor{}, false
	}
	return actor, true
}

func (h *ChatHandler) record(c *gin.Context, actor policy.Actor, action telemetry.Action, threadID int64) {
	h.audit.Record(c.Request.Context(), telemetry.Record{
		Action:    action,
		RequestID: observability.RequestID(c),
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		ThreadID:  threadID,
	})
}

func (h *ChatHandler) logFailure(c *gin.Context, err error, msg string) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": observability.RequestID(c),
		"path":       c.FullPath(),
	}).Warn(msg)
}
