package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-service/internal/chat"
	"chat-service/internal/logging"
	"chat-service/internal/models"
	"chat-service/internal/observability"
	"chat-service/internal/policy"
)

// TokenValidator resolves a bearer token to an actor.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (policy.Actor, error)
}

// ThreadGate loads a thread the actor is allowed to view.
type ThreadGate interface {
	ViewableThread(ctx context.Context, threadID int64, actor policy.Actor) (models.Thread, error)
}

// ChatWebSocketHandler subscribes authorised actors to a thread topic.
type ChatWebSocketHandler struct {
	hub  *Hub
	gate ThreadGate
	auth TokenValidator
	log  *logrus.Entry
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, gate ThreadGate, auth TokenValidator, log *logrus.Entry) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{hub: hub, gate: gate, auth: auth, log: logging.Component(log, "ws")}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authorises the caller with the same view check as the REST read
// path, then upgrades and registers the connection.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	threadID, err := strconv.ParseInt(c.Param("thread_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}

	ctx, span := otel.Tracer("chat-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.Int64("thread.id", threadID))
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}

	actor, err := h.validateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.gate.ViewableThread(ctx, threadID, actor); err != nil {
		switch {
		case errors.Is(err, chat.ErrFeatureDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": "feature disabled"})
		case errors.Is(err, chat.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, chat.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for thread"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		ThreadID:    threadID,
		UserID:      actor.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestID(c),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.hub.AddClient(threadID, conn, info)

	observability.IncWSActive()
	observability.IncWSEvent(EventConnect)
	log := h.log.WithFields(info.Fields())
	log.Info("subscriber connected")
	emitLifecycle(h.hub.events, h.log, info, EventConnect, "")

	go client.WritePump()
	go h.readPump(client, conn, log)
}

// readPump drains client frames (only control frames are expected) and
// unregisters the client when the connection goes away.
func (h *ChatWebSocketHandler) readPump(client *Client, conn *websocket.Conn, log *logrus.Entry) {
	var closeReason string
	defer func() {
		h.hub.RemoveClient(client)
		client.Close()
		observability.DecWSActive()
		observability.IncWSEvent(EventDisconnect)
		log.WithFields(logrus.Fields{
			"duration_ms": time.Since(client.info.ConnectedAt).Milliseconds(),
			"reason":      closeReason,
		}).Info("subscriber disconnected")
		emitLifecycle(h.hub.events, h.log, client.info, EventDisconnect, closeReason)
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent(EventError)
				emitLifecycle(h.hub.events, h.log, client.info, EventError, closeReason)
			}
			return
		}
	}
}

func (h *ChatWebSocketHandler) validateToken(ctx context.Context, header string) (policy.Actor, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return policy.Actor{}, errors.New("invalid token")
	}
	return h.auth.ValidateToken(ctx, token)
}
