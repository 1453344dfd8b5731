package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/models"
	"chat-service/internal/observability"
)

const (
	defaultSendBuffer = 32
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
)

// Topic is the realtime channel name of a thread.
func Topic(threadID int64) string {
	return fmt.Sprintf("chat.%d", threadID)
}

// Client is one subscriber of a thread topic. Events are queued on send and
// written by WritePump; a full queue gets the client dropped.
type Client struct {
	threadID  int64
	conn      *websocket.Conn
	info      ConnInfo
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Close stops the client's writer. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Hub maintains the subscribers of each thread topic on this instance.
type Hub struct {
	rooms      map[int64]map[*Client]struct{}
	mu         sync.RWMutex
	sendBuffer int
	events     EventPublisher
	log        *logrus.Entry
}

// NewHub creates an empty hub. events may be nil.
func NewHub(events EventPublisher, log *logrus.Entry) *Hub {
	return &Hub{
		rooms:      make(map[int64]map[*Client]struct{}),
		sendBuffer: defaultSendBuffer,
		events:     events,
		log:        logging.Component(log, "hub"),
	}
}

// AddClient registers a connection on a thread topic.
func (h *Hub) AddClient(threadID int64, conn *websocket.Conn, info ConnInfo) *Client {
	client := &Client{
		threadID: threadID,
		conn:     conn,
		info:     info,
		send:     make(chan []byte, h.sendBuffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[threadID]; !ok {
		h.rooms[threadID] = make(map[*Client]struct{})
	}
	h.rooms[threadID][client] = struct{}{}
	return client
}

// RemoveClient unregisters a client; removing twice is a no-op.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[client.threadID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.threadID)
		}
	}
}

// Subscribers returns how many clients listen on a thread topic.
func (h *Hub) Subscribers(threadID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[threadID])
}

// Publish encodes the event and delivers it to local subscribers.
func (h *Hub) Publish(_ context.Context, threadID int64, event models.ChatEvent) {
	payload, err := EncodeEvent(threadID, event)
	if err != nil {
		h.log.WithError(err).WithField("thread_id", threadID).Error("encode event")
		return
	}
	observability.IncRealtimeEvent(event.Event)
	h.Deliver(threadID, payload)
}

// Deliver queues payload for every subscriber of the thread. It never
// blocks: a subscriber whose queue is full is disconnected.
func (h *Hub) Deliver(threadID int64, payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[threadID]))
	for c := range h.rooms[threadID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			h.RemoveClient(c)
			c.Close()
			observability.IncRealtimeDropped()
			observability.IncWSEvent(EventError)
			h.log.WithFields(c.info.Fields()).Warn("slow subscriber dropped")
			go emitLifecycle(h.events, h.log, c.info, EventError, "send buffer full")
		}
	}
}

// EncodeEvent renders the wire envelope for a thread event.
func EncodeEvent(threadID int64, event models.ChatEvent) ([]byte, error) {
	event.Topic = Topic(threadID)
	return json.Marshal(event)
}

// WritePump writes queued events and keepalive pings until the client is
// closed or a write fails. It closes the connection on exit.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
