package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Conn is a live realtime connection of one verified subject
type Conn struct {
	*models.Connection

	ws   *websocket.Conn
	send chan []byte // outbound queue, closed on disconnect
	hub  *Hub

	// guarded by hub.mu
	collections map[string]struct{}

	mu     sync.Mutex
	groups []string
	closed bool
}

// Messages returns the outbound queue; it is closed when the hub drops the connection
func (c *Conn) Messages() <-chan []byte {
	return c.send
}

func (c *Conn) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.LastActiveAt = time.Now()
	c.mu.Unlock()
}

func (c *Conn) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActiveAt
}

func (c *Conn) subjectGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups
}

func (c *Conn) setGroups(groups []string) {
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
}

// ReadPump reads subscribe/unsubscribe requests until the socket fails
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(c.ID)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.touch()
		c.handleMessage(ctx, raw)
	}
}

func (c *Conn) handleMessage(ctx context.Context, raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(&models.ServerMessage{Type: models.MessageError, Error: "malformed message"})
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("connection.id", c.ID),
		attribute.String("message.type", msg.Type),
		attribute.String("message.collection", msg.Collection),
	)
	defer span.End()

	switch msg.Type {
	case models.MessageSubscribe:
		if err := c.hub.Subscribe(ctx, c.ID, msg.Collection); err != nil {
			middleware.AddSpanError(ctx, err)
			c.reply(&models.ServerMessage{
				Type:       models.MessageError,
				Collection: msg.Collection,
				Error:      clientError(err),
			})
		}
	case models.MessageUnsubscribe:
		c.hub.Unsubscribe(c.ID, msg.Collection)
	default:
		c.reply(&models.ServerMessage{Type: models.MessageError, Error: "unknown message type " + msg.Type})
	}
}

func (c *Conn) reply(msg *models.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// clientError hides internal failures from the peer
func clientError(err error) string {
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		return models.ErrPermissionDenied.Error()
	case errors.Is(err, models.ErrInvalidRequest):
		return err.Error()
	}
	return "subscribe failed"
}

// WritePump writes queued messages, one text frame per message, and pings
// the peer to keep the connection alive
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
