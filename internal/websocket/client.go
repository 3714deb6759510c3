package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tapgame-core/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64

	// snapshotTimeout bounds the record read done on subscribe
	snapshotTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected game client. It receives updates for the players it
// subscribed to and config generation changes.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a request sent by the client
type ClientMessage struct {
	Type      string `json:"type"`
	PlayerKey string `json:"player_key,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: hub.logger.With("client_id", id),
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn)
	h.Register(c)
	go c.writePump()
	go c.readPump()
	c.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		if msg.PlayerKey == "" {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "player_key required for " + msg.Type}})
			return
		}
		key, err := domain.ParsePlayerKey(msg.PlayerKey)
		if err != nil {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": err.Error()}})
			return
		}
		if msg.Type == MessageTypeUnsubscribe {
			c.hub.Unsubscribe(c, key.String())
			c.reply(Message{Type: "unsubscribed", PlayerKey: key.String(), Data: map[string]string{"status": "ok"}})
			return
		}
		c.hub.Subscribe(c, key.String())
		c.reply(Message{Type: "subscribed", PlayerKey: key.String(), Data: map[string]string{"status": "ok"}})
		c.sendSnapshot(key)

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// sendSnapshot delivers the committed record right after subscribing so the
// client starts from the same version later updates build on. Players without
// a record get nothing; subscribing never creates one.
func (c *Client) sendSnapshot(key domain.PlayerKey) {
	src := c.hub.snapshotSource()
	if src == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	rec, err := src.PeekPlayerState(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("snapshot read failed", "player_key", key.String(), "error", err)
		}
		return
	}
	c.reply(playerUpdateMessage(key.String(), rec))
}

func (c *Client) reply(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

// writePump owns all writes to the connection. Each queued message is sent
// as its own frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
