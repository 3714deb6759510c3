package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tapgame-core/internal/domain"
)

// Message types
const (
	MessageTypePlayerUpdate = "player_update"
	MessageTypeConfigUpdate = "config_update"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	PlayerKey string      `json:"player_key,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PlayerUpdate carries a committed player record
type PlayerUpdate struct {
	PlayerKey string               `json:"player_key"`
	Version   int64                `json:"version"`
	Record    *domain.PlayerRecord `json:"record"`
}

// ConfigUpdate announces a new generation of one config variant
type ConfigUpdate struct {
	Variant    domain.Variant `json:"variant"`
	Generation uint64         `json:"generation"`
	Count      int            `json:"count"`
}

// SnapshotSource reads a player's committed record without creating one
type SnapshotSource interface {
	PeekPlayerState(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error)
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients by player key
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound messages
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Mutex for thread-safe operations
	mu sync.RWMutex

	snapshots SnapshotSource

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client    *Client
	playerKey string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all player subscriptions
				for key, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, key)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.clients[req.playerKey]; !ok {
					h.clients[req.playerKey] = make(map[*Client]bool)
				}
				h.clients[req.playerKey][req.client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "player_key", req.playerKey)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.playerKey]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.playerKey)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "player_key", req.playerKey)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// Player messages only go to that player's subscribers
	targets := h.allClients
	if message.PlayerKey != "" {
		targets = h.clients[message.PlayerKey]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// SetSnapshotSource installs the reader used to send the current record to
// new subscribers.
func (h *Hub) SetSnapshotSource(src SnapshotSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = src
}

func (h *Hub) snapshotSource() SnapshotSource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshots
}

func playerUpdateMessage(key string, rec *domain.PlayerRecord) Message {
	return Message{
		Type:      MessageTypePlayerUpdate,
		PlayerKey: key,
		Data: PlayerUpdate{
			PlayerKey: key,
			Version:   rec.Version,
			Record:    rec,
		},
		Timestamp: time.Now(),
	}
}

// BroadcastPlayerUpdate sends a committed record to the player's subscribers
func (h *Hub) BroadcastPlayerUpdate(key string, rec *domain.PlayerRecord) {
	msg := playerUpdateMessage(key, rec)
	h.enqueue(&msg)
}

// BroadcastConfigUpdate tells every client that a variant was resynced
func (h *Hub) BroadcastConfigUpdate(v domain.Variant, generation uint64, count int) {
	h.enqueue(&Message{
		Type: MessageTypeConfigUpdate,
		Data: ConfigUpdate{
			Variant:    v,
			Generation: generation,
			Count:      count,
		},
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a player's updates
func (h *Hub) Subscribe(client *Client, playerKey string) {
	h.subscribe <- &subscriptionRequest{
		client:    client,
		playerKey: playerKey,
	}
}

// Unsubscribe removes a client from a player's updates
func (h *Hub) Unsubscribe(client *Client, playerKey string) {
	h.unsubscribe <- &subscriptionRequest{
		client:    client,
		playerKey: playerKey,
	}
}

// GetSubscriberCount returns the number of subscribers for a player
func (h *Hub) GetSubscriberCount(playerKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerKey])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
