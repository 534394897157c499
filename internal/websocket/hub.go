package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hideseek-redis/internal/domain"
)

// Message types
const (
	MessageTypeGuessRecorded = "guess_recorded"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeError         = "error"
)

// Message is the envelope for every frame the server sends
type Message struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// GuessUpdate is pushed to a session's subscribers after every recorded guess
type GuessUpdate struct {
	Guess      domain.GuessRecord     `json:"guess"`
	Statistics domain.GuessStatistics `json:"statistics"`
}

type room map[*Client]struct{}

type subscriptionRequest struct {
	client    *Client
	sessionID string
	join      bool
}

// Hub fans recorded guesses out to viewers of the same session. All map
// mutations happen on the Run goroutine; mu only guards reads from the
// stats accessors.
type Hub struct {
	rooms   map[string]room
	members map[*Client]struct{}

	register      chan *Client
	unregister    chan *Client
	subscriptions chan subscriptionRequest
	broadcast     chan *Message

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:         make(map[string]room),
		members:       make(map[*Client]struct{}),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscriptions: make(chan subscriptionRequest, 64),
		broadcast:     make(chan *Message, 256),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run processes hub events until Stop is called
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.members[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case req := <-h.subscriptions:
			h.mu.Lock()
			if _, connected := h.members[req.client]; connected {
				if req.join {
					if h.rooms[req.sessionID] == nil {
						h.rooms[req.sessionID] = make(room)
					}
					h.rooms[req.sessionID][req.client] = struct{}{}
				} else {
					h.leave(req.client, req.sessionID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("subscription changed",
				"client_id", req.client.id,
				"session_id", req.sessionID,
				"join", req.join,
			)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[client]; !ok {
		return
	}
	delete(h.members, client)
	for sessionID := range h.rooms {
		h.leave(client, sessionID)
	}
	close(client.send)
}

// leave must be called with mu held
func (h *Hub) leave(client *Client, sessionID string) {
	r, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(r, client)
	if len(r) == 0 {
		delete(h.rooms, sessionID)
	}
}

func (h *Hub) deliver(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[message.SessionID] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id, "session_id", message.SessionID)
		}
	}
}

// BroadcastGuess sends a recorded guess and the refreshed statistics to the
// session's subscribers. It never blocks the caller.
func (h *Hub) BroadcastGuess(sessionID string, record domain.GuessRecord, stats domain.GuessStatistics) {
	message := &Message{
		Type:      MessageTypeGuessRecorded,
		SessionID: sessionID,
		Data: GuessUpdate{
			Guess:      record,
			Statistics: stats,
		},
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "session_id", sessionID)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client and all of its subscriptions
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a session's updates
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.enqueueSubscription(subscriptionRequest{client: client, sessionID: sessionID, join: true})
}

// Unsubscribe removes a client from a session's updates
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.enqueueSubscription(subscriptionRequest{client: client, sessionID: sessionID})
}

func (h *Hub) enqueueSubscription(req subscriptionRequest) {
	select {
	case h.subscriptions <- req:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers for a session
func (h *Hub) GetSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// GetSessionCount returns the number of sessions with at least one subscriber
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
