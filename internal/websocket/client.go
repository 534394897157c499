package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hideseek-redis/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	// A viewer normally watches the one challenge on screen; a handful
	// covers feeds that preload neighbours.
	maxSubscriptions = 16

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Embedded clients connect from the host platform's origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one viewer connection. Its session set is only touched by
// readPump, so it needs no locking.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	sessions map[string]struct{}
	logger   *slog.Logger
}

// ClientMessage is a control frame sent by the viewer
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// NewClient creates a client bound to the hub
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		sessions: make(map[string]struct{}),
		logger:   logger.With("client_id", id),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError("invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if err := domain.ValidateIdentifier("session_id", msg.SessionID); err != nil {
			c.sendError("valid session_id required for subscribe")
			return
		}
		if _, ok := c.sessions[msg.SessionID]; !ok && len(c.sessions) >= maxSubscriptions {
			c.sendError("too many subscriptions")
			return
		}
		c.sessions[msg.SessionID] = struct{}{}
		c.hub.Subscribe(c, msg.SessionID)
		c.enqueue(Message{Type: "subscribed", SessionID: msg.SessionID, Data: map[string]string{"status": "ok"}})

	case MessageTypeUnsubscribe:
		if _, ok := c.sessions[msg.SessionID]; !ok {
			return
		}
		delete(c.sessions, msg.SessionID)
		c.hub.Unsubscribe(c, msg.SessionID)
		c.enqueue(Message{Type: "unsubscribed", SessionID: msg.SessionID, Data: map[string]string{"status": "ok"}})

	case MessageTypePing:
		c.enqueue(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// writePump sends one frame per queued message and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(reason string) {
	c.enqueue(Message{Type: MessageTypeError, Data: map[string]string{"error": reason}})
}

// enqueue drops the message when the client is not keeping up
func (c *Client) enqueue(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Debug("dropping message for slow client", "type", msg.Type)
	}
}

// ServeWs upgrades the request and starts the client pumps
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection", "remote_addr", r.RemoteAddr)
}
