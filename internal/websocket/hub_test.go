package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hideseek-redis/internal/domain"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastGuessReachesSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SessionID: "s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readMessage(t, conn); ack.Type != "subscribed" || ack.SessionID != "s1" {
		t.Fatalf("expected subscribe ack, got %+v", ack)
	}
	waitFor(t, func() bool { return hub.GetSubscriberCount("s1") == 1 })

	record := domain.GuessRecord{SessionID: "s1", GuesserID: "alice", ObjectKey: "pumpkin", Timestamp: 1, IsCorrect: true}
	stats := domain.GuessStatistics{TotalGuesses: 1, CorrectGuesses: 1, UniqueGuessers: 1}
	hub.BroadcastGuess("other", record, stats)
	hub.BroadcastGuess("s1", record, stats)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeGuessRecorded || msg.SessionID != "s1" {
		t.Fatalf("expected guess_recorded for s1, got %+v", msg)
	}
	data, _ := json.Marshal(msg.Data)
	var update GuessUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if update.Guess.GuesserID != "alice" || update.Statistics.TotalGuesses != 1 {
		t.Errorf("unexpected update %+v", update)
	}
}

func TestSubscribeRequiresSessionID(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe})
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Errorf("expected error message, got %+v", msg)
	}

	conn.WriteJSON(ClientMessage{Type: MessageTypePing})
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("expected pong, got %+v", msg)
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SessionID: "s1"})
	readMessage(t, conn)
	waitFor(t, func() bool { return hub.GetSessionCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.GetTotalConnections() == 0 && hub.GetSessionCount() == 0 })
}

func TestSubscriptionLimit(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	for i := 0; i < maxSubscriptions; i++ {
		sessionID := "s" + strconv.Itoa(i)
		conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SessionID: sessionID})
		if ack := readMessage(t, conn); ack.Type != "subscribed" {
			t.Fatalf("expected ack for %s, got %+v", sessionID, ack)
		}
	}

	conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SessionID: "one-too-many"})
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Errorf("expected error past the limit, got %+v", msg)
	}

	// Re-subscribing to a watched session does not count against the limit.
	conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SessionID: "s0"})
	if ack := readMessage(t, conn); ack.Type != "subscribed" {
		t.Errorf("expected ack for repeat subscribe, got %+v", ack)
	}

	conn.WriteJSON(ClientMessage{Type: MessageTypeUnsubscribe, SessionID: "s0"})
	if ack := readMessage(t, conn); ack.Type != "unsubscribed" {
		t.Errorf("expected unsubscribe ack, got %+v", ack)
	}
	waitFor(t, func() bool { return hub.GetSessionCount() == maxSubscriptions-1 })
}
