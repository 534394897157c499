package kafka

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
)

type recordingHandler struct {
	mu      sync.Mutex
	batches []domain.BatchGuessSubmission
}

func (r *recordingHandler) SubmitGuessBatch(_ context.Context, batch domain.BatchGuessSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingHandler) guesses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b.Guesses)
	}
	return n
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked++
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "hideseek-guesses" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func guessMessage(t *testing.T, offset int64, guesserID string) *sarama.ConsumerMessage {
	t.Helper()
	value, err := EncodeGuess(domain.GuessSubmission{
		SessionID: "s1",
		GuesserID: guesserID,
		ObjectKey: "pumpkin",
		RelX:      0.5,
		RelY:      0.3,
	})
	if err != nil {
		t.Fatalf("EncodeGuess: %v", err)
	}
	return &sarama.ConsumerMessage{Offset: offset, Value: value}
}

func TestDecodeGuess(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", `{"sessionId":"s1","guesserId":"g1","objectKey":"pumpkin","relX":0.1,"relY":0.9}`, false},
		{"not json", `guess`, true},
		{"missing guesser", `{"sessionId":"s1","objectKey":"pumpkin","relX":0.1,"relY":0.9}`, true},
		{"out of range", `{"sessionId":"s1","guesserId":"g1","objectKey":"pumpkin","relX":2,"relY":0.9}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeGuess([]byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConsumeClaimBatchesGuesses(t *testing.T) {
	handler := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour}
	h := newGroupHandler(cfg, handler, logger, make(chan bool))

	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 5)}
	claim.messages <- guessMessage(t, 1, "alice")
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("{broken")}
	claim.messages <- guessMessage(t, 3, "bob")
	claim.messages <- guessMessage(t, 4, "carol")
	close(claim.messages)

	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if len(handler.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(handler.batches))
	}
	if len(handler.batches[0].Guesses) != 2 || len(handler.batches[1].Guesses) != 1 {
		t.Errorf("expected batches of 2 and 1, got %d and %d",
			len(handler.batches[0].Guesses), len(handler.batches[1].Guesses))
	}
	if handler.batches[0].Guesses[0].GuesserID != "alice" {
		t.Errorf("expected alice first, got %s", handler.batches[0].Guesses[0].GuesserID)
	}
	if session.marked != 4 {
		t.Errorf("expected every message marked, got %d", session.marked)
	}
}

func TestConsumeClaimFlushesOnTimeout(t *testing.T) {
	handler := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.KafkaConfig{BatchSize: 100, BatchTimeout: 10 * time.Millisecond}
	h := newGroupHandler(cfg, handler, logger, make(chan bool))

	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- guessMessage(t, 1, "alice")

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(session, claim) }()

	deadline := time.After(2 * time.Second)
	for handler.guesses() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected batch to flush on timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ConsumeClaim: %v", err)
	}
}
