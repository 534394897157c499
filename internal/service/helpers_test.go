package service

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	mr       *miniredis.Miniredis
	store    *redis.Store
	clock    *fakeClock
	sessions *SessionRegistry
	ranks    *RankEngine
	ledger   *GuessLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := discardLogger()
	store := redis.NewStoreWithClient(client, 1, logger)
	clock := newFakeClock()

	sessions := NewSessionRegistry(store, logger)
	sessions.SetClock(clock.Now)

	ranks := NewRankEngine(store, &config.RankConfig{}, logger)
	ranks.SetClock(clock.Now)

	ledger := NewGuessLedger(store, sessions, ranks, &config.GuessConfig{RateWindow: 2 * time.Second}, logger)
	ledger.SetClock(clock.Now)

	return &testEnv{
		mr:       mr,
		store:    store,
		clock:    clock,
		sessions: sessions,
		ranks:    ranks,
		ledger:   ledger,
	}
}
