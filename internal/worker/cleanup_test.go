package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

func newTestWorker(t *testing.T) (*CleanupWorker, *redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := redis.NewStoreWithClient(client, 1, logger)

	cfg := &config.CleanupConfig{
		Interval:         time.Hour,
		BatchSize:        100,
		RetryAttempts:    2,
		RetryDelay:       time.Millisecond,
		HistorySize:      3,
		HealthSampleSize: 50,
	}
	return NewCleanupWorker(store, cfg, logger), store, mr
}

func putSession(t *testing.T, store *redis.Store, id string, createdAt time.Time) {
	t.Helper()
	err := store.PutSession(context.Background(), &domain.GameSession{
		SessionID:  id,
		CreatorID:  "creator",
		MapKey:     "attic",
		HidingSpot: domain.HidingSpot{ObjectKey: "pumpkin", RelX: 0.5, RelY: 0.3},
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("PutSession: %v", err)
	}
}

func putGuess(t *testing.T, store *redis.Store, sessionID, guesserID string, ts int64) {
	t.Helper()
	err := store.AppendGuess(context.Background(), &domain.GuessRecord{
		SessionID: sessionID,
		GuesserID: guesserID,
		ObjectKey: "pumpkin",
		RelX:      0.1,
		RelY:      0.1,
		Timestamp: ts,
		Distance:  0.45,
	})
	if err != nil {
		t.Fatalf("AppendGuess: %v", err)
	}
}

// dropTTL rewrites a key without its expiry
func dropTTL(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	value, err := mr.Get(key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	mr.Set(key, value)
	if mr.TTL(key) != 0 {
		t.Fatalf("expected %s to have no ttl", key)
	}
}

func TestCleanupPassLeavesLiveDataAlone(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	now := time.Now()
	putSession(t, store, "live", now)
	putGuess(t, store, "live", "alice", now.UnixMilli())
	store.PutPostMapping(ctx, domain.PostMapping{PostID: "t3_live", SessionID: "live"})
	before := mr.Keys()

	run, err := w.RunCleanupPass(ctx)
	if err != nil {
		t.Fatalf("RunCleanupPass: %v", err)
	}
	if !run.Succeeded {
		t.Error("expected pass to succeed")
	}
	if run.KeysDeleted != 0 || run.KeysRepaired != 0 {
		t.Errorf("expected nothing deleted or repaired, got %+v", run)
	}
	if run.KeysScanned != int64(len(before)) {
		t.Errorf("expected %d keys scanned, got %d", len(before), run.KeysScanned)
	}
	if after := mr.Keys(); len(after) != len(before) {
		t.Errorf("expected %d keys, got %d", len(before), len(after))
	}
}

func TestCleanupPassRepairsMissingTTL(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	putSession(t, store, "s1", time.Now())
	store.PutPostMapping(ctx, domain.PostMapping{PostID: "t3_a", SessionID: "s1"})
	dropTTL(t, mr, "game_session:s1")
	dropTTL(t, mr, "post_mapping:t3_a")

	run, err := w.RunCleanupPass(ctx)
	if err != nil {
		t.Fatalf("RunCleanupPass: %v", err)
	}
	if run.KeysRepaired != 2 {
		t.Errorf("expected 2 repaired keys, got %d", run.KeysRepaired)
	}
	for _, key := range []string{"game_session:s1", "post_mapping:t3_a"} {
		if ttl := mr.TTL(key); ttl != store.TTL() {
			t.Errorf("expected %s ttl %v, got %v", key, store.TTL(), ttl)
		}
	}
}

func TestCleanupPassRemovesOrphans(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	now := time.Now()
	putSession(t, store, "live", now)
	store.PutPostMapping(ctx, domain.PostMapping{PostID: "t3_orphan", SessionID: "gone"})
	putGuess(t, store, "gone", "alice", now.UnixMilli())
	putGuess(t, store, "gone", "bob", now.UnixMilli()+1)
	store.PutStatistics(ctx, "gone", &domain.GuessStatistics{TotalGuesses: 2, UniqueGuessers: 2, AverageDistance: 0.45})

	run, err := w.RunCleanupPass(ctx)
	if err != nil {
		t.Fatalf("RunCleanupPass: %v", err)
	}

	// mapping + 2 records + log + stats
	if run.KeysDeleted != 5 {
		t.Errorf("expected 5 deleted keys, got %d", run.KeysDeleted)
	}
	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != "game_session:live" {
		t.Errorf("expected only the live session to remain, got %v", keys)
	}
}

func TestCleanupPassRemovesStaleRecords(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-31 * 24 * time.Hour)
	putSession(t, store, "old", old)
	putGuess(t, store, "old", "alice", old.UnixMilli())
	store.PutPostMapping(ctx, domain.PostMapping{PostID: "t3_old", SessionID: "old"})

	stale := domain.NewPlayerProfile("dormant", "", old)
	fresh := domain.NewPlayerProfile("active", "", now)
	store.PutProfile(ctx, stale)
	store.PutProfile(ctx, fresh)

	run, err := w.RunCleanupPass(ctx)
	if err != nil {
		t.Fatalf("RunCleanupPass: %v", err)
	}
	if !run.Succeeded {
		t.Error("expected pass to succeed")
	}

	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != "player:active" {
		t.Errorf("expected only the active profile to remain, got %v", keys)
	}
}

func TestCleanupPassDeletesUnreadableRecords(t *testing.T) {
	w, _, mr := newTestWorker(t)

	mr.Set("game_session:broken", "{not json")
	mr.SetTTL("game_session:broken", time.Hour)

	if _, err := w.RunCleanupPass(context.Background()); err != nil {
		t.Fatalf("RunCleanupPass: %v", err)
	}
	if mr.Exists("game_session:broken") {
		t.Error("expected unreadable session to be deleted")
	}
}

func TestCleanupPassCountsFailedBatches(t *testing.T) {
	w, store, mr := newTestWorker(t)
	putSession(t, store, "s1", time.Now())

	mr.SetError("LOADING redis is loading")
	run, err := w.RunCleanupPass(context.Background())
	mr.SetError("")

	if err != nil {
		t.Fatalf("expected failures to be absorbed, got %v", err)
	}
	if run.Succeeded {
		t.Error("expected pass to be marked failed")
	}
	if run.FailedBatches != len(redis.Namespaces) {
		t.Errorf("expected %d failed batches, got %d", len(redis.Namespaces), run.FailedBatches)
	}

	run, err = w.RunCleanupPass(context.Background())
	if err != nil || !run.Succeeded {
		t.Errorf("expected recovery once the store is back, got %+v (%v)", run, err)
	}
}

func TestCleanupPassRejectsConcurrentRun(t *testing.T) {
	w, _, _ := newTestWorker(t)

	w.inFlight.Store(true)
	_, err := w.RunCleanupPass(context.Background())
	if !errors.Is(err, domain.ErrCleanupInProgress) {
		t.Errorf("expected ErrCleanupInProgress, got %v", err)
	}

	if err := w.ForceRun(context.Background()); !errors.Is(err, domain.ErrCleanupInProgress) {
		t.Errorf("expected ForceRun to be rejected, got %v", err)
	}

	w.inFlight.Store(false)
	if _, err := w.RunCleanupPass(context.Background()); err != nil {
		t.Errorf("expected pass to succeed, got %v", err)
	}
}

// waitForIdle waits until no pass is in flight and n runs are in history
func waitForIdle(t *testing.T, w *CleanupWorker, n int) domain.CleanupStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status := w.Status()
		if !status.Running && len(status.History) == n {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d finished runs, got %+v", n, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForceRunOutlivesCallerContext(t *testing.T) {
	w, store, mr := newTestWorker(t)
	now := time.Now()
	putSession(t, store, "live", now)
	mr.Set("post_mapping:orphan", "gone")

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.ForceRun(ctx); err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	cancel()

	status := waitForIdle(t, w, 1)
	if !status.LastRun.Succeeded {
		t.Errorf("expected forced pass to finish despite cancelled caller, got %+v", status.LastRun)
	}
	if mr.Exists("post_mapping:orphan") {
		t.Error("expected orphan mapping to be removed")
	}
	if !mr.Exists("game_session:live") {
		t.Error("expected live session to be kept")
	}
}

func TestCleanupPassCancelled(t *testing.T) {
	w, _, _ := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := w.RunCleanupPass(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if run == nil || run.Succeeded {
		t.Errorf("expected an unsuccessful run, got %+v", run)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	w, _, _ := newTestWorker(t)

	for i := 0; i < 5; i++ {
		if _, err := w.RunCleanupPass(context.Background()); err != nil {
			t.Fatalf("RunCleanupPass: %v", err)
		}
	}

	if got := len(w.History()); got != 3 {
		t.Errorf("expected 3 runs in history, got %d", got)
	}
	status := w.Status()
	if status.LastRun == nil {
		t.Fatal("expected last run in status")
	}
	if status.Running {
		t.Error("expected no pass in flight")
	}
}

type recorderFunc func(domain.CleanupRun) error

func (f recorderFunc) RecordCleanupRun(_ context.Context, run domain.CleanupRun) error {
	return f(run)
}

func TestCleanupRunIsRecorded(t *testing.T) {
	w, _, _ := newTestWorker(t)

	var recorded []domain.CleanupRun
	w.SetRecorder(recorderFunc(func(run domain.CleanupRun) error {
		recorded = append(recorded, run)
		return errors.New("archive offline")
	}))

	if _, err := w.RunCleanupPass(context.Background()); err != nil {
		t.Fatalf("expected archive failure to be ignored, got %v", err)
	}
	if len(recorded) != 1 {
		t.Errorf("expected one recorded run, got %d", len(recorded))
	}
}

func TestScheduleRunsPasses(t *testing.T) {
	w, _, _ := newTestWorker(t)

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})
	w.SetRecorder(recorderFunc(func(domain.CleanupRun) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 2 {
			close(done)
		}
		return nil
	}))

	if err := w.Schedule(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !w.IsRunning() || !w.Status().Scheduled {
		t.Error("expected worker to be scheduled")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected two scheduled passes")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.IsRunning() {
		t.Error("expected worker to be stopped")
	}

	// restartable after stop
	if err := w.Schedule(context.Background(), time.Hour); err != nil {
		t.Fatalf("Schedule after Stop: %v", err)
	}
	if w.Status().Interval != time.Hour {
		t.Errorf("expected interval 1h, got %v", w.Status().Interval)
	}
	w.Stop()
}

func TestScheduleAndStopAreSafeConcurrently(t *testing.T) {
	w, _, _ := newTestWorker(t)

	var mu sync.Mutex
	runs := 0
	w.SetRecorder(recorderFunc(func(domain.CleanupRun) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	}))
	countRuns := func() int {
		mu.Lock()
		defer mu.Unlock()
		return runs
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Schedule(context.Background(), 5*time.Millisecond); err != nil {
				t.Errorf("Schedule: %v", err)
			}
		}()
	}
	wg.Wait()
	if !w.IsRunning() {
		t.Fatal("expected worker to be scheduled")
	}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()
	if w.IsRunning() {
		t.Fatal("expected worker to be stopped")
	}

	// A leaked ticker loop would keep recording passes after Stop.
	settled := countRuns()
	time.Sleep(50 * time.Millisecond)
	if got := countRuns(); got != settled {
		t.Errorf("expected no passes after Stop, got %d more", got-settled)
	}
}

func TestScheduleRejectsBadInterval(t *testing.T) {
	w, _, _ := newTestWorker(t)

	if err := w.Schedule(context.Background(), 0); !domain.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	putSession(t, store, "s1", time.Now())
	report := w.HealthCheck(ctx)
	if !report.Healthy || !report.StoreReachable || report.SampledKeys != 1 {
		t.Errorf("expected healthy report, got %+v", report)
	}

	dropTTL(t, mr, "game_session:s1")
	report = w.HealthCheck(ctx)
	if report.Healthy || report.KeysWithoutTTL != 1 {
		t.Errorf("expected one key without ttl, got %+v", report)
	}

	mr.SetError("LOADING redis is loading")
	defer mr.SetError("")
	report = w.HealthCheck(ctx)
	if report.StoreReachable || report.Healthy || report.Error == "" {
		t.Errorf("expected unreachable store, got %+v", report)
	}
}
