package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/redis"
)

// RunRecorder keeps a durable copy of finished cleanup runs
type RunRecorder interface {
	RecordCleanupRun(ctx context.Context, run domain.CleanupRun) error
}

// CleanupWorker sweeps the key space for records the TTL alone does not
// take care of: keys that lost their expiry, post mappings and game data
// whose session is gone, and records older than the TTL.
type CleanupWorker struct {
	store    *redis.Store
	recorder RunRecorder
	config   *config.CleanupConfig
	logger   *slog.Logger
	now      func() time.Time

	// lifecycle serializes Schedule and Stop; mu guards the fields below it
	lifecycle sync.Mutex
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	interval  time.Duration

	inFlight atomic.Bool
	history  []domain.CleanupRun
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(store *redis.Store, cfg *config.CleanupConfig, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{
		store:    store,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		interval: cfg.Interval,
	}
}

// SetRecorder sets where finished runs are archived
func (w *CleanupWorker) SetRecorder(r RunRecorder) {
	w.recorder = r
}

// SetClock replaces the time source
func (w *CleanupWorker) SetClock(now func() time.Time) {
	w.now = now
}

// Start schedules passes at the configured interval
func (w *CleanupWorker) Start(ctx context.Context) error {
	return w.Schedule(ctx, w.config.Interval)
}

// Schedule runs a pass every interval until Stop is called or ctx is done.
// An existing schedule is replaced.
func (w *CleanupWorker) Schedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return domain.NewValidationError("interval", "must be positive")
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stopLocked()

	w.mu.Lock()
	w.running = true
	w.interval = interval
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	w.logger.Info("cleanup worker started", "interval", interval)

	go w.run(ctx, interval, stopCh, doneCh)
	return nil
}

// Stop stops the schedule and waits for the loop to exit. A pass already in
// flight finishes first. Stopping an idle worker is a no-op.
func (w *CleanupWorker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stopLocked()
	return nil
}

// stopLocked must be called with lifecycle held
func (w *CleanupWorker) stopLocked() {
	w.mu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh, w.doneCh = nil, nil
	w.running = false
	w.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	w.logger.Info("cleanup worker stopped")
}

// run is the main worker loop
func (w *CleanupWorker) run(ctx context.Context, interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.doneCh == doneCh {
				w.running = false
			}
			w.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := w.RunCleanupPass(ctx); err != nil {
				if errors.Is(err, domain.ErrCleanupInProgress) {
					w.logger.Debug("skipping scheduled cleanup, pass already running")
					continue
				}
				w.logger.Error("scheduled cleanup failed", "error", err)
			}
		}
	}
}

// IsRunning returns whether passes are scheduled
func (w *CleanupWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// forcedPassTimeout bounds a pass started by ForceRun
const forcedPassTimeout = 30 * time.Minute

// ForceRun starts a pass now, outside the schedule, and returns without
// waiting for it. The pass is detached from ctx so the caller going away
// does not abort it; the outcome lands in History. A pass already in flight
// yields domain.ErrCleanupInProgress.
func (w *CleanupWorker) ForceRun(ctx context.Context) error {
	if !w.inFlight.CompareAndSwap(false, true) {
		return domain.ErrCleanupInProgress
	}
	w.logger.Info("cleanup pass forced")

	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forcedPassTimeout)
	go func() {
		defer cancel()
		defer w.inFlight.Store(false)
		if _, err := w.sweep(passCtx); err != nil {
			w.logger.Error("forced cleanup failed", "error", err)
		}
	}()
	return nil
}

// RunCleanupPass sweeps every namespace once. Only one pass runs at a time;
// a second caller gets domain.ErrCleanupInProgress.
func (w *CleanupWorker) RunCleanupPass(ctx context.Context) (*domain.CleanupRun, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return nil, domain.ErrCleanupInProgress
	}
	defer w.inFlight.Store(false)
	return w.sweep(ctx)
}

// sweep must be called with inFlight held
func (w *CleanupWorker) sweep(ctx context.Context) (*domain.CleanupRun, error) {
	run := domain.CleanupRun{StartedAt: w.now().UTC()}
	start := time.Now()
	w.logger.Info("starting cleanup pass")

	var passErr error
	for _, namespace := range redis.Namespaces {
		if err := w.sweepNamespace(ctx, namespace, &run); err != nil {
			passErr = err
			break
		}
	}

	run.Duration = time.Since(start)
	run.Succeeded = passErr == nil && run.FailedBatches == 0
	w.appendHistory(run)

	w.logger.Info("cleanup pass completed",
		"duration", run.Duration,
		"scanned", run.KeysScanned,
		"deleted", run.KeysDeleted,
		"repaired", run.KeysRepaired,
		"failed_batches", run.FailedBatches,
	)

	if w.recorder != nil {
		if err := w.recorder.RecordCleanupRun(context.WithoutCancel(ctx), run); err != nil {
			w.logger.Warn("failed to archive cleanup run", "error", err)
		}
	}

	if passErr != nil {
		return &run, fmt.Errorf("cleanup pass interrupted: %w", passErr)
	}
	return &run, nil
}

func (w *CleanupWorker) appendHistory(run domain.CleanupRun) {
	size := w.config.HistorySize
	if size <= 0 {
		size = 10
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, run)
	if len(w.history) > size {
		w.history = w.history[len(w.history)-size:]
	}
}

// History returns the most recent runs, oldest first
func (w *CleanupWorker) History() []domain.CleanupRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.CleanupRun, len(w.history))
	copy(out, w.history)
	return out
}

// Status reports the schedule, whether a pass is in flight and recent runs
func (w *CleanupWorker) Status() domain.CleanupStatus {
	history := w.History()

	w.mu.Lock()
	status := domain.CleanupStatus{
		Scheduled: w.running,
		Running:   w.inFlight.Load(),
		Interval:  w.interval,
		History:   history,
	}
	w.mu.Unlock()

	if len(history) > 0 {
		last := history[len(history)-1]
		status.LastRun = &last
	}
	return status
}

// HealthCheck pings the store and samples one page of each namespace for keys
// without a TTL. It never waits for a running pass.
func (w *CleanupWorker) HealthCheck(ctx context.Context) domain.HealthReport {
	report := domain.HealthReport{}
	if last := w.Status().LastRun; last != nil {
		report.LastRun = last
	}

	if err := w.store.Ping(ctx); err != nil {
		report.Error = err.Error()
		return report
	}
	report.StoreReachable = true

	sample := int64(w.config.HealthSampleSize)
	if sample <= 0 {
		sample = 20
	}

	for _, namespace := range redis.Namespaces {
		keys, _, err := w.store.ScanKeys(ctx, namespace, 0, sample)
		if err != nil {
			report.Error = err.Error()
			return report
		}
		ttls, err := w.store.TTLs(ctx, keys)
		if err != nil {
			report.Error = err.Error()
			return report
		}
		report.SampledKeys += len(keys)
		for _, ttl := range ttls {
			if ttl == redis.TTLNone {
				report.KeysWithoutTTL++
			}
		}
	}

	report.Healthy = report.KeysWithoutTTL == 0
	return report
}

type batchResult struct {
	deleted  int64
	repaired int64
}

// sweepNamespace walks one namespace page by page. A page that keeps failing
// is skipped and counted; only a cancelled context stops the walk.
func (w *CleanupWorker) sweepNamespace(ctx context.Context, namespace string, run *domain.CleanupRun) error {
	batchSize := int64(w.config.BatchSize)
	if batchSize <= 0 {
		batchSize = 100
	}

	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		type page struct {
			keys []string
			next uint64
		}
		p, err := retryBatch(ctx, w.config, func() (page, error) {
			keys, next, err := w.store.ScanKeys(ctx, namespace, cursor, batchSize)
			return page{keys, next}, err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			run.FailedBatches++
			w.logger.Error("failed to scan namespace, skipping remainder",
				"namespace", namespace,
				"error", err,
			)
			return nil
		}

		if len(p.keys) > 0 {
			run.KeysScanned += int64(len(p.keys))
			res, err := retryBatch(ctx, w.config, func() (batchResult, error) {
				return w.sweepBatch(ctx, namespace, p.keys)
			})
			if err != nil {
				run.FailedBatches++
				w.logger.Error("failed to sweep batch",
					"namespace", namespace,
					"keys", len(p.keys),
					"error", err,
				)
			} else {
				run.KeysDeleted += res.deleted
				run.KeysRepaired += res.repaired
			}
		}

		if p.next == 0 {
			return nil
		}
		cursor = p.next
	}
}

// sweepBatch deletes the doomed keys of one page and gives the survivors
// without an expiry the store TTL
func (w *CleanupWorker) sweepBatch(ctx context.Context, namespace string, keys []string) (batchResult, error) {
	var res batchResult

	doomed, err := w.doomedKeys(ctx, namespace, keys)
	if err != nil {
		return res, err
	}
	if len(doomed) > 0 {
		n, err := w.store.Delete(ctx, doomed)
		if err != nil {
			return res, err
		}
		res.deleted = n
	}

	gone := make(map[string]bool, len(doomed))
	for _, key := range doomed {
		gone[key] = true
	}
	survivors := make([]string, 0, len(keys)-len(doomed))
	for _, key := range keys {
		if !gone[key] {
			survivors = append(survivors, key)
		}
	}

	ttls, err := w.store.TTLs(ctx, survivors)
	if err != nil {
		return res, err
	}
	var missingTTL []string
	for i, ttl := range ttls {
		if ttl == redis.TTLNone {
			missingTTL = append(missingTTL, survivors[i])
		}
	}
	if len(missingTTL) > 0 {
		n, err := w.store.Expire(ctx, missingTTL)
		if err != nil {
			return res, err
		}
		res.repaired = n
		w.logger.Warn("repaired keys without ttl", "namespace", namespace, "count", n)
	}
	return res, nil
}

func (w *CleanupWorker) doomedKeys(ctx context.Context, namespace string, keys []string) ([]string, error) {
	switch strings.TrimSuffix(namespace, "*") {
	case redis.SessionPrefix:
		return w.staleRecords(ctx, keys, func(raw string) (time.Time, error) {
			var session domain.GameSession
			err := json.Unmarshal([]byte(raw), &session)
			return session.CreatedAt, err
		})
	case redis.PlayerPrefix:
		return w.staleRecords(ctx, keys, func(raw string) (time.Time, error) {
			var profile domain.PlayerProfile
			err := json.Unmarshal([]byte(raw), &profile)
			return profile.LastActive, err
		})
	case redis.PostMappingPrefix:
		return w.orphanedMappings(ctx, keys)
	case redis.GamePrefix:
		return w.orphanedGameKeys(ctx, keys)
	}
	return nil, nil
}

// staleRecords returns keys whose record is unreadable or whose age, taken
// from the record itself, exceeds the store TTL
func (w *CleanupWorker) staleRecords(ctx context.Context, keys []string, age func(raw string) (time.Time, error)) ([]string, error) {
	values, err := w.store.RawValues(ctx, keys)
	if err != nil {
		return nil, err
	}

	cutoff := w.now().Add(-w.store.TTL())
	var doomed []string
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		at, err := age(raw)
		if err != nil {
			w.logger.Warn("deleting unreadable record", "key", key, "error", err)
			doomed = append(doomed, key)
			continue
		}
		if at.Before(cutoff) {
			doomed = append(doomed, key)
		}
	}
	return doomed, nil
}

func (w *CleanupWorker) orphanedMappings(ctx context.Context, keys []string) ([]string, error) {
	values, err := w.store.RawValues(ctx, keys)
	if err != nil {
		return nil, err
	}

	sessionIDs := make([]string, 0, len(values))
	for _, sessionID := range values {
		if sessionID != "" {
			sessionIDs = append(sessionIDs, sessionID)
		}
	}
	exists, err := w.store.SessionsExist(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}

	var doomed []string
	for _, key := range keys {
		sessionID, ok := values[key]
		if !ok {
			continue
		}
		if !exists[sessionID] {
			doomed = append(doomed, key)
		}
	}
	return doomed, nil
}

func (w *CleanupWorker) orphanedGameKeys(ctx context.Context, keys []string) ([]string, error) {
	owners := make(map[string]string, len(keys))
	sessionIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		sessionID, ok := redis.SessionIDFromGameKey(key)
		if !ok {
			continue
		}
		owners[key] = sessionID
		sessionIDs = append(sessionIDs, sessionID)
	}

	exists, err := w.store.SessionsExist(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}

	var doomed []string
	for _, key := range keys {
		sessionID, ok := owners[key]
		if ok && !exists[sessionID] {
			doomed = append(doomed, key)
		}
	}
	return doomed, nil
}

// retryBatch retries fn with exponential backoff up to cfg.RetryAttempts times
func retryBatch[T any](ctx context.Context, cfg *config.CleanupConfig, fn func() (T, error)) (T, error) {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if cfg.RetryDelay > 0 {
		b.InitialInterval = cfg.RetryDelay
	}
	return backoff.Retry(ctx, fn, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}
