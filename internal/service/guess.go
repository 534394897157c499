package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/redis"
)

// SessionLookup resolves a session id to its session
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error)
}

// RankUpdater receives the outcome of every recorded guess
type RankUpdater interface {
	UpdateAfterGuess(ctx context.Context, playerID, username string, outcome domain.GuessOutcome) (*domain.RankUpdate, error)
}

// GuessNotifier pushes freshly recorded guesses to live subscribers
type GuessNotifier interface {
	BroadcastGuess(sessionID string, record domain.GuessRecord, stats domain.GuessStatistics)
}

// GuessArchive keeps a durable copy of recorded guesses
type GuessArchive interface {
	RecordGuessEvent(ctx context.Context, record domain.GuessRecord) error
}

// GuessLedger ingests and scores guesses and maintains per-session statistics
type GuessLedger struct {
	store      *redis.Store
	sessions   SessionLookup
	ranks      RankUpdater
	notifier   GuessNotifier
	archive    GuessArchive
	rateWindow time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewGuessLedger creates a new guess ledger
func NewGuessLedger(
	store *redis.Store,
	sessions SessionLookup,
	ranks RankUpdater,
	cfg *config.GuessConfig,
	logger *slog.Logger,
) *GuessLedger {
	window := cfg.RateWindow
	if window <= 0 {
		window = domain.DefaultRateWindow
	}
	return &GuessLedger{
		store:      store,
		sessions:   sessions,
		ranks:      ranks,
		rateWindow: window,
		logger:     logger,
		now:        time.Now,
	}
}

// SetNotifier sets the live update sink
func (l *GuessLedger) SetNotifier(n GuessNotifier) {
	l.notifier = n
}

// SetArchive sets the durable guess archive
func (l *GuessLedger) SetArchive(a GuessArchive) {
	l.archive = a
}

// SetClock replaces the time source
func (l *GuessLedger) SetClock(now func() time.Time) {
	l.now = now
}

// SubmitGuess looks up the session and records the guess against its hiding spot
func (l *GuessLedger) SubmitGuess(ctx context.Context, submission domain.GuessSubmission) (*domain.GuessRecord, error) {
	if err := submission.Validate(); err != nil {
		return nil, err
	}

	session, err := l.sessions.GetSession(ctx, submission.SessionID)
	if err != nil {
		return nil, err
	}

	return l.RecordGuess(ctx, submission, session.HidingSpot)
}

// SubmitGuessBatch submits multiple guesses
func (l *GuessLedger) SubmitGuessBatch(ctx context.Context, batch domain.BatchGuessSubmission) error {
	for _, submission := range batch.Guesses {
		if _, err := l.SubmitGuess(ctx, submission); err != nil {
			l.logger.Error("failed to submit guess in batch",
				"session_id", submission.SessionID,
				"guesser_id", submission.GuesserID,
				"error", err,
			)
			// Continue processing other guesses
		}
	}
	return nil
}

// RecordGuess validates, rate-limits, scores and persists a guess, refreshes
// the session statistics and forwards the outcome to the rank engine.
func (l *GuessLedger) RecordGuess(ctx context.Context, submission domain.GuessSubmission, spot domain.HidingSpot) (*domain.GuessRecord, error) {
	if err := submission.Validate(); err != nil {
		return nil, err
	}

	now := l.now()

	latest, found, err := l.latestGuess(ctx, submission.SessionID, submission.GuesserID, l.rateWindow, now)
	if err != nil {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}
	if found {
		return nil, &domain.RateLimitError{RetryAfter: l.rateWindow - now.Sub(time.UnixMilli(latest))}
	}

	distance, correct := domain.ScoreGuess(submission.ObjectKey, submission.RelX, submission.RelY, spot)
	record := &domain.GuessRecord{
		SessionID: submission.SessionID,
		GuesserID: submission.GuesserID,
		Username:  submission.Username,
		ObjectKey: submission.ObjectKey,
		RelX:      submission.RelX,
		RelY:      submission.RelY,
		Timestamp: now.UnixMilli(),
		IsCorrect: correct,
		Distance:  distance,
	}

	if err := l.store.AppendGuess(ctx, record); err != nil {
		return nil, fmt.Errorf("appending guess: %w", err)
	}

	// The guess is durable from here on; nothing below may fail the call.
	stats, err := l.RecomputeStatistics(ctx, submission.SessionID)
	if err != nil {
		l.logger.Warn("failed to refresh guess statistics",
			"session_id", submission.SessionID,
			"error", err,
		)
	}

	if l.ranks != nil {
		outcome := domain.GuessOutcome{Success: correct}
		if _, err := l.ranks.UpdateAfterGuess(ctx, submission.GuesserID, submission.Username, outcome); err != nil {
			l.logger.Error("failed to update player rank",
				"guesser_id", submission.GuesserID,
				"session_id", submission.SessionID,
				"error", err,
			)
		}
	}

	if l.notifier != nil && stats != nil {
		l.notifier.BroadcastGuess(submission.SessionID, *record, *stats)
	}

	if l.archive != nil {
		if err := l.archive.RecordGuessEvent(ctx, *record); err != nil {
			l.logger.Warn("failed to archive guess", "session_id", submission.SessionID, "error", err)
		}
	}

	l.logger.Debug("guess recorded",
		"session_id", record.SessionID,
		"guesser_id", record.GuesserID,
		"correct", record.IsCorrect,
		"distance", record.Distance,
	)
	return record, nil
}

// HasRecentGuess reports whether the guesser guessed in this session less than window ago
func (l *GuessLedger) HasRecentGuess(ctx context.Context, sessionID, guesserID string, window time.Duration) (bool, error) {
	_, found, err := l.latestGuess(ctx, sessionID, guesserID, window, l.now())
	return found, err
}

func (l *GuessLedger) latestGuess(ctx context.Context, sessionID, guesserID string, window time.Duration, now time.Time) (int64, bool, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	latest, found, err := l.store.LatestGuessTimestamp(ctx, sessionID, guesserID, nowMs-windowMs)
	if err != nil || !found {
		return 0, false, err
	}
	if nowMs-latest < windowMs {
		return latest, true, nil
	}
	return 0, false, nil
}

// GetGuesses returns a session's guesses, newest first
func (l *GuessLedger) GetGuesses(ctx context.Context, sessionID string) ([]domain.GuessRecord, error) {
	records, err := l.store.GuessLog(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading guess log: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// GetUniqueGuessers returns the latest guess of every guesser, correct guesses
// first (earliest find first), then incorrect ones by distance
func (l *GuessLedger) GetUniqueGuessers(ctx context.Context, sessionID string) ([]domain.GuessRecord, error) {
	records, err := l.store.GuessLog(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading guess log: %w", err)
	}
	return uniqueGuessers(records), nil
}

// GetStatistics returns the cached statistics, rebuilding the cache on a miss
func (l *GuessLedger) GetStatistics(ctx context.Context, sessionID string) (*domain.GuessStatistics, error) {
	stats, err := l.store.GetStatistics(ctx, sessionID)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		l.logger.Warn("statistics cache unreadable, recomputing", "session_id", sessionID, "error", err)
	}

	records, err := l.store.GuessLog(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading guess log: %w", err)
	}
	stats := computeStatistics(records)
	// An empty log needs no cache; writing one would let reads of unknown
	// sessions create keys.
	if len(records) > 0 {
		l.cacheStatistics(ctx, sessionID, &stats)
	}
	return &stats, nil
}

// RecomputeStatistics rebuilds the statistics from the full guess log and
// overwrites the cache
func (l *GuessLedger) RecomputeStatistics(ctx context.Context, sessionID string) (*domain.GuessStatistics, error) {
	records, err := l.store.GuessLog(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading guess log: %w", err)
	}

	stats := computeStatistics(records)
	l.cacheStatistics(ctx, sessionID, &stats)
	return &stats, nil
}

func (l *GuessLedger) cacheStatistics(ctx context.Context, sessionID string, stats *domain.GuessStatistics) {
	if err := l.store.PutStatistics(ctx, sessionID, stats); err != nil {
		l.logger.Warn("failed to cache guess statistics", "session_id", sessionID, "error", err)
	}
}

// DeleteSessionGuesses removes a session's guess log and statistics
func (l *GuessLedger) DeleteSessionGuesses(ctx context.Context, sessionID string) error {
	if err := domain.ValidateIdentifier("sessionId", sessionID); err != nil {
		return err
	}
	if err := l.store.DeleteGuessData(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting guesses: %w", err)
	}
	return nil
}

// computeStatistics is a pure function of the log; records must be in log order
func computeStatistics(records []domain.GuessRecord) domain.GuessStatistics {
	var stats domain.GuessStatistics
	if len(records) == 0 {
		return stats
	}

	guessers := make(map[string]struct{}, len(records))
	var totalDistance float64
	for _, r := range records {
		stats.TotalGuesses++
		if r.IsCorrect {
			stats.CorrectGuesses++
		}
		guessers[r.GuesserID] = struct{}{}
		totalDistance += r.Distance
	}
	stats.UniqueGuessers = int64(len(guessers))
	stats.AverageDistance = totalDistance / float64(stats.TotalGuesses)
	return stats
}

func uniqueGuessers(records []domain.GuessRecord) []domain.GuessRecord {
	latest := make(map[string]domain.GuessRecord, len(records))
	for _, r := range records {
		if prev, ok := latest[r.GuesserID]; !ok || r.Timestamp >= prev.Timestamp {
			latest[r.GuesserID] = r
		}
	}

	result := make([]domain.GuessRecord, 0, len(latest))
	for _, r := range latest {
		result = append(result, r)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.IsCorrect != b.IsCorrect {
			return a.IsCorrect
		}
		if a.IsCorrect {
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
		} else if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.GuesserID < b.GuesserID
	})
	return result
}
