package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RecordTTL is applied to every key this store writes
const RecordTTL = 30 * 24 * time.Hour

// TTL replies from Redis for keys without an expiry and for missing keys
const (
	TTLNone    time.Duration = -1
	TTLMissing time.Duration = -2
)

const deleteBatchSize = 100

// Kind names one of the record shapes held in the key space
type Kind string

const (
	KindSession     Kind = "game_session"
	KindPostMapping Kind = "post_mapping"
	KindGuess       Kind = "guess"
	KindStats       Kind = "stats"
	KindPlayer      Kind = "player"
)

// Validator is implemented by every record the store accepts
type Validator interface {
	Validate() error
}

// Store is the only component that talks to Redis. It builds keys, validates
// records before writing them and applies RecordTTL on every write.
type Store struct {
	client      *redis.Client
	logger      *slog.Logger
	ttl         time.Duration
	readRetries uint
}

// NewStore creates a new Redis-backed store
func NewStore(cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewStoreWithClient(client, cfg.ReadRetries, logger), nil
}

// NewStoreWithClient wraps an existing client
func NewStoreWithClient(client *redis.Client, readRetries int, logger *slog.Logger) *Store {
	if readRetries < 1 {
		readRetries = 1
	}
	return &Store{
		client:      client,
		logger:      logger,
		ttl:         RecordTTL,
		readRetries: uint(readRetries),
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

// TTL returns the expiration applied to every write
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &domain.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// put validates, serializes and writes a record with the global TTL in a single SET
func (s *Store) put(ctx context.Context, kind Kind, key string, record Validator) error {
	if err := record.Validate(); err != nil {
		return err
	}

	data, err := encodeRecord(record)
	if err != nil {
		return &domain.StorageError{Op: "encode " + string(kind), Err: err}
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return &domain.StorageError{Op: "put " + string(kind), Err: err}
	}
	return nil
}

// get reads and decodes a record. A missing key yields domain.ErrNotFound.
func (s *Store) get(ctx context.Context, kind Kind, key string, dst any) error {
	var raw string
	found := false
	err := s.retryRead(ctx, func() error {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = val, true
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "get " + string(kind), Err: err}
	}
	if !found {
		return domain.ErrNotFound
	}

	if str, ok := dst.(*string); ok {
		*str = raw
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return &domain.StorageError{Op: "decode " + string(kind), Err: err}
	}
	return nil
}

// retryRead runs an idempotent read with bounded exponential backoff
func (s *Store) retryRead(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.readRetries))
	return err
}

func encodeRecord(record Validator) ([]byte, error) {
	if m, ok := record.(domain.PostMapping); ok {
		return []byte(m.SessionID), nil
	}
	return json.Marshal(record)
}

// PutSession writes a game session
func (s *Store) PutSession(ctx context.Context, session *domain.GameSession) error {
	return s.put(ctx, KindSession, SessionKey(session.SessionID), session)
}

// GetSession reads a game session
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	var session domain.GameSession
	if err := s.get(ctx, KindSession, SessionKey(sessionID), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// PutPostMapping writes the post -> session index entry
func (s *Store) PutPostMapping(ctx context.Context, mapping domain.PostMapping) error {
	return s.put(ctx, KindPostMapping, PostMappingKey(mapping.PostID), mapping)
}

// GetPostMapping returns the session id a post points at
func (s *Store) GetPostMapping(ctx context.Context, postID string) (string, error) {
	var sessionID string
	if err := s.get(ctx, KindPostMapping, PostMappingKey(postID), &sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// DeletePostMapping removes a post index entry
func (s *Store) DeletePostMapping(ctx context.Context, postID string) error {
	if err := s.client.Del(ctx, PostMappingKey(postID)).Err(); err != nil {
		return &domain.StorageError{Op: "delete post_mapping", Err: err}
	}
	return nil
}

// PutStatistics overwrites the statistics cache of a session
func (s *Store) PutStatistics(ctx context.Context, sessionID string, stats *domain.GuessStatistics) error {
	if err := domain.ValidateIdentifier("sessionId", sessionID); err != nil {
		return err
	}
	return s.put(ctx, KindStats, StatsKey(sessionID), stats)
}

// GetStatistics reads the statistics cache of a session
func (s *Store) GetStatistics(ctx context.Context, sessionID string) (*domain.GuessStatistics, error) {
	var stats domain.GuessStatistics
	if err := s.get(ctx, KindStats, StatsKey(sessionID), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PutProfile writes a player profile
func (s *Store) PutProfile(ctx context.Context, profile *domain.PlayerProfile) error {
	return s.put(ctx, KindPlayer, PlayerKey(profile.PlayerID), profile)
}

// GetProfile reads a player profile
func (s *Store) GetProfile(ctx context.Context, playerID string) (*domain.PlayerProfile, error) {
	var profile domain.PlayerProfile
	if err := s.get(ctx, KindPlayer, PlayerKey(playerID), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// AppendGuess stores a guess record and indexes it in the session's ordered
// log, scored by timestamp. Both keys get their TTL inside the same transaction.
func (s *Store) AppendGuess(ctx context.Context, record *domain.GuessRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return &domain.StorageError{Op: "encode guess", Err: err}
	}

	key := GuessKey(record.SessionID, record.GuesserID, record.Timestamp)
	logKey := GuessLogKey(record.SessionID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, s.ttl)
		pipe.ZAdd(ctx, logKey, redis.Z{
			Score:  float64(record.Timestamp),
			Member: key,
		})
		pipe.Expire(ctx, logKey, s.ttl)
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "append guess", Err: err}
	}
	return nil
}

// GuessLog returns every guess of a session, oldest first
func (s *Store) GuessLog(ctx context.Context, sessionID string) ([]domain.GuessRecord, error) {
	return s.guessLogByScore(ctx, sessionID, "-inf")
}

// GuessLogSince returns guesses with a timestamp >= sinceMs, oldest first
func (s *Store) GuessLogSince(ctx context.Context, sessionID string, sinceMs int64) ([]domain.GuessRecord, error) {
	return s.guessLogByScore(ctx, sessionID, strconv.FormatInt(sinceMs, 10))
}

func (s *Store) guessLogByScore(ctx context.Context, sessionID, min string) ([]domain.GuessRecord, error) {
	logKey := GuessLogKey(sessionID)

	var values []interface{}
	err := s.retryRead(ctx, func() error {
		keys, err := s.client.ZRangeByScore(ctx, logKey, &redis.ZRangeBy{
			Min: min,
			Max: "+inf",
		}).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			values = nil
			return nil
		}
		values, err = s.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "read guess log", Err: err}
	}

	records := make([]domain.GuessRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// record expired before its log entry
			continue
		}
		var record domain.GuessRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Warn("skipping undecodable guess record",
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// LatestGuessTimestamp returns the newest timestamp >= sinceMs recorded for a
// guesser in a session.
func (s *Store) LatestGuessTimestamp(ctx context.Context, sessionID, guesserID string, sinceMs int64) (int64, bool, error) {
	var members []string
	err := s.retryRead(ctx, func() error {
		var err error
		members, err = s.client.ZRevRangeByScore(ctx, GuessLogKey(sessionID), &redis.ZRangeBy{
			Min: strconv.FormatInt(sinceMs, 10),
			Max: "+inf",
		}).Result()
		return err
	})
	if err != nil {
		return 0, false, &domain.StorageError{Op: "read guess log", Err: err}
	}

	for _, member := range members {
		_, gid, ts, ok := ParseGuessKey(member)
		if ok && gid == guesserID {
			return ts, true, nil
		}
	}
	return 0, false, nil
}

// DeleteGuessData removes a session's guess log, guess records and statistics cache
func (s *Store) DeleteGuessData(ctx context.Context, sessionID string) error {
	logKey := GuessLogKey(sessionID)

	members, err := s.client.ZRange(ctx, logKey, 0, -1).Result()
	if err != nil {
		return &domain.StorageError{Op: "read guess log", Err: err}
	}

	keys := append(members, logKey, StatsKey(sessionID))
	if _, err := s.Delete(ctx, keys); err != nil {
		return err
	}

	// records whose log entry is already gone
	if _, err := s.DeleteNamespace(ctx, GuessKeyPattern(sessionID)); err != nil {
		return err
	}
	return nil
}

// DeleteSessionData removes a session together with all of its guess data
func (s *Store) DeleteSessionData(ctx context.Context, sessionID string) error {
	if err := s.DeleteGuessData(ctx, sessionID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		return &domain.StorageError{Op: "delete game_session", Err: err}
	}
	return nil
}

// DeleteNamespace removes every key matching pattern. Keys are collected
// before deleting so the SCAN cursor never runs over a shrinking key space.
func (s *Store) DeleteNamespace(ctx context.Context, pattern string) (int64, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.ScanKeys(ctx, pattern, cursor, deleteBatchSize)
		if err != nil {
			return 0, err
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return s.Delete(ctx, keys)
}

// Delete removes the given keys in chunks and returns how many existed
func (s *Store) Delete(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, &domain.StorageError{Op: "delete", Err: err}
		}
		deleted += n
	}
	return deleted, nil
}

// ScanKeys returns one SCAN page of keys matching pattern
func (s *Store) ScanKeys(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, &domain.StorageError{Op: "scan", Err: err}
	}
	return keys, next, nil
}

// TTLs returns the remaining time to live of each key, in order.
// TTLNone marks keys without an expiry, TTLMissing keys that no longer exist.
func (s *Store) TTLs(ctx context.Context, keys []string) ([]time.Duration, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.TTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &domain.StorageError{Op: "ttl", Err: err}
	}

	ttls := make([]time.Duration, len(keys))
	for i, cmd := range cmds {
		ttls[i] = cmd.Val()
	}
	return ttls, nil
}

// Expire applies the global TTL to the given keys and returns how many were updated
func (s *Store) Expire(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &domain.StorageError{Op: "expire", Err: err}
	}

	var updated int64
	for _, cmd := range cmds {
		if cmd.Val() {
			updated++
		}
	}
	return updated, nil
}

// SessionsExist reports, for each session id, whether its session record is still present
func (s *Store) SessionsExist(ctx context.Context, sessionIDs []string) (map[string]bool, error) {
	exists := make(map[string]bool, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return exists, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(sessionIDs))
	for _, id := range sessionIDs {
		if _, ok := cmds[id]; ok {
			continue
		}
		cmds[id] = pipe.Exists(ctx, SessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &domain.StorageError{Op: "exists", Err: err}
	}

	for id, cmd := range cmds {
		exists[id] = cmd.Val() > 0
	}
	return exists, nil
}

// RawValues returns the raw string value of each key that exists
func (s *Store) RawValues(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	var results []interface{}
	err := s.retryRead(ctx, func() error {
		var err error
		results, err = s.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "mget", Err: err}
	}

	for i, v := range results {
		if str, ok := v.(string); ok {
			values[keys[i]] = str
		}
	}
	return values, nil
}
