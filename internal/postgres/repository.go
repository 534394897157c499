package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// cleanupRunRetention is how many archived cleanup runs are kept
const cleanupRunRetention = 1000

// Repository archives guesses and cleanup runs in PostgreSQL. Redis stays the
// source of truth; nothing here is read back on the guess path.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS guess_events (
			id BIGSERIAL PRIMARY KEY,
			session_id VARCHAR(128) NOT NULL,
			guesser_id VARCHAR(128) NOT NULL,
			username VARCHAR(64),
			object_key VARCHAR(128) NOT NULL,
			rel_x DOUBLE PRECISION NOT NULL,
			rel_y DOUBLE PRECISION NOT NULL,
			is_correct BOOLEAN NOT NULL,
			distance DOUBLE PRECISION NOT NULL,
			guessed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, guesser_id, guessed_at)
		)`,
		`CREATE TABLE IF NOT EXISTS cleanup_runs (
			id BIGSERIAL PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			keys_scanned BIGINT NOT NULL,
			keys_deleted BIGINT NOT NULL,
			keys_repaired BIGINT NOT NULL,
			failed_batches INT NOT NULL,
			succeeded BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guess_events_session ON guess_events(session_id, guessed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_guess_events_guesser ON guess_events(guesser_id, guessed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_cleanup_runs_started ON cleanup_runs(started_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// RecordGuessEvent archives a scored guess. Replays of the same guess are ignored.
func (r *Repository) RecordGuessEvent(ctx context.Context, record domain.GuessRecord) error {
	query := `
		INSERT INTO guess_events (session_id, guesser_id, username, object_key, rel_x, rel_y, is_correct, distance, guessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, guesser_id, guessed_at) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		record.SessionID,
		record.GuesserID,
		record.Username,
		record.ObjectKey,
		record.RelX,
		record.RelY,
		record.IsCorrect,
		record.Distance,
		time.UnixMilli(record.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording guess event: %w", err)
	}
	return nil
}

// ListGuessEvents returns the archived guesses of a player, newest first
func (r *Repository) ListGuessEvents(ctx context.Context, guesserID string, limit int) ([]domain.GuessRecord, error) {
	query := `
		SELECT session_id, guesser_id, COALESCE(username, ''), object_key, rel_x, rel_y, is_correct, distance, guessed_at
		FROM guess_events
		WHERE guesser_id = $1
		ORDER BY guessed_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, guesserID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing guess events: %w", err)
	}
	defer rows.Close()

	var records []domain.GuessRecord
	for rows.Next() {
		var record domain.GuessRecord
		var guessedAt time.Time
		err := rows.Scan(
			&record.SessionID,
			&record.GuesserID,
			&record.Username,
			&record.ObjectKey,
			&record.RelX,
			&record.RelY,
			&record.IsCorrect,
			&record.Distance,
			&guessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning guess event: %w", err)
		}
		record.Timestamp = guessedAt.UnixMilli()
		records = append(records, record)
	}
	return records, rows.Err()
}

// RecordCleanupRun archives a finished sweeper pass and prunes old runs
func (r *Repository) RecordCleanupRun(ctx context.Context, run domain.CleanupRun) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO cleanup_runs (started_at, duration_ms, keys_scanned, keys_deleted, keys_repaired, failed_batches, succeeded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		run.StartedAt,
		run.Duration.Milliseconds(),
		run.KeysScanned,
		run.KeysDeleted,
		run.KeysRepaired,
		run.FailedBatches,
		run.Succeeded,
	)
	batch.Queue(`
		DELETE FROM cleanup_runs
		WHERE id NOT IN (SELECT id FROM cleanup_runs ORDER BY started_at DESC LIMIT $1)
	`, cleanupRunRetention)

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("recording cleanup run: %w", err)
		}
	}
	return nil
}

// ListCleanupRuns returns archived cleanup runs, newest first
func (r *Repository) ListCleanupRuns(ctx context.Context, limit int) ([]domain.CleanupRun, error) {
	query := `
		SELECT started_at, duration_ms, keys_scanned, keys_deleted, keys_repaired, failed_batches, succeeded
		FROM cleanup_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing cleanup runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.CleanupRun
	for rows.Next() {
		var run domain.CleanupRun
		var durationMs int64
		err := rows.Scan(
			&run.StartedAt,
			&durationMs,
			&run.KeysScanned,
			&run.KeysDeleted,
			&run.KeysRepaired,
			&run.FailedBatches,
			&run.Succeeded,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning cleanup run: %w", err)
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
