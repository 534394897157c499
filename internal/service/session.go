package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/redis"
)

// SessionRegistry creates and looks up game sessions and maintains the
// post -> session index
type SessionRegistry struct {
	store  *redis.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewSessionRegistry creates a new session registry
func NewSessionRegistry(store *redis.Store, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// SetClock replaces the time source
func (r *SessionRegistry) SetClock(now func() time.Time) {
	r.now = now
}

// CreateSession stores a new session with a fresh id and the given hiding spot
func (r *SessionRegistry) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.GameSession, error) {
	if req.MapKey == "" {
		return nil, domain.NewValidationError("mapKey", "is required")
	}

	session := &domain.GameSession{
		SessionID:  r.newID(),
		CreatorID:  req.CreatorID,
		MapKey:     req.MapKey,
		HidingSpot: req.HidingSpot,
		CreatedAt:  r.now().UTC(),
		PostID:     req.PostID,
		PostURL:    req.PostURL,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := r.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	if session.PostID != "" {
		mapping := domain.PostMapping{PostID: session.PostID, SessionID: session.SessionID}
		if err := r.store.PutPostMapping(ctx, mapping); err != nil {
			r.logger.Warn("failed to store post mapping",
				"session_id", session.SessionID,
				"post_id", session.PostID,
				"error", err,
			)
		}
	}

	r.logger.Info("session created",
		"session_id", session.SessionID,
		"creator_id", session.CreatorID,
		"map_key", session.MapKey,
	)
	return session, nil
}

// GetSession returns a session or domain.ErrSessionNotFound
func (r *SessionRegistry) GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return session, nil
}

// AttachPost records which session an external post announces. The session
// is not checked; stale mappings are removed by the sweeper.
func (r *SessionRegistry) AttachPost(ctx context.Context, sessionID, postID string) error {
	mapping := domain.PostMapping{PostID: postID, SessionID: sessionID}
	if err := mapping.Validate(); err != nil {
		return err
	}
	if err := r.store.PutPostMapping(ctx, mapping); err != nil {
		return fmt.Errorf("storing post mapping: %w", err)
	}
	return nil
}

// GetSessionByPost resolves a post id to its session. A mapping whose session
// has expired yields domain.ErrSessionNotFound.
func (r *SessionRegistry) GetSessionByPost(ctx context.Context, postID string) (*domain.GameSession, error) {
	sessionID, err := r.store.GetPostMapping(ctx, postID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting post mapping: %w", err)
	}
	return r.GetSession(ctx, sessionID)
}

// DeleteSession removes a session, its guesses and statistics, and the post
// mapping recorded on it
func (r *SessionRegistry) DeleteSession(ctx context.Context, sessionID string) error {
	if err := domain.ValidateIdentifier("sessionId", sessionID); err != nil {
		return err
	}

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("failed to load session before delete", "session_id", sessionID, "error", err)
	}

	if err := r.store.DeleteSessionData(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session data: %w", err)
	}

	if session != nil && session.PostID != "" {
		if err := r.store.DeletePostMapping(ctx, session.PostID); err != nil {
			r.logger.Warn("failed to delete post mapping",
				"session_id", sessionID,
				"post_id", session.PostID,
				"error", err,
			)
		}
	}

	r.logger.Info("session deleted", "session_id", sessionID)
	return nil
}
