package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/service"
	"github.com/hideseek-redis/internal/websocket"
	"github.com/hideseek-redis/internal/worker"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Archive serves the durable copies of guesses and cleanup runs
type Archive interface {
	ListGuessEvents(ctx context.Context, guesserID string, limit int) ([]domain.GuessRecord, error)
	ListCleanupRuns(ctx context.Context, limit int) ([]domain.CleanupRun, error)
}

// Handler provides HTTP handlers for the hide-and-seek API
type Handler struct {
	sessions *service.SessionRegistry
	guesses  *service.GuessLedger
	ranks    *service.RankEngine
	sweeper  *worker.CleanupWorker
	hub      *websocket.Hub
	archive  Archive
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	sessions *service.SessionRegistry,
	guesses *service.GuessLedger,
	ranks *service.RankEngine,
	sweeper *worker.CleanupWorker,
	hub *websocket.Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		guesses:  guesses,
		ranks:    ranks,
		sweeper:  sweeper,
		hub:      hub,
		logger:   logger,
	}
}

// SetArchive enables the archive-backed endpoints
func (h *Handler) SetArchive(a Archive) {
	h.archive = a
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// guessRequest is the body of a guess; the session comes from the path
type guessRequest struct {
	GuesserID string  `json:"guesserId"`
	Username  string  `json:"username"`
	ObjectKey string  `json:"objectKey"`
	RelX      float64 `json:"relX"`
	RelY      float64 `json:"relY"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/post", h.AttachPost)

				r.Post("/guesses", h.RecordGuess)
				r.Get("/guesses", h.GetGuesses)
				r.Get("/guessers", h.GetUniqueGuessers)
				r.Get("/stats", h.GetStatistics)
			})
		})

		r.Post("/guesses/batch", h.SubmitGuessBatch)

		r.Get("/posts/{postID}/session", h.GetSessionByPost)

		r.Route("/players/{playerID}", func(r chi.Router) {
			r.Get("/", h.GetProfile)
			r.Get("/progression", h.GetProgression)
			r.Get("/history", h.GetGuessHistory)
		})

		r.Route("/admin/cleanup", func(r chi.Router) {
			r.Post("/", h.ForceCleanup)
			r.Get("/", h.GetCleanupStatus)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps a service error onto its HTTP status
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	var rateLimit *domain.RateLimitError
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &rateLimit):
		seconds := int(math.Ceil(rateLimit.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.writeError(w, http.StatusTooManyRequests, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrCleanupInProgress):
		h.writeError(w, http.StatusConflict, err)
	case domain.IsStorageError(err):
		h.logger.Error("storage unavailable", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorage)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
		"watched_sessions":  h.hub.GetSessionCount(),
	})
}

// HealthCheck reports store reachability and the TTL sample of the sweeper
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.sweeper.HealthCheck(r.Context())
	status := http.StatusOK
	if !report.StoreReachable {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, APIResponse{
		Success: report.StoreReachable,
		Data:    report,
	})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// CreateSession handles session creation
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, "create session", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    session,
	})
}

// GetSession returns a session by ID
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, "get session", err)
		return
	}
	h.writeSuccess(w, session)
}

// DeleteSession removes a session and its guess data
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		h.writeDomainError(w, "delete session", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted", "session_id": sessionID})
}

// AttachPost maps an external post to the session
func (h *Handler) AttachPost(w http.ResponseWriter, r *http.Request) {
	var req domain.AttachPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.AttachPost(r.Context(), sessionID, req.PostID); err != nil {
		h.writeDomainError(w, "attach post", err)
		return
	}
	h.writeSuccess(w, domain.PostMapping{PostID: req.PostID, SessionID: sessionID})
}

// GetSessionByPost resolves a post to its session
func (h *Handler) GetSessionByPost(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSessionByPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.writeDomainError(w, "get session by post", err)
		return
	}
	h.writeSuccess(w, session)
}

// RecordGuess scores and stores a guess against the session
func (h *Handler) RecordGuess(w http.ResponseWriter, r *http.Request) {
	var req guessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	record, err := h.guesses.SubmitGuess(r.Context(), domain.GuessSubmission{
		SessionID: chi.URLParam(r, "sessionID"),
		GuesserID: req.GuesserID,
		Username:  req.Username,
		ObjectKey: req.ObjectKey,
		RelX:      req.RelX,
		RelY:      req.RelY,
	})
	if err != nil {
		h.writeDomainError(w, "record guess", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    record,
	})
}

// SubmitGuessBatch handles batch guess submission
func (h *Handler) SubmitGuessBatch(w http.ResponseWriter, r *http.Request) {
	var batch domain.BatchGuessSubmission
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if len(batch.Guesses) == 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.guesses.SubmitGuessBatch(r.Context(), batch); err != nil {
		h.writeDomainError(w, "submit guess batch", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":   "accepted",
			"received": len(batch.Guesses),
		},
	})
}

// GetGuesses returns the session's guesses, newest first
func (h *Handler) GetGuesses(w http.ResponseWriter, r *http.Request) {
	guesses, err := h.guesses.GetGuesses(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, "get guesses", err)
		return
	}
	h.writeSuccess(w, guesses)
}

// GetUniqueGuessers returns the latest guess of every guesser
func (h *Handler) GetUniqueGuessers(w http.ResponseWriter, r *http.Request) {
	guessers, err := h.guesses.GetUniqueGuessers(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, "get unique guessers", err)
		return
	}
	h.writeSuccess(w, guessers)
}

// GetStatistics returns the session's guess statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.guesses.GetStatistics(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, "get statistics", err)
		return
	}
	h.writeSuccess(w, stats)
}

// GetProfile returns a player's profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.ranks.GetProfile(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeDomainError(w, "get profile", err)
		return
	}
	h.writeSuccess(w, profile)
}

// GetProgression returns how far a player is from the next tier
func (h *Handler) GetProgression(w http.ResponseWriter, r *http.Request) {
	progression, err := h.ranks.GetPlayerProgression(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeDomainError(w, "get progression", err)
		return
	}
	h.writeSuccess(w, progression)
}

// GetGuessHistory returns a player's archived guesses across sessions
func (h *Handler) GetGuessHistory(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusNotImplemented, errors.New("guess archive is disabled"))
		return
	}

	playerID := chi.URLParam(r, "playerID")
	if err := domain.ValidateIdentifier("playerId", playerID); err != nil {
		h.writeDomainError(w, "get guess history", err)
		return
	}

	limit := parseLimit(r, defaultHistoryLimit)
	history, err := h.archive.ListGuessEvents(r.Context(), playerID, limit)
	if err != nil {
		h.writeDomainError(w, "get guess history", err)
		return
	}
	h.writeSuccess(w, history)
}

// ForceCleanup starts a sweeper pass in the background; poll GET for the result
func (h *Handler) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.ForceRun(r.Context()); err != nil {
		h.writeDomainError(w, "force cleanup", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "started"},
	})
}

// GetCleanupStatus returns the sweeper schedule and recent runs
func (h *Handler) GetCleanupStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status": h.sweeper.Status(),
	}

	if h.archive != nil {
		runs, err := h.archive.ListCleanupRuns(r.Context(), parseLimit(r, defaultHistoryLimit))
		if err != nil {
			h.logger.Warn("failed to list archived cleanup runs", "error", err)
		} else {
			data["archived"] = runs
		}
	}

	h.writeSuccess(w, data)
}

func parseLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
