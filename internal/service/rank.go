package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/redis"
)

// RankEngine keeps player profiles and their tier up to date.
// Profile writes are last-writer-wins.
type RankEngine struct {
	store         *redis.Store
	allowTierSkip bool
	logger        *slog.Logger
	now           func() time.Time
}

// NewRankEngine creates a new rank engine
func NewRankEngine(store *redis.Store, cfg *config.RankConfig, logger *slog.Logger) *RankEngine {
	return &RankEngine{
		store:         store,
		allowTierSkip: cfg.AllowTierSkip,
		logger:        logger,
		now:           time.Now,
	}
}

// SetClock replaces the time source
func (e *RankEngine) SetClock(now func() time.Time) {
	e.now = now
}

// UpdateAfterGuess folds one guess outcome into the player's totals and
// recalculates the tier
func (e *RankEngine) UpdateAfterGuess(ctx context.Context, playerID, username string, outcome domain.GuessOutcome) (*domain.RankUpdate, error) {
	if err := domain.ValidateIdentifier("playerId", playerID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	profile, err := e.store.GetProfile(ctx, playerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		profile = domain.NewPlayerProfile(playerID, username, now)
	}

	if username != "" {
		profile.Username = username
	}
	profile.TotalGuesses++
	if outcome.Success {
		profile.SuccessfulGuesses++
	}
	profile.SuccessRate = domain.SuccessRateOf(profile.SuccessfulGuesses, profile.TotalGuesses)
	profile.LastActive = now

	previous := profile.Rank
	profile.Rank = e.recalculateRank(profile)

	if err := e.store.PutProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("storing profile: %w", err)
	}

	update := &domain.RankUpdate{
		PreviousRank:       previous,
		NewRank:            profile.Rank,
		RankChanged:        previous != profile.Rank,
		ProgressPercentage: math.Round(e.GetProgression(profile).ProgressToNext*10000) / 100,
	}
	if update.RankChanged {
		e.logger.Info("player promoted",
			"player_id", playerID,
			"previous_rank", previous,
			"new_rank", profile.Rank,
		)
	}
	return update, nil
}

// recalculateRank returns the rank the profile should hold. It never demotes,
// and unless tier skipping is enabled it climbs at most one tier.
func (e *RankEngine) recalculateRank(profile *domain.PlayerProfile) domain.Rank {
	current := domain.TierIndex(profile.Rank)
	if current < 0 {
		current = 0
	}

	qualified := highestQualifiedTier(profile.SuccessRate, profile.SuccessfulGuesses)
	if qualified <= current {
		return domain.Tiers[current].Rank
	}
	if e.allowTierSkip {
		return domain.Tiers[qualified].Rank
	}
	return domain.Tiers[current+1].Rank
}

func highestQualifiedTier(successRate float64, finds int64) int {
	highest := 0
	for i, tier := range domain.Tiers {
		if tier.Requirements.Met(successRate, finds) {
			highest = i
		}
	}
	return highest
}

// GetProgression describes how far the profile is from its next tier. It does not write.
func (e *RankEngine) GetProgression(profile *domain.PlayerProfile) domain.RankProgression {
	current := domain.TierIndex(profile.Rank)
	if current < 0 {
		current = 0
	}

	progression := domain.RankProgression{CurrentRank: domain.Tiers[current].Rank}
	if current == len(domain.Tiers)-1 {
		progression.ProgressToNext = 1
		return progression
	}

	next := domain.Tiers[current+1]
	nextRank := next.Rank
	requirements := next.Requirements
	progression.NextRank = &nextRank
	progression.RequirementsForNext = &requirements
	progression.ProgressToNext = progressToward(requirements, profile.SuccessRate, profile.SuccessfulGuesses)
	return progression
}

// progressToward is the smaller of the rate and finds ratios, each capped at 1
func progressToward(req domain.TierRequirements, successRate float64, finds int64) float64 {
	rateRatio := 1.0
	if req.MinSuccessRate > 0 {
		rateRatio = math.Min(successRate/req.MinSuccessRate, 1)
	}
	findsRatio := 1.0
	if req.MinTotalFinds > 0 {
		findsRatio = math.Min(float64(finds)/float64(req.MinTotalFinds), 1)
	}
	return math.Min(rateRatio, findsRatio)
}

// GetProfile returns a player's profile or domain.ErrPlayerNotFound
func (e *RankEngine) GetProfile(ctx context.Context, playerID string) (*domain.PlayerProfile, error) {
	profile, err := e.store.GetProfile(ctx, playerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return profile, nil
}

// GetPlayerProgression loads a player's progression. Players without a
// profile get the progression of a fresh one.
func (e *RankEngine) GetPlayerProgression(ctx context.Context, playerID string) (*domain.RankProgression, error) {
	if err := domain.ValidateIdentifier("playerId", playerID); err != nil {
		return nil, err
	}

	profile, err := e.GetProfile(ctx, playerID)
	if err != nil {
		if !errors.Is(err, domain.ErrPlayerNotFound) {
			return nil, err
		}
		profile = domain.NewPlayerProfile(playerID, "", e.now().UTC())
	}

	progression := e.GetProgression(profile)
	return &progression, nil
}
