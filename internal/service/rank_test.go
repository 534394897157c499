package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
)

func seedProfile(t *testing.T, env *testEnv, rank domain.Rank, total, successful int64) {
	t.Helper()
	profile := domain.NewPlayerProfile("veteran", "veteran", env.clock.Now())
	profile.Rank = rank
	profile.TotalGuesses = total
	profile.SuccessfulGuesses = successful
	profile.SuccessRate = domain.SuccessRateOf(successful, total)
	if err := env.store.PutProfile(context.Background(), profile); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
}

func TestPromotionOnFifthFind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		update, err := env.ranks.UpdateAfterGuess(ctx, "newbie", "newbie", domain.GuessOutcome{Success: true})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if i < 5 && update.RankChanged {
			t.Errorf("call %d: unexpected promotion to %s", i, update.NewRank)
		}
		if i == 5 {
			if !update.RankChanged || update.PreviousRank != domain.RankRookie || update.NewRank != domain.RankSeeker {
				t.Errorf("expected rookie -> seeker on 5th call, got %+v", update)
			}
		}
	}

	profile, err := env.ranks.GetProfile(ctx, "newbie")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.Rank != domain.RankSeeker || profile.SuccessfulGuesses != 5 || profile.SuccessRate != 1 {
		t.Errorf("unexpected profile %+v", profile)
	}
}

func TestProgressPercentage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	update, err := env.ranks.UpdateAfterGuess(ctx, "p1", "", domain.GuessOutcome{Success: true})
	if err != nil {
		t.Fatalf("UpdateAfterGuess: %v", err)
	}
	// rate 1.0 already meets seeker; 1 of 5 finds
	if update.ProgressPercentage != 20 {
		t.Errorf("expected 20%%, got %v", update.ProgressPercentage)
	}

	update, _ = env.ranks.UpdateAfterGuess(ctx, "p1", "", domain.GuessOutcome{Success: false})
	update, _ = env.ranks.UpdateAfterGuess(ctx, "p1", "", domain.GuessOutcome{Success: false})
	// rate 1/3 meets 0.20, finds 1/5
	if update.ProgressPercentage != 20 {
		t.Errorf("expected 20%%, got %v", update.ProgressPercentage)
	}
}

func TestTierPromotionPolicy(t *testing.T) {
	tests := []struct {
		name      string
		allowSkip bool
		want      domain.Rank
	}{
		{"single step", false, domain.RankSeeker},
		{"skip to highest qualifying tier", true, domain.RankTracker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ranks = NewRankEngine(env.store, &config.RankConfig{AllowTierSkip: tt.allowSkip}, discardLogger())
			env.ranks.SetClock(env.clock.Now)

			// 30 finds out of 40 qualifies for tracker but not detective
			seedProfile(t, env, domain.RankRookie, 39, 29)

			update, err := env.ranks.UpdateAfterGuess(context.Background(), "veteran", "", domain.GuessOutcome{Success: true})
			if err != nil {
				t.Fatalf("UpdateAfterGuess: %v", err)
			}
			if update.NewRank != tt.want {
				t.Errorf("expected %s, got %s", tt.want, update.NewRank)
			}
		})
	}
}

func TestSingleStepPromotionCatchesUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedProfile(t, env, domain.RankRookie, 39, 29)

	want := []domain.Rank{domain.RankSeeker, domain.RankTracker, domain.RankTracker}
	for i, rank := range want {
		update, err := env.ranks.UpdateAfterGuess(ctx, "veteran", "", domain.GuessOutcome{Success: true})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if update.NewRank != rank {
			t.Errorf("call %d: expected %s, got %s", i, rank, update.NewRank)
		}
	}
}

func TestRankNeverDemotes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedProfile(t, env, domain.RankDetective, 100, 60)

	for i := 0; i < 50; i++ {
		update, err := env.ranks.UpdateAfterGuess(ctx, "veteran", "", domain.GuessOutcome{Success: false})
		if err != nil {
			t.Fatalf("UpdateAfterGuess: %v", err)
		}
		if update.NewRank != domain.RankDetective {
			t.Fatalf("expected detective to hold, got %s after %d misses", update.NewRank, i+1)
		}
	}

	profile, _ := env.ranks.GetProfile(ctx, "veteran")
	if profile.SuccessRate != 0.4 {
		t.Errorf("expected rate 0.4 after misses, got %v", profile.SuccessRate)
	}
}

func TestRankIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	previous := 0
	for i := 0; i < 300; i++ {
		outcome := domain.GuessOutcome{Success: rng.Float64() < 0.6}
		update, err := env.ranks.UpdateAfterGuess(ctx, "grinder", "", outcome)
		if err != nil {
			t.Fatalf("UpdateAfterGuess: %v", err)
		}
		idx := domain.TierIndex(update.NewRank)
		if idx < previous {
			t.Fatalf("rank dropped from %s to %s at guess %d", domain.Tiers[previous].Rank, update.NewRank, i)
		}
		if idx > previous+1 {
			t.Fatalf("rank skipped from %s to %s at guess %d", domain.Tiers[previous].Rank, update.NewRank, i)
		}
		previous = idx
	}

	profile, _ := env.ranks.GetProfile(ctx, "grinder")
	if err := profile.Validate(); err != nil {
		t.Errorf("expected consistent profile, got %v", err)
	}
	if profile.TotalGuesses != 300 {
		t.Errorf("expected 300 guesses, got %d", profile.TotalGuesses)
	}
}

func TestGetProgressionTopTier(t *testing.T) {
	env := newTestEnv(t)
	profile := domain.NewPlayerProfile("champ", "", env.clock.Now())
	profile.Rank = domain.RankMastermind
	profile.TotalGuesses = 400
	profile.SuccessfulGuesses = 300
	profile.SuccessRate = 0.75

	progression := env.ranks.GetProgression(profile)
	if progression.NextRank != nil || progression.RequirementsForNext != nil {
		t.Errorf("expected no next tier, got %+v", progression)
	}
	if progression.ProgressToNext != 1 {
		t.Errorf("expected progress 1 at top tier, got %v", progression.ProgressToNext)
	}
}

func TestGetProgressionUsesWeakerRequirement(t *testing.T) {
	env := newTestEnv(t)
	profile := domain.NewPlayerProfile("p", "", env.clock.Now())
	profile.Rank = domain.RankSeeker
	profile.TotalGuesses = 100
	profile.SuccessfulGuesses = 10
	profile.SuccessRate = 0.1

	progression := env.ranks.GetProgression(profile)
	if progression.NextRank == nil || *progression.NextRank != domain.RankTracker {
		t.Fatalf("expected next rank tracker, got %+v", progression.NextRank)
	}
	// finds 10/20 = 0.5, rate 0.1/0.35 ~ 0.286
	want := 0.1 / 0.35
	if diff := progression.ProgressToNext - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected progress %v, got %v", want, progression.ProgressToNext)
	}
}

func TestGetPlayerProgressionUnknownPlayer(t *testing.T) {
	env := newTestEnv(t)

	progression, err := env.ranks.GetPlayerProgression(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetPlayerProgression: %v", err)
	}
	if progression.CurrentRank != domain.RankRookie {
		t.Errorf("expected rookie, got %s", progression.CurrentRank)
	}
	if progression.ProgressToNext != 0 {
		t.Errorf("expected no progress, got %v", progression.ProgressToNext)
	}
	if env.mr.Exists("player:ghost") {
		t.Error("expected progression lookup not to create a profile")
	}
}

func TestGetProfileNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ranks.GetProfile(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Errorf("expected ErrPlayerNotFound, got %v", err)
	}
}

func TestUpdateAfterGuessRejectsBadPlayerID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ranks.UpdateAfterGuess(context.Background(), "bad id", "", domain.GuessOutcome{})
	if !domain.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestProfileTTLRefreshedOnUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.ranks.UpdateAfterGuess(ctx, "p1", "", domain.GuessOutcome{Success: true})
	env.mr.FastForward(env.store.TTL() / 2)
	env.ranks.UpdateAfterGuess(ctx, "p1", "", domain.GuessOutcome{Success: true})

	if ttl := env.mr.TTL("player:p1"); ttl != env.store.TTL() {
		t.Errorf("expected TTL reset to %v, got %v", env.store.TTL(), ttl)
	}
}
