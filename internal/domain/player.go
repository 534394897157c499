package domain

import (
	"math"
	"time"
)

// Rank is a player's skill tier
type Rank string

const (
	RankRookie     Rank = "rookie"
	RankSeeker     Rank = "seeker"
	RankTracker    Rank = "tracker"
	RankDetective  Rank = "detective"
	RankSleuth     Rank = "sleuth"
	RankMastermind Rank = "mastermind"
)

// TierRequirements are the thresholds a player must meet to hold a rank
type TierRequirements struct {
	MinSuccessRate float64 `json:"minSuccessRate"`
	MinTotalFinds  int64   `json:"minTotalFinds"`
}

// Tier couples a rank with its requirements
type Tier struct {
	Rank         Rank             `json:"rank"`
	Requirements TierRequirements `json:"requirements"`
}

// Tiers is ordered from lowest to highest
var Tiers = []Tier{
	{Rank: RankRookie, Requirements: TierRequirements{MinSuccessRate: 0, MinTotalFinds: 0}},
	{Rank: RankSeeker, Requirements: TierRequirements{MinSuccessRate: 0.20, MinTotalFinds: 5}},
	{Rank: RankTracker, Requirements: TierRequirements{MinSuccessRate: 0.35, MinTotalFinds: 20}},
	{Rank: RankDetective, Requirements: TierRequirements{MinSuccessRate: 0.50, MinTotalFinds: 50}},
	{Rank: RankSleuth, Requirements: TierRequirements{MinSuccessRate: 0.60, MinTotalFinds: 100}},
	{Rank: RankMastermind, Requirements: TierRequirements{MinSuccessRate: 0.70, MinTotalFinds: 250}},
}

// TierIndex returns the position of r in Tiers, or -1 for an unknown rank
func TierIndex(r Rank) int {
	for i, t := range Tiers {
		if t.Rank == r {
			return i
		}
	}
	return -1
}

// Met reports whether the given totals satisfy the requirements
func (req TierRequirements) Met(successRate float64, finds int64) bool {
	return successRate >= req.MinSuccessRate && finds >= req.MinTotalFinds
}

// PlayerProfile is a player's cross-session record
type PlayerProfile struct {
	PlayerID          string    `json:"playerId"`
	Username          string    `json:"username"`
	Rank              Rank      `json:"rank"`
	TotalGuesses      int64     `json:"totalGuesses"`
	SuccessfulGuesses int64     `json:"successfulGuesses"`
	SuccessRate       float64   `json:"successRate"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastActive        time.Time `json:"lastActive"`
}

// NewPlayerProfile returns a fresh profile at the lowest tier
func NewPlayerProfile(playerID, username string, now time.Time) *PlayerProfile {
	return &PlayerProfile{
		PlayerID:   playerID,
		Username:   username,
		Rank:       Tiers[0].Rank,
		JoinedAt:   now,
		LastActive: now,
	}
}

// SuccessRateOf returns successful/total, or 0 when there are no guesses
func SuccessRateOf(successful, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successful) / float64(total)
}

// Validate checks the profile counters and rank
func (p *PlayerProfile) Validate() error {
	if err := ValidateIdentifier("playerId", p.PlayerID); err != nil {
		return err
	}
	if err := validateText("username", p.Username, MaxUsernameLength, false); err != nil {
		return err
	}
	if TierIndex(p.Rank) < 0 {
		return NewValidationError("rank", "unknown tier")
	}
	if p.TotalGuesses < 0 || p.SuccessfulGuesses < 0 {
		return NewValidationError("totals", "must be non-negative")
	}
	if p.SuccessfulGuesses > p.TotalGuesses {
		return NewValidationError("successfulGuesses", "exceeds total guesses")
	}
	if math.Abs(p.SuccessRate-SuccessRateOf(p.SuccessfulGuesses, p.TotalGuesses)) > 1e-9 {
		return NewValidationError("successRate", "does not match totals")
	}
	return nil
}

// GuessOutcome is what the guess ledger hands to the rank engine
type GuessOutcome struct {
	Success bool `json:"success"`
}

// RankUpdate describes the effect of one guess on a profile
type RankUpdate struct {
	PreviousRank       Rank    `json:"previousRank"`
	NewRank            Rank    `json:"newRank"`
	RankChanged        bool    `json:"rankChanged"`
	ProgressPercentage float64 `json:"progressPercentage"`
}

// RankProgression is the read-only view consumed by the client
type RankProgression struct {
	CurrentRank         Rank              `json:"currentRank"`
	NextRank            *Rank             `json:"nextRank,omitempty"`
	ProgressToNext      float64           `json:"progressToNext"`
	RequirementsForNext *TierRequirements `json:"requirementsForNext,omitempty"`
}
