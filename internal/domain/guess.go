package domain

import (
	"math"
	"time"
)

// AccuracyThreshold is the largest normalized distance still counted as a find
const AccuracyThreshold = 0.05

// DefaultRateWindow is the minimum spacing between two guesses by the same
// player in the same session.
const DefaultRateWindow = 2 * time.Second

// GuessSubmission represents an incoming guess before it is scored
type GuessSubmission struct {
	SessionID string  `json:"sessionId"`
	GuesserID string  `json:"guesserId"`
	Username  string  `json:"username"`
	ObjectKey string  `json:"objectKey"`
	RelX      float64 `json:"relX"`
	RelY      float64 `json:"relY"`
}

// Validate checks identifiers, the username length and coordinate ranges
func (g GuessSubmission) Validate() error {
	if err := ValidateIdentifier("sessionId", g.SessionID); err != nil {
		return err
	}
	if err := ValidateIdentifier("guesserId", g.GuesserID); err != nil {
		return err
	}
	if err := validateText("username", g.Username, MaxUsernameLength, false); err != nil {
		return err
	}
	if err := ValidateIdentifier("objectKey", g.ObjectKey); err != nil {
		return err
	}
	if err := ValidateCoordinate("relX", g.RelX); err != nil {
		return err
	}
	return ValidateCoordinate("relY", g.RelY)
}

// BatchGuessSubmission represents multiple guesses delivered together
type BatchGuessSubmission struct {
	Guesses []GuessSubmission `json:"guesses"`
}

// GuessRecord is one scored guess. Timestamp is in Unix milliseconds and
// doubles as the ordering score in the session's guess log.
type GuessRecord struct {
	SessionID string  `json:"sessionId"`
	GuesserID string  `json:"guesserId"`
	Username  string  `json:"username"`
	ObjectKey string  `json:"objectKey"`
	RelX      float64 `json:"relX"`
	RelY      float64 `json:"relY"`
	Timestamp int64   `json:"timestamp"`
	IsCorrect bool    `json:"isCorrect"`
	Distance  float64 `json:"distance"`
}

// Validate checks the record before it is appended
func (r *GuessRecord) Validate() error {
	sub := GuessSubmission{
		SessionID: r.SessionID,
		GuesserID: r.GuesserID,
		Username:  r.Username,
		ObjectKey: r.ObjectKey,
		RelX:      r.RelX,
		RelY:      r.RelY,
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	if r.Timestamp <= 0 {
		return NewValidationError("timestamp", "must be positive")
	}
	if math.IsNaN(r.Distance) || r.Distance < 0 {
		return NewValidationError("distance", "must be non-negative")
	}
	return nil
}

// Distance returns the Euclidean distance between two normalized points
func Distance(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x1-x2, y1-y2)
}

// ScoreGuess computes the distance to the hiding spot and whether the guess
// counts as a find.
func ScoreGuess(objectKey string, relX, relY float64, spot HidingSpot) (distance float64, correct bool) {
	distance = Distance(relX, relY, spot.RelX, spot.RelY)
	correct = objectKey == spot.ObjectKey && distance < AccuracyThreshold
	return distance, correct
}

// GuessStatistics is the cached aggregate for a session's guess log
type GuessStatistics struct {
	TotalGuesses    int64   `json:"totalGuesses"`
	CorrectGuesses  int64   `json:"correctGuesses"`
	UniqueGuessers  int64   `json:"uniqueGuessers"`
	AverageDistance float64 `json:"averageDistance"`
}

// Validate rejects impossible counters
func (s *GuessStatistics) Validate() error {
	if s.TotalGuesses < 0 || s.CorrectGuesses < 0 || s.UniqueGuessers < 0 {
		return NewValidationError("statistics", "counters must be non-negative")
	}
	if s.CorrectGuesses > s.TotalGuesses || s.UniqueGuessers > s.TotalGuesses {
		return NewValidationError("statistics", "counters exceed total guesses")
	}
	if math.IsNaN(s.AverageDistance) || s.AverageDistance < 0 {
		return NewValidationError("averageDistance", "must be non-negative")
	}
	return nil
}
