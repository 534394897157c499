package domain

import (
	"time"
)

// HidingSpot is where the creator hid the object, in normalized map coordinates
type HidingSpot struct {
	ObjectKey string  `json:"objectKey"`
	RelX      float64 `json:"relX"`
	RelY      float64 `json:"relY"`
}

// Validate checks the object key and coordinate ranges
func (h HidingSpot) Validate() error {
	if err := ValidateIdentifier("hidingSpot.objectKey", h.ObjectKey); err != nil {
		return err
	}
	if err := ValidateCoordinate("hidingSpot.relX", h.RelX); err != nil {
		return err
	}
	return ValidateCoordinate("hidingSpot.relY", h.RelY)
}

// GameSession represents one hide-and-seek challenge
type GameSession struct {
	SessionID  string     `json:"sessionId"`
	CreatorID  string     `json:"creatorId"`
	MapKey     string     `json:"mapKey"`
	HidingSpot HidingSpot `json:"hidingSpot"`
	CreatedAt  time.Time  `json:"createdAt"`
	PostID     string     `json:"postId,omitempty"`
	PostURL    string     `json:"postUrl,omitempty"`
}

// Validate checks the session shape before it is written
func (s *GameSession) Validate() error {
	if err := ValidateIdentifier("sessionId", s.SessionID); err != nil {
		return err
	}
	if err := ValidateIdentifier("creatorId", s.CreatorID); err != nil {
		return err
	}
	if err := validateText("mapKey", s.MapKey, MaxMapKeyLength, true); err != nil {
		return err
	}
	if !identifierPattern.MatchString(s.MapKey) {
		return NewValidationError("mapKey", "must contain only letters, digits, underscores or hyphens")
	}
	if err := s.HidingSpot.Validate(); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		return NewValidationError("createdAt", "is required")
	}
	if s.PostID != "" {
		if err := ValidateIdentifier("postId", s.PostID); err != nil {
			return err
		}
	}
	return validateText("postUrl", s.PostURL, MaxPostURLLength, false)
}

// PostMapping links an external post to the session it announces
type PostMapping struct {
	PostID    string `json:"postId"`
	SessionID string `json:"sessionId"`
}

// Validate checks both identifiers
func (m PostMapping) Validate() error {
	if err := ValidateIdentifier("postId", m.PostID); err != nil {
		return err
	}
	return ValidateIdentifier("sessionId", m.SessionID)
}

// CreateSessionRequest represents a request to create a new session
type CreateSessionRequest struct {
	CreatorID  string     `json:"creatorId"`
	MapKey     string     `json:"mapKey"`
	HidingSpot HidingSpot `json:"hidingSpot"`
	PostID     string     `json:"postId,omitempty"`
	PostURL    string     `json:"postUrl,omitempty"`
}

// AttachPostRequest carries the identifier returned by the host platform
type AttachPostRequest struct {
	PostID string `json:"postId"`
}
