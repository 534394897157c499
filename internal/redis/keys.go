package redis

import (
	"fmt"
	"strconv"
	"strings"
)

// Key namespaces
const (
	SessionPrefix     = "game_session:"
	PostMappingPrefix = "post_mapping:"
	GamePrefix        = "game:"
	PlayerPrefix      = "player:"
)

// Namespaces lists the SCAN patterns covering every key the store writes
var Namespaces = []string{
	SessionPrefix + "*",
	PostMappingPrefix + "*",
	GamePrefix + "*",
	PlayerPrefix + "*",
}

// SessionKey returns the key for a game session
func SessionKey(sessionID string) string {
	return SessionPrefix + sessionID
}

// PostMappingKey returns the key for a post -> session index entry
func PostMappingKey(postID string) string {
	return PostMappingPrefix + postID
}

// GuessKey returns the key for a single guess record
func GuessKey(sessionID, guesserID string, timestamp int64) string {
	return fmt.Sprintf("game:%s:guess:%s:%d", sessionID, guesserID, timestamp)
}

// GuessKeyPattern matches every guess record of a session
func GuessKeyPattern(sessionID string) string {
	return fmt.Sprintf("game:%s:guess:*", sessionID)
}

// GuessLogKey returns the key for a session's ordered guess log
func GuessLogKey(sessionID string) string {
	return fmt.Sprintf("game:%s:guesses", sessionID)
}

// StatsKey returns the key for a session's cached statistics
func StatsKey(sessionID string) string {
	return fmt.Sprintf("game:%s:stats", sessionID)
}

// PlayerKey returns the key for a player profile
func PlayerKey(playerID string) string {
	return PlayerPrefix + playerID
}

// SessionIDFromGameKey extracts the session id from any game:{sessionId}:... key
func SessionIDFromGameKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, GamePrefix)
	if !ok {
		return "", false
	}
	sessionID, _, ok := strings.Cut(rest, ":")
	if !ok || sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// ParseGuessKey splits game:{sessionId}:guess:{guesserId}:{timestamp}
func ParseGuessKey(key string) (sessionID, guesserID string, timestamp int64, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "game" || parts[2] != "guess" {
		return "", "", 0, false
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return parts[1], parts[3], ts, true
}
