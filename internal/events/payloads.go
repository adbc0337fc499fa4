// Package events defines the lifecycle events the engine and match service
// emit, and the publishers that ship them to the notification layer.
package events

import (
	"time"
)

// Event type names used as subject suffixes.
const (
	TypeMatchStarted    = "MatchStarted"
	TypeTurnHosted      = "TurnHosted"
	TypeTurnCritical    = "TurnCritical"
	TypeProcessDied     = "ProcessDied"
	TypeTimerExtended   = "TimerExtended"
	TypeMatchRolledBack = "MatchRolledBack"
)

// MatchStartedPayload fires once when a match first reaches turn 1.
type MatchStartedPayload struct {
	MatchID          int64     `json:"match_id"`
	MatchName        string    `json:"match_name"`
	Turn             int       `json:"turn"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Deadline         time.Time `json:"deadline"`
}

// TurnHostedPayload fires when the countdown expired and a host was forced.
type TurnHostedPayload struct {
	MatchID        int64     `json:"match_id"`
	MatchName      string    `json:"match_name"`
	DefaultSeconds int       `json:"default_seconds"`
	HostedAt       time.Time `json:"hosted_at"`
}

// TurnCriticalPayload fires once per crossing of the one-hour-remaining
// boundary, listing nations that have not acted at all.
type TurnCriticalPayload struct {
	MatchID          int64    `json:"match_id"`
	MatchName        string   `json:"match_name"`
	RemainingSeconds int      `json:"remaining_seconds"`
	UndoneNations    []string `json:"undone_nations"`
}

// ProcessDiedPayload fires when the match's session vanished outside
// supervisor control. ErrorDigest is a condensed tail of the server's error
// log.
type ProcessDiedPayload struct {
	MatchID     int64  `json:"match_id"`
	MatchName   string `json:"match_name"`
	Owner       string `json:"owner,omitempty"`
	ErrorDigest string `json:"error_digest,omitempty"`
}

// TimerExtendedPayload fires when a player or operator changed the current
// countdown.
type TimerExtendedPayload struct {
	MatchID          int64  `json:"match_id"`
	PlayerID         string `json:"player_id,omitempty"`
	DeltaSeconds     int    `json:"delta_seconds"`
	RemainingSeconds int    `json:"remaining_seconds"`
	FromChessClock   bool   `json:"from_chess_clock"`
}

// MatchRolledBackPayload fires after a successful turn restore.
type MatchRolledBackPayload struct {
	MatchID   int64  `json:"match_id"`
	MatchName string `json:"match_name"`
	Turn      int    `json:"turn"`
}
