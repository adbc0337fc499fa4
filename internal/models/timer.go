package models

// TimerRecord is the persisted countdown for one match. Exactly one row per
// active match; RemainingSeconds is clamped at zero and only the timer
// engine mutates it.
type TimerRecord struct {
	MatchID          int64 `json:"match_id"`
	DefaultSeconds   int   `json:"default_seconds"`
	RemainingSeconds int   `json:"remaining_seconds"`
	Running          bool  `json:"running"`
}

// PlayerClaim ties a player to a nation in a match. Claims are soft-deleted
// so extension history survives an unclaim.
type PlayerClaim struct {
	MatchID          int64  `json:"match_id"`
	PlayerID         string `json:"player_id"`
	Nation           string `json:"nation"`
	ExtensionsUsed   int    `json:"extensions_used"` // seconds, monotonic
	ChessClockRemain int    `json:"chess_clock_remaining"`
	CurrentlyClaimed bool   `json:"currently_claimed"`
}
