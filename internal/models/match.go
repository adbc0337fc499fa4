package models

import (
	"time"
)

// GameType decides how the surrounding tooling presents timer durations.
// Standard games think in hours, blitz games in minutes. The core always
// stores seconds.
type GameType string

const (
	GameTypeStandard GameType = "STANDARD"
	GameTypeBlitz    GameType = "BLITZ"
)

// StoryEventLevel maps to the server's three story-event CLI flags.
type StoryEventLevel int

const (
	StoryEventsNone StoryEventLevel = 0
	StoryEventsSome StoryEventLevel = 1
	StoryEventsAll  StoryEventLevel = 2
)

// ScoreGraphMode controls score-graph visibility on the server.
type ScoreGraphMode string

const (
	ScoreGraphsDefault ScoreGraphMode = "DEFAULT"
	ScoreGraphsShow    ScoreGraphMode = "SHOW"
	ScoreGraphsHidden  ScoreGraphMode = "HIDDEN"
)

// DiploMode controls in-game diplomacy enforcement.
type DiploMode string

const (
	DiploBinding  DiploMode = "BINDING"
	DiploWeak     DiploMode = "WEAK"
	DiploDisabled DiploMode = "DISABLED"
)

// MatchSettings holds the launch configuration that is mapped onto the game
// server's CLI flags. Pointer fields are optional; nil means "server default"
// and emits no flag.
type MatchSettings struct {
	Era            int             `json:"era"`
	Map            string          `json:"map"`
	Mods           []string        `json:"mods,omitempty"`
	GlobalSlots    int             `json:"global_slots"`
	EventRarity    int             `json:"event_rarity"`
	MasterPass     string          `json:"master_pass"`
	RequiredAP     int             `json:"required_ap"`
	Thrones        []int           `json:"thrones"`
	StoryEvents    StoryEventLevel `json:"story_events"`
	NoGoingAI      bool            `json:"no_going_ai"`
	ResearchRandom bool            `json:"research_random"`
	TeamGame       bool            `json:"team_game"`

	ResearchRate *int `json:"research_rate,omitempty"`
	HallOfFame   *int `json:"hall_of_fame,omitempty"`
	MercSlots    *int `json:"merc_slots,omitempty"`
	IndieStr     *int `json:"indie_str,omitempty"`
	MagicSites   *int `json:"magic_sites,omitempty"`
	Richness     *int `json:"richness,omitempty"`
	Resources    *int `json:"resources,omitempty"`
	Recruitment  *int `json:"recruitment,omitempty"`
	Supplies     *int `json:"supplies,omitempty"`
	StartProv    *int `json:"start_prov,omitempty"`
	AILevel      *int `json:"ai_level,omitempty"`
	Cataclysm    *int `json:"cataclysm,omitempty"`

	Renaming    bool           `json:"renaming"`
	ScoreGraphs ScoreGraphMode `json:"score_graphs,omitempty"`
	NoArtRest   bool           `json:"no_art_rest"`
	NoLvl9Rest  bool           `json:"no_lvl9_rest"`
	Clustered   bool           `json:"clustered"`
	EdgeStart   bool           `json:"edge_start"`
	ConqAll     bool           `json:"conq_all"`
	Diplo       DiploMode      `json:"diplo,omitempty"`
}

// ChessClockSettings is present when the match runs per-player time banks.
type ChessClockSettings struct {
	Active          bool `json:"active"`
	StartingSeconds int  `json:"starting_seconds"`
	PerTurnSeconds  int  `json:"per_turn_seconds"`
}

// Match is one hosted game instance: its own server process, timer and
// player claims. Persisted in the games table.
type Match struct {
	ID             int64              `json:"id"`
	Name           string             `json:"name"`
	Port           int                `json:"port"`
	Settings       MatchSettings      `json:"settings"`
	GameType       GameType           `json:"game_type"`
	ChessClock     ChessClockSettings `json:"chess_clock"`
	Active         bool               `json:"active"`
	Running        bool               `json:"running"`
	Started        bool               `json:"started"`
	StartAttempted bool               `json:"start_attempted"`
	ProcessPID     *int               `json:"process_pid,omitempty"`
	Owner          string             `json:"owner"`
	ChannelID      string             `json:"channel_id,omitempty"` // owned by the chat layer
	RoleID         string             `json:"role_id,omitempty"`    // owned by the chat layer
	Winner         *string            `json:"winner,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
