package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/turnwarden/turnwarden/internal/models"
)

// ErrNotFound is returned when a match id has no row.
var ErrNotFound = errors.New("store: not found")

// CreateMatchRequest carries everything needed for a new match row plus its
// timer record.
type CreateMatchRequest struct {
	Name           string                    `json:"name"`
	Port           int                       `json:"port"`
	Settings       models.MatchSettings      `json:"settings"`
	GameType       models.GameType           `json:"game_type"`
	ChessClock     models.ChessClockSettings `json:"chess_clock"`
	Owner          string                    `json:"owner"`
	ChannelID      string                    `json:"channel_id"`
	RoleID         string                    `json:"role_id"`
	DefaultSeconds int                       `json:"default_seconds"`
}

const matchColumns = `id, name, port, settings, game_type, chess_clock,
	active, running, started, start_attempted, process_pid,
	owner, channel_id, role_id, winner, created_at`

// CreateMatch inserts the match and its timer record in one transaction.
func (s *Store) CreateMatch(ctx context.Context, req CreateMatchRequest) (*models.Match, error) {
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal match settings: %w", err)
	}
	clock, err := json.Marshal(req.ChessClock)
	if err != nil {
		return nil, fmt.Errorf("marshal chess clock settings: %w", err)
	}

	var m *models.Match
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO games (name, port, settings, game_type, chess_clock, owner, channel_id, role_id, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
			RETURNING `+matchColumns,
			req.Name, req.Port, settings, req.GameType, clock, req.Owner, req.ChannelID, req.RoleID)

		var scanErr error
		m, scanErr = scanMatch(row)
		if scanErr != nil {
			return fmt.Errorf("insert match: %w", scanErr)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO game_timers (game_id, default_seconds, remaining_seconds, running)
			VALUES ($1, $2, $2, FALSE)`,
			m.ID, req.DefaultSeconds); err != nil {
			return fmt.Errorf("insert timer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMatchInfo loads one match by id.
func (s *Store) GetMatchInfo(ctx context.Context, id int64) (*models.Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM games WHERE id = $1`, id)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("match %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get match %d: %w", id, err)
	}
	return m, nil
}

// GetMatchesNeedingTurnCheck returns matches whose launch was attempted but
// which have not reached turn 1 yet. The engine polls these for the lobby to
// turn-1 transition.
func (s *Store) GetMatchesNeedingTurnCheck(ctx context.Context) ([]*models.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+matchColumns+` FROM games
		WHERE active AND start_attempted AND NOT started`)
	if err != nil {
		return nil, fmt.Errorf("query matches needing turn check: %w", err)
	}
	defer rows.Close()

	var out []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMatchRunning flips the running flag.
func (s *Store) SetMatchRunning(ctx context.Context, id int64, running bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET running = $2 WHERE id = $1`, id, running); err != nil {
		return fmt.Errorf("set match %d running=%t: %w", id, running, err)
	}
	return nil
}

// SetMatchStarted flips the started flag (reached turn 1).
func (s *Store) SetMatchStarted(ctx context.Context, id int64, started bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET started = $2 WHERE id = $1`, id, started); err != nil {
		return fmt.Errorf("set match %d started=%t: %w", id, started, err)
	}
	return nil
}

// SetStartAttempted records that a launch was issued for the match.
func (s *Store) SetStartAttempted(ctx context.Context, id int64, attempted bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET start_attempted = $2 WHERE id = $1`, id, attempted); err != nil {
		return fmt.Errorf("set match %d start_attempted=%t: %w", id, attempted, err)
	}
	return nil
}

// SetMatchActive marks a match active or ended.
func (s *Store) SetMatchActive(ctx context.Context, id int64, active bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET active = $2 WHERE id = $1`, id, active); err != nil {
		return fmt.Errorf("set match %d active=%t: %w", id, active, err)
	}
	return nil
}

// UpdateProcessPid records the recovered pid of the match's server process.
// A nil pid clears the column.
func (s *Store) UpdateProcessPid(ctx context.Context, id int64, pid *int) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET process_pid = $2 WHERE id = $1`, id, pid); err != nil {
		return fmt.Errorf("update match %d pid: %w", id, err)
	}
	return nil
}

func scanMatch(row pgx.Row) (*models.Match, error) {
	var (
		m        models.Match
		settings []byte
		clock    []byte
	)
	err := row.Scan(&m.ID, &m.Name, &m.Port, &settings, &m.GameType, &clock,
		&m.Active, &m.Running, &m.Started, &m.StartAttempted, &m.ProcessPID,
		&m.Owner, &m.ChannelID, &m.RoleID, &m.Winner, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &m.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal match settings: %w", err)
	}
	if err := json.Unmarshal(clock, &m.ChessClock); err != nil {
		return nil, fmt.Errorf("unmarshal chess clock settings: %w", err)
	}
	return &m, nil
}
