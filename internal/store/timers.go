package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/turnwarden/turnwarden/internal/models"
)

// GetActiveTimers returns every timer record with running = true whose match
// is still active. This is the engine's per-tick work set.
func (s *Store) GetActiveTimers(ctx context.Context) ([]models.TimerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.game_id, t.default_seconds, t.remaining_seconds, t.running
		FROM game_timers t
		JOIN games g ON g.id = t.game_id
		WHERE t.running AND g.active`)
	if err != nil {
		return nil, fmt.Errorf("query active timers: %w", err)
	}
	defer rows.Close()

	var out []models.TimerRecord
	for rows.Next() {
		var t models.TimerRecord
		if err := rows.Scan(&t.MatchID, &t.DefaultSeconds, &t.RemainingSeconds, &t.Running); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTimer loads one match's timer record.
func (s *Store) GetTimer(ctx context.Context, matchID int64) (*models.TimerRecord, error) {
	var t models.TimerRecord
	err := s.pool.QueryRow(ctx, `
		SELECT game_id, default_seconds, remaining_seconds, running
		FROM game_timers WHERE game_id = $1`, matchID).
		Scan(&t.MatchID, &t.DefaultSeconds, &t.RemainingSeconds, &t.Running)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("timer for match %d: %w", matchID, ErrNotFound)
		}
		return nil, fmt.Errorf("get timer for match %d: %w", matchID, err)
	}
	return &t, nil
}

// UpdateTimer persists a new remaining value and running flag. Remaining is
// clamped at zero so the CHECK constraint never trips on a fast double tick.
func (s *Store) UpdateTimer(ctx context.Context, matchID int64, remaining int, running bool) error {
	if remaining < 0 {
		remaining = 0
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE game_timers SET remaining_seconds = $2, running = $3 WHERE game_id = $1`,
		matchID, remaining, running); err != nil {
		return fmt.Errorf("update timer for match %d: %w", matchID, err)
	}
	return nil
}

// SetTimerRunning pauses or resumes the countdown without touching the
// remaining value.
func (s *Store) SetTimerRunning(ctx context.Context, matchID int64, running bool) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE game_timers SET running = $2 WHERE game_id = $1`, matchID, running); err != nil {
		return fmt.Errorf("set timer running for match %d: %w", matchID, err)
	}
	return nil
}

// UpdateTimerDefault changes the per-turn default without touching the
// current countdown.
func (s *Store) UpdateTimerDefault(ctx context.Context, matchID int64, defaultSeconds int) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE game_timers SET default_seconds = $2 WHERE game_id = $1`, matchID, defaultSeconds); err != nil {
		return fmt.Errorf("update timer default for match %d: %w", matchID, err)
	}
	return nil
}

// ResetTimerForNewTurn starts the next turn's countdown: remaining back to
// the default, timer running, and, when the match runs chess clocks, the
// per-turn bonus credited to each claiming player's highest-bank nation row.
func (s *Store) ResetTimerForNewTurn(ctx context.Context, matchID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE game_timers
			SET remaining_seconds = default_seconds, running = TRUE
			WHERE game_id = $1`, matchID); err != nil {
			return fmt.Errorf("reset timer for match %d: %w", matchID, err)
		}

		var clockRaw []byte
		if err := tx.QueryRow(ctx, `SELECT chess_clock FROM games WHERE id = $1`, matchID).
			Scan(&clockRaw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("match %d: %w", matchID, ErrNotFound)
			}
			return fmt.Errorf("load chess clock for match %d: %w", matchID, err)
		}
		var clock models.ChessClockSettings
		if err := json.Unmarshal(clockRaw, &clock); err != nil {
			return fmt.Errorf("unmarshal chess clock for match %d: %w", matchID, err)
		}
		if !clock.Active || clock.PerTurnSeconds <= 0 {
			return nil
		}

		// One bonus per player per turn, credited to the nation row that
		// already holds their largest bank.
		if _, err := tx.Exec(ctx, `
			UPDATE players p
			SET chess_clock_remaining = chess_clock_remaining + $2
			FROM (
				SELECT DISTINCT ON (player_id) player_id, nation
				FROM players
				WHERE game_id = $1 AND currently_claimed
				ORDER BY player_id, chess_clock_remaining DESC, nation
			) best
			WHERE p.game_id = $1 AND p.player_id = best.player_id AND p.nation = best.nation`,
			matchID, clock.PerTurnSeconds); err != nil {
			return fmt.Errorf("credit chess clock bonus for match %d: %w", matchID, err)
		}
		return nil
	})
}
