package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/turnwarden/turnwarden/internal/models"
)

// ClaimNation records a player claiming a nation. A previously unclaimed row
// for the same (player, nation) is revived with its history intact; a fresh
// claim seeds the chess-clock bank with startingSeconds.
func (s *Store) ClaimNation(ctx context.Context, matchID int64, playerID, nation string, startingSeconds int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO players (game_id, player_id, nation, extensions_used, chess_clock_remaining, currently_claimed)
		VALUES ($1, $2, $3, 0, $4, TRUE)
		ON CONFLICT (game_id, player_id, nation) DO UPDATE
		SET currently_claimed = TRUE,
		    chess_clock_remaining = CASE
		        WHEN players.chess_clock_remaining = 0 THEN EXCLUDED.chess_clock_remaining
		        ELSE players.chess_clock_remaining
		    END`,
		matchID, playerID, nation, startingSeconds)
	if err != nil {
		return fmt.Errorf("claim nation %q for match %d: %w", nation, matchID, err)
	}
	return nil
}

// UnclaimNation soft-deletes a claim; the row stays for history.
func (s *Store) UnclaimNation(ctx context.Context, matchID int64, playerID, nation string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE players SET currently_claimed = FALSE
		WHERE game_id = $1 AND player_id = $2 AND nation = $3`,
		matchID, playerID, nation)
	if err != nil {
		return fmt.Errorf("unclaim nation %q for match %d: %w", nation, matchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %s/%s in match %d: %w", playerID, nation, matchID, ErrNotFound)
	}
	return nil
}

// GetClaims lists claims for a match; claimedOnly filters out history rows.
func (s *Store) GetClaims(ctx context.Context, matchID int64, claimedOnly bool) ([]models.PlayerClaim, error) {
	q := `
		SELECT game_id, player_id, nation, extensions_used, chess_clock_remaining, currently_claimed
		FROM players WHERE game_id = $1`
	if claimedOnly {
		q += ` AND currently_claimed`
	}
	rows, err := s.pool.Query(ctx, q+` ORDER BY player_id, nation`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query claims for match %d: %w", matchID, err)
	}
	defer rows.Close()

	var out []models.PlayerClaim
	for rows.Next() {
		var c models.PlayerClaim
		if err := rows.Scan(&c.MatchID, &c.PlayerID, &c.Nation, &c.ExtensionsUsed,
			&c.ChessClockRemain, &c.CurrentlyClaimed); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncrementExtensions adds seconds to a player's monotonic extension counter
// across all their currently claimed nations.
func (s *Store) IncrementExtensions(ctx context.Context, matchID int64, playerID string, seconds int) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE players SET extensions_used = extensions_used + $3
		WHERE game_id = $1 AND player_id = $2 AND currently_claimed`,
		matchID, playerID, seconds); err != nil {
		return fmt.Errorf("increment extensions for %s in match %d: %w", playerID, matchID, err)
	}
	return nil
}

// GetChessClockRemaining returns the largest bank across the player's
// currently claimed nations, which is the bank extensions draw from.
func (s *Store) GetChessClockRemaining(ctx context.Context, matchID int64, playerID string) (int, error) {
	var remain int
	err := s.pool.QueryRow(ctx, `
		SELECT chess_clock_remaining FROM players
		WHERE game_id = $1 AND player_id = $2 AND currently_claimed
		ORDER BY chess_clock_remaining DESC LIMIT 1`,
		matchID, playerID).Scan(&remain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("claims for %s in match %d: %w", playerID, matchID, ErrNotFound)
		}
		return 0, fmt.Errorf("get chess clock for %s in match %d: %w", playerID, matchID, err)
	}
	return remain, nil
}

// UpdateChessClockRemaining sets the bank on the player's highest-bank row.
// Negative values are clamped at zero.
func (s *Store) UpdateChessClockRemaining(ctx context.Context, matchID int64, playerID string, seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE players p SET chess_clock_remaining = $3
		FROM (
			SELECT nation FROM players
			WHERE game_id = $1 AND player_id = $2 AND currently_claimed
			ORDER BY chess_clock_remaining DESC, nation LIMIT 1
		) best
		WHERE p.game_id = $1 AND p.player_id = $2 AND p.nation = best.nation`,
		matchID, playerID, seconds); err != nil {
		return fmt.Errorf("update chess clock for %s in match %d: %w", playerID, matchID, err)
	}
	return nil
}
