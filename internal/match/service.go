// Package match exposes the operator-facing operations on a single match:
// launching and killing its process, adjusting its countdown, rolling back
// turns and managing nation claims. Policy (who may call what) is the
// caller's problem; this layer takes explicit identities and enforces only
// match-state preconditions.
package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/supervisor"
)

var (
	// ErrAlreadyRunning means a launch targeted a match whose process is
	// still up.
	ErrAlreadyRunning = errors.New("match: already running")
	// ErrNotStarted means the operation needs a match past its first turn.
	ErrNotStarted = errors.New("match: not started yet")
	// ErrInsufficientBank means a chess-clock extension asked for more time
	// than the player has left.
	ErrInsufficientBank = errors.New("match: not enough time in chess clock bank")
)

// Store is the slice of the persistence layer the service needs.
type Store interface {
	GetMatchInfo(ctx context.Context, id int64) (*models.Match, error)
	SetStartAttempted(ctx context.Context, id int64, attempted bool) error
	SetMatchRunning(ctx context.Context, id int64, running bool) error
	SetMatchStarted(ctx context.Context, id int64, started bool) error
	GetTimer(ctx context.Context, matchID int64) (*models.TimerRecord, error)
	UpdateTimer(ctx context.Context, matchID int64, remaining int, running bool) error
	UpdateTimerDefault(ctx context.Context, matchID int64, defaultSeconds int) error
	SetTimerRunning(ctx context.Context, matchID int64, running bool) error
	ClaimNation(ctx context.Context, matchID int64, playerID, nation string, startingSeconds int) error
	UnclaimNation(ctx context.Context, matchID int64, playerID, nation string) error
	IncrementExtensions(ctx context.Context, matchID int64, playerID string, seconds int) error
	GetChessClockRemaining(ctx context.Context, matchID int64, playerID string) (int, error)
	UpdateChessClockRemaining(ctx context.Context, matchID int64, playerID string, seconds int) error
}

// Supervisor is what the service needs from the process layer.
type Supervisor interface {
	Launch(ctx context.Context, match *models.Match) (int, error)
	Kill(ctx context.Context, match *models.Match) error
}

// Backups is what the service needs from the backup layer.
type Backups interface {
	SnapshotPretenders(ctx context.Context, match *models.Match) error
	RestorePretenders(ctx context.Context, match *models.Match) error
	RestoreTurn(ctx context.Context, match *models.Match) (int, error)
}

// Service wires the store, supervisor and backup manager behind the
// operator operations.
type Service struct {
	store Store
	sup   Supervisor
	bak   Backups
	pub   events.Publisher
}

func NewService(store Store, sup Supervisor, bak Backups, pub events.Publisher) *Service {
	return &Service{store: store, sup: sup, bak: bak, pub: pub}
}

// Launch starts the match's server process and marks the match so the engine
// begins watching for its first turn. Pretender submissions are snapshotted
// before a pre-start launch so a later restart-to-lobby can recover them.
func (s *Service) Launch(ctx context.Context, matchID int64) (int, error) {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if match.Running {
		return 0, fmt.Errorf("%w: match %d", ErrAlreadyRunning, matchID)
	}

	if !match.Started {
		if err := s.bak.SnapshotPretenders(ctx, match); err != nil {
			log.Warn().Err(err).Int64("match_id", matchID).Msg("pretender snapshot before launch failed")
		}
	}

	pid, err := s.sup.Launch(ctx, match)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetStartAttempted(ctx, matchID, true); err != nil {
		return 0, err
	}

	log.Info().Int64("match_id", matchID).Str("match", match.Name).Int("pid", pid).Msg("match launched")
	return pid, nil
}

// Kill stops the match's process and its countdown. A process that is
// already gone counts as a successful kill.
func (s *Service) Kill(ctx context.Context, matchID int64) error {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return err
	}

	if err := s.killProcess(ctx, match); err != nil {
		return err
	}
	if err := s.store.SetTimerRunning(ctx, matchID, false); err != nil {
		return err
	}
	log.Info().Int64("match_id", matchID).Str("match", match.Name).Msg("match killed")
	return nil
}

func (s *Service) killProcess(ctx context.Context, match *models.Match) error {
	err := s.sup.Kill(ctx, match)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, supervisor.ErrProcessGone), errors.Is(err, supervisor.ErrNotRunning):
		log.Debug().Err(err).Int64("match_id", match.ID).Msg("kill target already gone")
		return s.store.SetMatchRunning(ctx, match.ID, false)
	default:
		return err
	}
}

// ExtendTimer changes the current countdown by delta seconds. When the match
// runs a chess clock and the caller is a player, a positive delta is paid
// out of that player's time bank; the bank never refunds reductions. The
// new remaining value is clamped at 0.
func (s *Service) ExtendTimer(ctx context.Context, matchID int64, playerID string, delta int, isPlayer bool) (int, error) {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return 0, err
	}
	timer, err := s.store.GetTimer(ctx, matchID)
	if err != nil {
		return 0, err
	}

	fromBank := match.ChessClock.Active && isPlayer
	if fromBank && delta > 0 {
		bank, err := s.store.GetChessClockRemaining(ctx, matchID, playerID)
		if err != nil {
			return 0, err
		}
		if bank < delta {
			return 0, fmt.Errorf("%w: have %ds, want %ds", ErrInsufficientBank, bank, delta)
		}
		if err := s.store.UpdateChessClockRemaining(ctx, matchID, playerID, bank-delta); err != nil {
			return 0, err
		}
	}

	remaining := timer.RemainingSeconds + delta
	if remaining < 0 {
		remaining = 0
	}
	if err := s.store.UpdateTimer(ctx, matchID, remaining, timer.Running); err != nil {
		return 0, err
	}
	if isPlayer && delta > 0 {
		if err := s.store.IncrementExtensions(ctx, matchID, playerID, delta); err != nil {
			return 0, err
		}
	}

	log.Info().
		Int64("match_id", matchID).
		Str("player_id", playerID).
		Int("delta", delta).
		Int("remaining", remaining).
		Bool("from_chess_clock", fromBank).
		Msg("timer extended")

	s.publish(ctx, events.TypeTimerExtended, matchID, events.TimerExtendedPayload{
		MatchID:          matchID,
		PlayerID:         playerID,
		DeltaSeconds:     delta,
		RemainingSeconds: remaining,
		FromChessClock:   fromBank,
	})
	return remaining, nil
}

// SetDefaultTimer changes the per-turn default. Takes effect at the next
// turn reset; the current countdown is untouched.
func (s *Service) SetDefaultTimer(ctx context.Context, matchID int64, defaultSeconds int) error {
	return s.store.UpdateTimerDefault(ctx, matchID, defaultSeconds)
}

// PauseTimer freezes the countdown. The process keeps running.
func (s *Service) PauseTimer(ctx context.Context, matchID int64) error {
	return s.store.SetTimerRunning(ctx, matchID, false)
}

// ResumeTimer restarts a paused countdown for a started match.
func (s *Service) ResumeTimer(ctx context.Context, matchID int64) error {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return err
	}
	if !match.Started {
		return fmt.Errorf("%w: match %d", ErrNotStarted, matchID)
	}
	return s.store.SetTimerRunning(ctx, matchID, true)
}

// RollbackTurn restores the last turn snapshot over the live directory. The
// timer is paused and the process killed first; the operator relaunches the
// match once the rollback settles.
func (s *Service) RollbackTurn(ctx context.Context, matchID int64) (int, error) {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if !match.Started {
		return 0, fmt.Errorf("%w: match %d", ErrNotStarted, matchID)
	}

	if err := s.store.SetTimerRunning(ctx, matchID, false); err != nil {
		return 0, err
	}
	if match.Running {
		if err := s.killProcess(ctx, match); err != nil {
			return 0, err
		}
	}

	turn, err := s.bak.RestoreTurn(ctx, match)
	if err != nil {
		return 0, err
	}

	log.Info().Int64("match_id", matchID).Str("match", match.Name).Int("turn", turn).Msg("match rolled back")
	s.publish(ctx, events.TypeMatchRolledBack, matchID, events.MatchRolledBackPayload{
		MatchID:   matchID,
		MatchName: match.Name,
		Turn:      turn,
	})
	return turn, nil
}

// RestartToLobby returns a started match to its pre-start state: process
// down, pretender submissions restored, started flag cleared. Claims and
// timer defaults survive.
func (s *Service) RestartToLobby(ctx context.Context, matchID int64) error {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return err
	}
	if !match.Started {
		return fmt.Errorf("%w: match %d", ErrNotStarted, matchID)
	}

	if err := s.store.SetTimerRunning(ctx, matchID, false); err != nil {
		return err
	}
	if match.Running {
		if err := s.killProcess(ctx, match); err != nil {
			return err
		}
	}
	if err := s.bak.RestorePretenders(ctx, match); err != nil {
		return err
	}
	if err := s.store.SetMatchStarted(ctx, matchID, false); err != nil {
		return err
	}
	if err := s.store.SetStartAttempted(ctx, matchID, false); err != nil {
		return err
	}

	log.Info().Int64("match_id", matchID).Str("match", match.Name).Msg("match returned to lobby")
	return nil
}

// ClaimNation records a player's claim. On a chess-clock match a fresh claim
// seeds the player's time bank with the configured starting amount; a
// reclaim keeps whatever bank the earlier claim had left.
func (s *Service) ClaimNation(ctx context.Context, matchID int64, playerID, nation string) error {
	match, err := s.store.GetMatchInfo(ctx, matchID)
	if err != nil {
		return err
	}
	starting := 0
	if match.ChessClock.Active {
		starting = match.ChessClock.StartingSeconds
	}
	return s.store.ClaimNation(ctx, matchID, playerID, nation, starting)
}

// UnclaimNation soft-deletes a claim; the row stays for history.
func (s *Service) UnclaimNation(ctx context.Context, matchID int64, playerID, nation string) error {
	return s.store.UnclaimNation(ctx, matchID, playerID, nation)
}

func (s *Service) publish(ctx context.Context, eventType string, matchID int64, payload any) {
	if err := s.pub.Publish(ctx, eventType, matchID, payload); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Int64("match_id", matchID).Msg("event publish failed")
	}
}
