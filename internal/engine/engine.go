// Package engine drives the per-match countdown timers. A single scheduler
// loop ticks once a second, fans per-match work out to a bounded worker pool,
// and tracks in-flight matches so no match is ever ticked twice concurrently.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/statusparse"
)

const (
	// criticalSeconds is the remaining-time boundary below which players get
	// a last-call warning.
	criticalSeconds = 3600

	// errorLogInterval throttles pass-error logging so a flapping database
	// does not flood the log.
	errorLogInterval = time.Minute

	// backoffThreshold is how many consecutive failing passes we tolerate
	// before slowing the loop down.
	backoffThreshold = 5

	maxBackoff = 30 * time.Second
)

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	GetActiveTimers(ctx context.Context) ([]models.TimerRecord, error)
	GetTimer(ctx context.Context, matchID int64) (*models.TimerRecord, error)
	UpdateTimer(ctx context.Context, matchID int64, remaining int, running bool) error
	SetTimerRunning(ctx context.Context, matchID int64, running bool) error
	ResetTimerForNewTurn(ctx context.Context, matchID int64) error
	GetMatchInfo(ctx context.Context, id int64) (*models.Match, error)
	GetMatchesNeedingTurnCheck(ctx context.Context) ([]*models.Match, error)
	SetMatchRunning(ctx context.Context, id int64, running bool) error
	SetMatchStarted(ctx context.Context, id int64, started bool) error
}

// ProcessControl is what the engine needs from the process supervisor.
type ProcessControl interface {
	IsAlive(ctx context.Context, matchID int64) bool
	TurnReport(ctx context.Context, match *models.Match) (statusparse.TurnReport, error)
	ForceHost(ctx context.Context, match *models.Match) error
	StatusDumpTurn(match *models.Match) (int, error)
	ErrorDigest(match *models.Match) string
}

// Snapshotter captures a turn snapshot before a forced host.
type Snapshotter interface {
	SnapshotTurn(ctx context.Context, match *models.Match) error
}

// Config tunes the scheduler.
type Config struct {
	// Workers bounds how many matches are processed concurrently.
	Workers int
	// GracePeriod is how long shutdown waits for in-flight match work.
	GracePeriod time.Duration
}

type task struct {
	matchID int64
	run     func(ctx context.Context) error
}

// Engine is the timer scheduler. Create with New, drive with Run.
type Engine struct {
	store   Store
	proc    ProcessControl
	backups Snapshotter
	pub     events.Publisher
	clock   clockwork.Clock
	cfg     Config

	workCh chan task

	inFlight   map[int64]bool
	inFlightMu sync.Mutex

	// Consecutive failing passes drive the loop-level backoff. A pass is
	// failing if any fetch or any per-match job reported an error.
	errMu      sync.Mutex
	errStreak  int
	passErred  bool
	lastErrLog time.Time
}

// New creates an engine. It does not start ticking until Run is called.
func New(cfg Config, store Store, proc ProcessControl, backups Snapshotter, pub events.Publisher) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	return &Engine{
		store:    store,
		proc:     proc,
		backups:  backups,
		pub:      pub,
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		workCh:   make(chan task, cfg.Workers*2),
		inFlight: make(map[int64]bool),
	}
}

// Run blocks, ticking every second until ctx is cancelled. On shutdown it
// stops queueing new work and waits up to GracePeriod for in-flight matches.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Int("workers", e.cfg.Workers).Msg("timer engine started")

	// Workers outlive ctx so in-flight match work can finish during the
	// shutdown grace period.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go e.worker(workerCtx, &wg, i)
	}

	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(&wg, cancelWorkers)
		case <-ticker.Chan():
		}

		if delay := e.backoffDelay(); delay > 0 {
			log.Warn().Dur("delay", delay).Msg("persistent pass errors, backing off")
			select {
			case <-ctx.Done():
				return e.shutdown(&wg, cancelWorkers)
			case <-e.clock.After(delay):
			}
		}

		e.pass(ctx)
	}
}

// pass runs one scheduler iteration: find matches waiting on their first
// turn, then tick every running timer. Per-match work goes to the pool; a
// failure on one match never blocks the others.
func (e *Engine) pass(ctx context.Context) {
	e.beginPass()

	pending, err := e.store.GetMatchesNeedingTurnCheck(ctx)
	if err != nil {
		e.recordError(fmt.Errorf("fetch pending matches: %w", err))
	} else {
		for _, match := range pending {
			m := match
			e.dispatch(ctx, m.ID, func(ctx context.Context) error {
				return e.checkTurnStart(ctx, m)
			})
		}
	}

	timers, err := e.store.GetActiveTimers(ctx)
	if err != nil {
		e.recordError(fmt.Errorf("fetch active timers: %w", err))
		return
	}
	for _, timer := range timers {
		t := timer
		e.dispatch(ctx, t.MatchID, func(ctx context.Context) error {
			return e.tickMatch(ctx, t)
		})
	}
}

// checkTurnStart watches a launched-but-not-started match for its first
// hosted turn. Once the status dump reports turn >= 1 the countdown is armed
// and the start event fires.
func (e *Engine) checkTurnStart(ctx context.Context, match *models.Match) error {
	if !match.Running {
		return nil
	}
	if !e.proc.IsAlive(ctx, match.ID) {
		return e.markProcessDead(ctx, match)
	}

	turn, err := e.proc.StatusDumpTurn(match)
	if err != nil {
		return err
	}
	if turn < 1 {
		// Still in lobby.
		return nil
	}

	timer, err := e.store.GetTimer(ctx, match.ID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateTimer(ctx, match.ID, timer.DefaultSeconds, true); err != nil {
		return err
	}
	if err := e.store.SetMatchStarted(ctx, match.ID, true); err != nil {
		return err
	}

	log.Info().
		Int64("match_id", match.ID).
		Str("match", match.Name).
		Int("turn", turn).
		Msg("match started, countdown armed")

	e.publish(ctx, events.TypeMatchStarted, match.ID, events.MatchStartedPayload{
		MatchID:          match.ID,
		MatchName:        match.Name,
		Turn:             turn,
		RemainingSeconds: timer.DefaultSeconds,
		Deadline:         e.clock.Now().Add(time.Duration(timer.DefaultSeconds) * time.Second),
	})
	return nil
}

// tickMatch advances one match's countdown by one second.
func (e *Engine) tickMatch(ctx context.Context, timer models.TimerRecord) error {
	match, err := e.store.GetMatchInfo(ctx, timer.MatchID)
	if err != nil {
		return err
	}
	if !match.Running {
		// The timer is still in the active set, so a previous death mark
		// got the match flag down but failed before stopping the timer and
		// publishing. Finish the job; the match flag writes are idempotent.
		return e.markProcessDead(ctx, match)
	}

	if !e.proc.IsAlive(ctx, match.ID) {
		return e.markProcessDead(ctx, match)
	}

	remaining := timer.RemainingSeconds - 1
	if remaining < 0 {
		remaining = 0
	}

	if remaining == 0 {
		// The decrement is deliberately not persisted here: if hosting
		// fails the timer stays where it was and the expiry retries on
		// the next tick.
		return e.hostTurn(ctx, match, timer.DefaultSeconds)
	}

	if timer.RemainingSeconds > criticalSeconds && remaining <= criticalSeconds {
		e.alertCritical(ctx, match, remaining)
	}

	return e.store.UpdateTimer(ctx, match.ID, remaining, true)
}

// markProcessDead records a vanished session. The flags go down before the
// event fires, so the match drops out of the tick set and the event cannot
// repeat without a relaunch. If either write fails the timer stays in the
// active set and tickMatch re-drives the mark on the next tick.
func (e *Engine) markProcessDead(ctx context.Context, match *models.Match) error {
	if err := e.store.SetMatchRunning(ctx, match.ID, false); err != nil {
		return err
	}
	if err := e.store.SetTimerRunning(ctx, match.ID, false); err != nil {
		return err
	}

	digest := e.proc.ErrorDigest(match)
	log.Warn().
		Int64("match_id", match.ID).
		Str("match", match.Name).
		Str("error_digest", digest).
		Msg("match process died")

	e.publish(ctx, events.TypeProcessDied, match.ID, events.ProcessDiedPayload{
		MatchID:     match.ID,
		MatchName:   match.Name,
		Owner:       match.Owner,
		ErrorDigest: digest,
	})
	return nil
}

// hostTurn handles countdown expiry: snapshot the turn, force the host, then
// reset the countdown and apply chess-clock bonuses.
func (e *Engine) hostTurn(ctx context.Context, match *models.Match, defaultSeconds int) error {
	log.Info().
		Int64("match_id", match.ID).
		Str("match", match.Name).
		Msg("countdown expired, forcing host")

	// A failed snapshot must not block the turn from hosting.
	if err := e.backups.SnapshotTurn(ctx, match); err != nil {
		log.Error().Err(err).Int64("match_id", match.ID).Msg("turn snapshot failed, hosting anyway")
	}

	if err := e.proc.ForceHost(ctx, match); err != nil {
		return fmt.Errorf("force host match %d: %w", match.ID, err)
	}
	if err := e.store.ResetTimerForNewTurn(ctx, match.ID); err != nil {
		return fmt.Errorf("reset timer for match %d: %w", match.ID, err)
	}

	e.publish(ctx, events.TypeTurnHosted, match.ID, events.TurnHostedPayload{
		MatchID:        match.ID,
		MatchName:      match.Name,
		DefaultSeconds: defaultSeconds,
		HostedAt:       e.clock.Now(),
	})
	return nil
}

// alertCritical fires the one-hour warning. Fires only on the tick that
// crosses the boundary, so a timer parked below it stays quiet.
func (e *Engine) alertCritical(ctx context.Context, match *models.Match, remaining int) {
	var undone []string
	report, err := e.proc.TurnReport(ctx, match)
	if err != nil {
		log.Warn().Err(err).Int64("match_id", match.ID).Msg("turn report query failed for critical alert")
	} else {
		undone = report.Undone
	}

	log.Info().
		Int64("match_id", match.ID).
		Str("match", match.Name).
		Int("remaining", remaining).
		Strs("undone", undone).
		Msg("one hour remaining")

	e.publish(ctx, events.TypeTurnCritical, match.ID, events.TurnCriticalPayload{
		MatchID:          match.ID,
		MatchName:        match.Name,
		RemainingSeconds: remaining,
		UndoneNations:    undone,
	})
}

// dispatch queues per-match work, skipping matches already in flight. The
// send is non-blocking: on a saturated pool the match simply waits for the
// next tick rather than stalling the scheduler.
func (e *Engine) dispatch(ctx context.Context, matchID int64, run func(ctx context.Context) error) {
	e.inFlightMu.Lock()
	if e.inFlight[matchID] {
		e.inFlightMu.Unlock()
		return
	}
	e.inFlight[matchID] = true
	e.inFlightMu.Unlock()

	select {
	case e.workCh <- task{matchID: matchID, run: run}:
	default:
		e.clearInFlight(matchID)
		log.Warn().Int64("match_id", matchID).Msg("worker pool saturated, deferring match to next tick")
	}
}

func (e *Engine) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()
	log.Debug().Int("worker_id", id).Msg("engine worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-e.workCh:
			if !ok {
				return
			}
			if err := t.run(ctx); err != nil {
				e.recordError(fmt.Errorf("match %d: %w", t.matchID, err))
			}
			e.clearInFlight(t.matchID)
		}
	}
}

func (e *Engine) clearInFlight(matchID int64) {
	e.inFlightMu.Lock()
	delete(e.inFlight, matchID)
	e.inFlightMu.Unlock()
}

// publish is best effort. A down broker must never stop the timers.
func (e *Engine) publish(ctx context.Context, eventType string, matchID int64, payload any) {
	if err := e.pub.Publish(ctx, eventType, matchID, payload); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Int64("match_id", matchID).Msg("event publish failed")
	}
}

// beginPass settles the previous pass into the streak: a pass with any
// error counts once no matter how many matches failed, a clean pass resets
// the streak.
func (e *Engine) beginPass() {
	e.errMu.Lock()
	if e.passErred {
		e.errStreak++
	} else {
		e.errStreak = 0
	}
	e.passErred = false
	e.errMu.Unlock()
}

// recordError marks the current pass as failing. Logging is throttled to
// once per errorLogInterval.
func (e *Engine) recordError(err error) {
	e.errMu.Lock()
	e.passErred = true
	streak := e.errStreak
	now := e.clock.Now()
	throttled := now.Sub(e.lastErrLog) < errorLogInterval && !e.lastErrLog.IsZero()
	if !throttled {
		e.lastErrLog = now
	}
	e.errMu.Unlock()

	if !throttled {
		log.Error().Err(err).Int("streak", streak).Msg("engine pass error")
	}
}

// backoffDelay returns how long to pause before the next pass, or 0. The
// delay doubles per failing pass past the threshold, capped at maxBackoff.
func (e *Engine) backoffDelay() time.Duration {
	e.errMu.Lock()
	streak := e.errStreak
	e.errMu.Unlock()

	if streak <= backoffThreshold {
		return 0
	}
	n := streak - backoffThreshold
	if n > 5 {
		n = 5
	}
	d := time.Duration(1<<n) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (e *Engine) shutdown(wg *sync.WaitGroup, cancelWorkers context.CancelFunc) error {
	log.Info().Dur("grace", e.cfg.GracePeriod).Msg("timer engine stopping")
	close(e.workCh)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("timer engine stopped")
	case <-e.clock.After(e.cfg.GracePeriod):
		cancelWorkers()
		log.Warn().Msg("grace period elapsed with match work still in flight")
	}
	return nil
}
