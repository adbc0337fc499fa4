package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/statusparse"
)

type timerUpdate struct {
	remaining int
	running   bool
}

type fakeStore struct {
	mu    sync.Mutex
	match *models.Match
	timer models.TimerRecord

	timerUpdates    []timerUpdate
	resetCalls      int
	matchRunningSet []bool
	timerRunningSet []bool
	startedSet      []bool

	failAll error
	// failTimerRunning fails the next SetTimerRunning call, then clears.
	failTimerRunning error
}

func (f *fakeStore) GetActiveTimers(ctx context.Context) ([]models.TimerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	if !f.timer.Running {
		return nil, nil
	}
	return []models.TimerRecord{f.timer}, nil
}

func (f *fakeStore) GetTimer(ctx context.Context, matchID int64) (*models.TimerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	t := f.timer
	return &t, nil
}

func (f *fakeStore) UpdateTimer(ctx context.Context, matchID int64, remaining int, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.timer.RemainingSeconds = remaining
	f.timer.Running = running
	f.timerUpdates = append(f.timerUpdates, timerUpdate{remaining, running})
	return nil
}

func (f *fakeStore) SetTimerRunning(ctx context.Context, matchID int64, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimerRunning != nil {
		err := f.failTimerRunning
		f.failTimerRunning = nil
		return err
	}
	f.timer.Running = running
	f.timerRunningSet = append(f.timerRunningSet, running)
	return nil
}

func (f *fakeStore) ResetTimerForNewTurn(ctx context.Context, matchID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.timer.RemainingSeconds = f.timer.DefaultSeconds
	f.timer.Running = true
	f.resetCalls++
	return nil
}

func (f *fakeStore) GetMatchInfo(ctx context.Context, id int64) (*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	m := *f.match
	return &m, nil
}

func (f *fakeStore) GetMatchesNeedingTurnCheck(ctx context.Context) ([]*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	if f.match.Active && f.match.StartAttempted && !f.match.Started {
		m := *f.match
		return []*models.Match{&m}, nil
	}
	return nil, nil
}

func (f *fakeStore) SetMatchRunning(ctx context.Context, id int64, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match.Running = running
	f.matchRunningSet = append(f.matchRunningSet, running)
	return nil
}

func (f *fakeStore) SetMatchStarted(ctx context.Context, id int64, started bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match.Started = started
	f.startedSet = append(f.startedSet, started)
	return nil
}

type fakeProc struct {
	alive      bool
	turn       int
	turnErr    error
	report     statusparse.TurnReport
	reportErr  error
	forceErr   error
	forceCalls int
	digest     string
}

func (f *fakeProc) IsAlive(ctx context.Context, matchID int64) bool { return f.alive }

func (f *fakeProc) TurnReport(ctx context.Context, match *models.Match) (statusparse.TurnReport, error) {
	return f.report, f.reportErr
}

func (f *fakeProc) ForceHost(ctx context.Context, match *models.Match) error {
	f.forceCalls++
	return f.forceErr
}

func (f *fakeProc) StatusDumpTurn(match *models.Match) (int, error) { return f.turn, f.turnErr }

func (f *fakeProc) ErrorDigest(match *models.Match) string { return f.digest }

type fakeSnap struct {
	calls int
	err   error
}

func (f *fakeSnap) SnapshotTurn(ctx context.Context, match *models.Match) error {
	f.calls++
	return f.err
}

type published struct {
	eventType string
	matchID   int64
	payload   any
}

type fakePub struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePub) Publish(ctx context.Context, eventType string, matchID int64, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{eventType, matchID, payload})
	return nil
}

func (f *fakePub) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.eventType
	}
	return out
}

type fixture struct {
	eng   *Engine
	store *fakeStore
	proc  *fakeProc
	snap  *fakeSnap
	pub   *fakePub
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, remaining int) *fixture {
	t.Helper()
	st := &fakeStore{
		match: &models.Match{
			ID:             7,
			Name:           "MiddleAges",
			Port:           41000,
			Active:         true,
			Running:        true,
			Started:        true,
			StartAttempted: true,
			Owner:          "operator",
		},
		timer: models.TimerRecord{
			MatchID:          7,
			DefaultSeconds:   86400,
			RemainingSeconds: remaining,
			Running:          true,
		},
	}
	proc := &fakeProc{alive: true, turn: -1, digest: "ok"}
	snap := &fakeSnap{}
	pub := &fakePub{}

	eng := New(Config{Workers: 2}, st, proc, snap, pub)
	clk := clockwork.NewFakeClock()
	eng.clock = clk
	return &fixture{eng: eng, store: st, proc: proc, snap: snap, pub: pub, clock: clk}
}

func TestTickDecrementsAndPersists(t *testing.T) {
	f := newFixture(t, 100)

	err := f.eng.tickMatch(context.Background(), f.store.timer)
	require.NoError(t, err)

	require.Len(t, f.store.timerUpdates, 1)
	assert.Equal(t, timerUpdate{99, true}, f.store.timerUpdates[0])
	assert.Empty(t, f.pub.types())
}

func TestDeathMarkRetriesAfterTimerStopFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.proc.alive = false
	f.store.failTimerRunning = errors.New("connection reset")

	// The first tick gets the match flag down but fails stopping the timer,
	// so no event may go out yet.
	err := f.eng.tickMatch(context.Background(), f.store.timer)
	require.Error(t, err)
	assert.Equal(t, []bool{false}, f.store.matchRunningSet)
	assert.Empty(t, f.store.timerRunningSet)
	assert.Empty(t, f.pub.types())

	// The timer stayed in the active set, so the next tick finishes the
	// mark and the death event fires exactly once.
	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	assert.Equal(t, []bool{false}, f.store.timerRunningSet)
	assert.Equal(t, []string{events.TypeProcessDied}, f.pub.types())

	// Now both flags are down; a whole pass finds nothing to repeat.
	f.eng.pass(context.Background())
	assert.Equal(t, []string{events.TypeProcessDied}, f.pub.types())
}

func TestExpiryForcesHostExactlyOnceAndResets(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))

	assert.Equal(t, 1, f.proc.forceCalls)
	assert.Equal(t, 1, f.snap.calls)
	assert.Equal(t, 1, f.store.resetCalls)
	// The reset persisted the new value; no separate decrement persist.
	assert.Empty(t, f.store.timerUpdates)
	assert.Equal(t, 86400, f.store.timer.RemainingSeconds)
	assert.True(t, f.store.timer.Running)
	assert.Equal(t, []string{events.TypeTurnHosted}, f.pub.types())
}

func TestExpiryAtZeroRemainingStillHosts(t *testing.T) {
	// remaining=0 with running=true means a previous host attempt failed;
	// the next tick must retry, not underflow.
	f := newFixture(t, 0)

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	assert.Equal(t, 1, f.proc.forceCalls)
	assert.Equal(t, 1, f.store.resetCalls)
}

func TestForceHostFailureLeavesTimerForRetry(t *testing.T) {
	f := newFixture(t, 1)
	f.proc.forceErr = errors.New("domcmd write failed")

	err := f.eng.tickMatch(context.Background(), f.store.timer)
	require.Error(t, err)

	assert.Equal(t, 0, f.store.resetCalls)
	assert.Empty(t, f.store.timerUpdates)
	assert.Equal(t, 1, f.store.timer.RemainingSeconds)
	assert.Empty(t, f.pub.types())
}

func TestSnapshotFailureDoesNotBlockHosting(t *testing.T) {
	f := newFixture(t, 1)
	f.snap.err = errors.New("disk full")

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	assert.Equal(t, 1, f.proc.forceCalls)
	assert.Equal(t, 1, f.store.resetCalls)
}

func TestCriticalAlertFiresOnCrossingOnly(t *testing.T) {
	f := newFixture(t, criticalSeconds+1)
	f.proc.report = statusparse.TurnReport{Undone: []string{"Ulm", "Ermor"}}

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	require.Equal(t, []string{events.TypeTurnCritical}, f.pub.types())

	payload := f.pub.events[0].payload.(events.TurnCriticalPayload)
	assert.Equal(t, criticalSeconds, payload.RemainingSeconds)
	assert.Equal(t, []string{"Ulm", "Ermor"}, payload.UndoneNations)

	// Next tick is below the boundary on both sides: no re-fire.
	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	assert.Equal(t, []string{events.TypeTurnCritical}, f.pub.types())
}

func TestCriticalAlertSameRemainingTwiceDoesNotRefire(t *testing.T) {
	f := newFixture(t, criticalSeconds)

	rec := f.store.timer
	require.NoError(t, f.eng.tickMatch(context.Background(), rec))
	require.NoError(t, f.eng.tickMatch(context.Background(), rec))
	assert.Empty(t, f.pub.types())
}

func TestCriticalAlertSurvivesQueryFailure(t *testing.T) {
	f := newFixture(t, criticalSeconds+1)
	f.proc.reportErr = errors.New("query timed out")

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))
	require.Equal(t, []string{events.TypeTurnCritical}, f.pub.types())
	assert.Empty(t, f.pub.events[0].payload.(events.TurnCriticalPayload).UndoneNations)
}

func TestDeadProcessStopsMatchOnce(t *testing.T) {
	f := newFixture(t, 100)
	f.proc.alive = false
	f.proc.digest = "myrmidon.go:12 assert failed"

	require.NoError(t, f.eng.tickMatch(context.Background(), f.store.timer))

	assert.Equal(t, []bool{false}, f.store.matchRunningSet)
	assert.Equal(t, []bool{false}, f.store.timerRunningSet)
	require.Equal(t, []string{events.TypeProcessDied}, f.pub.types())
	assert.Equal(t, "myrmidon.go:12 assert failed", f.pub.events[0].payload.(events.ProcessDiedPayload).ErrorDigest)

	// The match dropped out of the tick set; a whole pass finds nothing and
	// the event does not repeat.
	f.store.match.Started = true
	f.eng.pass(context.Background())
	assert.Equal(t, []string{events.TypeProcessDied}, f.pub.types())
}

func TestTurnStartArmsCountdown(t *testing.T) {
	f := newFixture(t, 0)
	f.store.match.Started = false
	f.store.timer.Running = false
	f.proc.turn = 1

	require.NoError(t, f.eng.checkTurnStart(context.Background(), f.store.match))

	require.Len(t, f.store.timerUpdates, 1)
	assert.Equal(t, timerUpdate{86400, true}, f.store.timerUpdates[0])
	assert.Equal(t, []bool{true}, f.store.startedSet)

	require.Equal(t, []string{events.TypeMatchStarted}, f.pub.types())
	payload := f.pub.events[0].payload.(events.MatchStartedPayload)
	assert.Equal(t, 1, payload.Turn)
	assert.Equal(t, 86400, payload.RemainingSeconds)
}

func TestTurnStartSkipsLobby(t *testing.T) {
	f := newFixture(t, 0)
	f.store.match.Started = false
	f.proc.turn = -1

	require.NoError(t, f.eng.checkTurnStart(context.Background(), f.store.match))
	assert.Empty(t, f.store.startedSet)
	assert.Empty(t, f.pub.types())
}

func TestTurnStartDetectsDeadLobbyProcess(t *testing.T) {
	f := newFixture(t, 0)
	f.store.match.Started = false
	f.proc.alive = false

	require.NoError(t, f.eng.checkTurnStart(context.Background(), f.store.match))
	assert.Equal(t, []bool{false}, f.store.matchRunningSet)
	assert.Equal(t, []string{events.TypeProcessDied}, f.pub.types())
}

func TestRemainingNeverNegative(t *testing.T) {
	f := newFixture(t, 100)

	for i := 0; i < 150; i++ {
		rec, err := f.store.GetTimer(context.Background(), 7)
		require.NoError(t, err)
		require.NoError(t, f.eng.tickMatch(context.Background(), *rec))
		require.GreaterOrEqual(t, f.store.timer.RemainingSeconds, 0)
	}
}

func TestBackoffDelay(t *testing.T) {
	f := newFixture(t, 100)

	cases := []struct {
		streak int
		want   time.Duration
	}{
		{0, 0},
		{5, 0},
		{6, 2 * time.Second},
		{7, 4 * time.Second},
		{8, 8 * time.Second},
		{9, 16 * time.Second},
		{10, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		f.eng.errStreak = tc.streak
		assert.Equal(t, tc.want, f.eng.backoffDelay(), "streak %d", tc.streak)
	}
}

func TestErrorStreakResetsAfterCleanPass(t *testing.T) {
	f := newFixture(t, 100)

	f.eng.recordError(errors.New("db down"))
	f.eng.beginPass()
	assert.Equal(t, 1, f.eng.errStreak)

	// A clean pass completed in between resets the streak.
	f.eng.beginPass()
	assert.Equal(t, 0, f.eng.errStreak)
}

func TestStreakCountsFailingPassesNotErrors(t *testing.T) {
	f := newFixture(t, 100)
	f.store.failAll = errors.New("connection refused")

	// Both fetches fail inside every pass, yet the streak advances by one
	// per pass. A single bad pass over many matches must not jump straight
	// into backoff.
	f.eng.pass(context.Background())
	f.eng.pass(context.Background())
	assert.Equal(t, 1, f.eng.errStreak)
	f.eng.pass(context.Background())
	assert.Equal(t, 2, f.eng.errStreak)
	assert.Equal(t, time.Duration(0), f.eng.backoffDelay())
}

func TestDispatchSkipsInFlightMatch(t *testing.T) {
	f := newFixture(t, 100)

	ran := 0
	f.eng.inFlight[7] = true
	f.eng.dispatch(context.Background(), 7, func(ctx context.Context) error {
		ran++
		return nil
	})
	assert.Empty(t, f.eng.workCh)

	delete(f.eng.inFlight, 7)
	f.eng.dispatch(context.Background(), 7, func(ctx context.Context) error {
		ran++
		return nil
	})
	require.Len(t, f.eng.workCh, 1)

	task := <-f.eng.workCh
	require.NoError(t, task.run(context.Background()))
	assert.Equal(t, 1, ran)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, 100)
	f.eng.clock = clockwork.NewRealClock()
	f.eng.cfg.GracePeriod = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}
