package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/supervisor"
)

type fakeStore struct {
	match *models.Match
	timer models.TimerRecord

	banks      map[string]int
	extensions map[string]int
	claims     []string
	unclaims   []string
	seeded     map[string]int

	timerRunningSet []bool
	startedSet      []bool
	attemptedSet    []bool
	timerDefault    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		match: &models.Match{
			ID:      7,
			Name:    "MiddleAges",
			Port:    41000,
			Active:  true,
			Started: true,
			Running: true,
		},
		timer:      models.TimerRecord{MatchID: 7, DefaultSeconds: 86400, RemainingSeconds: 7200, Running: true},
		banks:      map[string]int{},
		extensions: map[string]int{},
		seeded:     map[string]int{},
	}
}

func (f *fakeStore) GetMatchInfo(ctx context.Context, id int64) (*models.Match, error) {
	m := *f.match
	return &m, nil
}

func (f *fakeStore) SetStartAttempted(ctx context.Context, id int64, attempted bool) error {
	f.match.StartAttempted = attempted
	f.attemptedSet = append(f.attemptedSet, attempted)
	return nil
}

func (f *fakeStore) SetMatchRunning(ctx context.Context, id int64, running bool) error {
	f.match.Running = running
	return nil
}

func (f *fakeStore) SetMatchStarted(ctx context.Context, id int64, started bool) error {
	f.match.Started = started
	f.startedSet = append(f.startedSet, started)
	return nil
}

func (f *fakeStore) GetTimer(ctx context.Context, matchID int64) (*models.TimerRecord, error) {
	t := f.timer
	return &t, nil
}

func (f *fakeStore) UpdateTimer(ctx context.Context, matchID int64, remaining int, running bool) error {
	f.timer.RemainingSeconds = remaining
	f.timer.Running = running
	return nil
}

func (f *fakeStore) UpdateTimerDefault(ctx context.Context, matchID int64, defaultSeconds int) error {
	f.timerDefault = defaultSeconds
	return nil
}

func (f *fakeStore) SetTimerRunning(ctx context.Context, matchID int64, running bool) error {
	f.timer.Running = running
	f.timerRunningSet = append(f.timerRunningSet, running)
	return nil
}

func (f *fakeStore) ClaimNation(ctx context.Context, matchID int64, playerID, nation string, startingSeconds int) error {
	f.claims = append(f.claims, playerID+"/"+nation)
	f.seeded[playerID] = startingSeconds
	return nil
}

func (f *fakeStore) UnclaimNation(ctx context.Context, matchID int64, playerID, nation string) error {
	f.unclaims = append(f.unclaims, playerID+"/"+nation)
	return nil
}

func (f *fakeStore) IncrementExtensions(ctx context.Context, matchID int64, playerID string, seconds int) error {
	f.extensions[playerID] += seconds
	return nil
}

func (f *fakeStore) GetChessClockRemaining(ctx context.Context, matchID int64, playerID string) (int, error) {
	return f.banks[playerID], nil
}

func (f *fakeStore) UpdateChessClockRemaining(ctx context.Context, matchID int64, playerID string, seconds int) error {
	f.banks[playerID] = seconds
	return nil
}

type fakeSup struct {
	launchPid   int
	launchErr   error
	launchCalls int
	killErr     error
	killCalls   int
}

func (f *fakeSup) Launch(ctx context.Context, match *models.Match) (int, error) {
	f.launchCalls++
	return f.launchPid, f.launchErr
}

func (f *fakeSup) Kill(ctx context.Context, match *models.Match) error {
	f.killCalls++
	return f.killErr
}

type fakeBak struct {
	snapPretenders    int
	restorePretenders int
	restoreTurn       int
	restoreTurnValue  int
	restoreTurnErr    error
}

func (f *fakeBak) SnapshotPretenders(ctx context.Context, match *models.Match) error {
	f.snapPretenders++
	return nil
}

func (f *fakeBak) RestorePretenders(ctx context.Context, match *models.Match) error {
	f.restorePretenders++
	return nil
}

func (f *fakeBak) RestoreTurn(ctx context.Context, match *models.Match) (int, error) {
	f.restoreTurn++
	return f.restoreTurnValue, f.restoreTurnErr
}

type fakePub struct {
	events []string
	last   any
}

func (f *fakePub) Publish(ctx context.Context, eventType string, matchID int64, payload any) error {
	f.events = append(f.events, eventType)
	f.last = payload
	return nil
}

func newTestService() (*Service, *fakeStore, *fakeSup, *fakeBak, *fakePub) {
	st := newFakeStore()
	sup := &fakeSup{launchPid: 4242}
	bak := &fakeBak{restoreTurnValue: 5}
	pub := &fakePub{}
	return NewService(st, sup, bak, pub), st, sup, bak, pub
}

func TestLaunchMarksStartAttempted(t *testing.T) {
	svc, st, sup, bak, _ := newTestService()
	st.match.Running = false
	st.match.Started = false

	pid, err := svc.Launch(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, 1, sup.launchCalls)
	assert.Equal(t, []bool{true}, st.attemptedSet)
	// Pre-start launches snapshot pretenders first.
	assert.Equal(t, 1, bak.snapPretenders)
}

func TestLaunchStartedMatchSkipsPretenderSnapshot(t *testing.T) {
	svc, st, _, bak, _ := newTestService()
	st.match.Running = false

	_, err := svc.Launch(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, bak.snapPretenders)
}

func TestLaunchRejectsRunningMatch(t *testing.T) {
	svc, _, sup, _, _ := newTestService()

	_, err := svc.Launch(context.Background(), 7)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 0, sup.launchCalls)
}

func TestKillStopsTimer(t *testing.T) {
	svc, st, sup, _, _ := newTestService()

	require.NoError(t, svc.Kill(context.Background(), 7))
	assert.Equal(t, 1, sup.killCalls)
	assert.Equal(t, []bool{false}, st.timerRunningSet)
}

func TestKillToleratesGoneProcess(t *testing.T) {
	svc, st, sup, _, _ := newTestService()
	sup.killErr = supervisor.ErrProcessGone

	require.NoError(t, svc.Kill(context.Background(), 7))
	assert.False(t, st.match.Running)
	assert.Equal(t, []bool{false}, st.timerRunningSet)
}

func TestKillPropagatesRealFailure(t *testing.T) {
	svc, st, sup, _, _ := newTestService()
	sup.killErr = errors.New("operation not permitted")

	require.Error(t, svc.Kill(context.Background(), 7))
	assert.Empty(t, st.timerRunningSet)
}

func TestExtendTimerPlain(t *testing.T) {
	svc, st, _, _, pub := newTestService()

	remaining, err := svc.ExtendTimer(context.Background(), 7, "player-1", 3600, true)
	require.NoError(t, err)
	assert.Equal(t, 10800, remaining)
	assert.Equal(t, 10800, st.timer.RemainingSeconds)
	assert.Equal(t, 3600, st.extensions["player-1"])

	require.Equal(t, []string{events.TypeTimerExtended}, pub.events)
	payload := pub.last.(events.TimerExtendedPayload)
	assert.False(t, payload.FromChessClock)
	assert.Equal(t, 3600, payload.DeltaSeconds)
}

func TestExtendTimerClampsAtZero(t *testing.T) {
	svc, st, _, _, _ := newTestService()

	remaining, err := svc.ExtendTimer(context.Background(), 7, "player-1", -99999, true)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, st.timer.RemainingSeconds)
	// Reductions never count as extensions.
	assert.Empty(t, st.extensions)
}

func TestExtendTimerChessClockDeductsBank(t *testing.T) {
	svc, st, _, _, pub := newTestService()
	st.match.ChessClock = models.ChessClockSettings{Active: true, StartingSeconds: 7200}
	st.banks["player-1"] = 5000

	remaining, err := svc.ExtendTimer(context.Background(), 7, "player-1", 3600, true)
	require.NoError(t, err)
	assert.Equal(t, 10800, remaining)
	assert.Equal(t, 1400, st.banks["player-1"])
	assert.Equal(t, 3600, st.extensions["player-1"])
	assert.True(t, pub.last.(events.TimerExtendedPayload).FromChessClock)
}

func TestExtendTimerChessClockInsufficientBank(t *testing.T) {
	svc, st, _, _, pub := newTestService()
	st.match.ChessClock = models.ChessClockSettings{Active: true}
	st.banks["player-1"] = 100

	_, err := svc.ExtendTimer(context.Background(), 7, "player-1", 3600, true)
	require.ErrorIs(t, err, ErrInsufficientBank)
	assert.Equal(t, 100, st.banks["player-1"])
	assert.Equal(t, 7200, st.timer.RemainingSeconds)
	assert.Empty(t, pub.events)
}

func TestExtendTimerOperatorBypassesBank(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	st.match.ChessClock = models.ChessClockSettings{Active: true}
	st.banks["operator"] = 0

	remaining, err := svc.ExtendTimer(context.Background(), 7, "operator", 3600, false)
	require.NoError(t, err)
	assert.Equal(t, 10800, remaining)
	assert.Equal(t, 0, st.banks["operator"])
	assert.Empty(t, st.extensions)
}

func TestResumeTimerRequiresStartedMatch(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	st.match.Started = false

	assert.ErrorIs(t, svc.ResumeTimer(context.Background(), 7), ErrNotStarted)

	st.match.Started = true
	require.NoError(t, svc.ResumeTimer(context.Background(), 7))
	assert.Equal(t, []bool{true}, st.timerRunningSet)
}

func TestRollbackTurn(t *testing.T) {
	svc, st, sup, bak, pub := newTestService()

	turn, err := svc.RollbackTurn(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 5, turn)

	assert.Equal(t, []bool{false}, st.timerRunningSet)
	assert.Equal(t, 1, sup.killCalls)
	assert.Equal(t, 1, bak.restoreTurn)

	require.Equal(t, []string{events.TypeMatchRolledBack}, pub.events)
	assert.Equal(t, 5, pub.last.(events.MatchRolledBackPayload).Turn)
}

func TestRollbackTurnRequiresStartedMatch(t *testing.T) {
	svc, st, _, bak, _ := newTestService()
	st.match.Started = false

	_, err := svc.RollbackTurn(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, 0, bak.restoreTurn)
}

func TestRollbackSkipsKillWhenNotRunning(t *testing.T) {
	svc, st, sup, _, _ := newTestService()
	st.match.Running = false

	_, err := svc.RollbackTurn(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, sup.killCalls)
}

func TestRestartToLobby(t *testing.T) {
	svc, st, sup, bak, _ := newTestService()

	require.NoError(t, svc.RestartToLobby(context.Background(), 7))
	assert.Equal(t, 1, sup.killCalls)
	assert.Equal(t, 1, bak.restorePretenders)
	assert.Equal(t, []bool{false}, st.startedSet)
	assert.Equal(t, []bool{false}, st.attemptedSet)
	assert.Equal(t, []bool{false}, st.timerRunningSet)
}

func TestClaimNationSeedsChessClockBank(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	st.match.ChessClock = models.ChessClockSettings{Active: true, StartingSeconds: 14400}

	require.NoError(t, svc.ClaimNation(context.Background(), 7, "player-1", "Ulm"))
	assert.Equal(t, []string{"player-1/Ulm"}, st.claims)
	assert.Equal(t, 14400, st.seeded["player-1"])
}

func TestClaimNationWithoutChessClock(t *testing.T) {
	svc, st, _, _, _ := newTestService()

	require.NoError(t, svc.ClaimNation(context.Background(), 7, "player-1", "Ulm"))
	assert.Equal(t, 0, st.seeded["player-1"])
}

func TestUnclaimNation(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	require.NoError(t, svc.UnclaimNation(context.Background(), 7, "player-1", "Ulm"))
	assert.Equal(t, []string{"player-1/Ulm"}, st.unclaims)
}

func TestSetDefaultTimer(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	require.NoError(t, svc.SetDefaultTimer(context.Background(), 7, 43200))
	assert.Equal(t, 43200, st.timerDefault)
}
