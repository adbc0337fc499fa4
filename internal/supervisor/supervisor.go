// Package supervisor launches, inspects and terminates one game server
// process per match. Each process lives in a detached screen session named
// <prefix>_<match_id> so it survives supervisor restarts and can be attached
// for inspection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/statusparse"
)

var (
	// ErrLaunch means the session or process failed to start, or its pid
	// could not be recovered in time. Operator action required.
	ErrLaunch = errors.New("supervisor: launch failed")
	// ErrNotRunning means a kill targeted a match with no recorded pid.
	ErrNotRunning = errors.New("supervisor: match has no running process")
	// ErrProcessGone means the recorded pid no longer exists. Callers treat
	// this as an already-successful kill.
	ErrProcessGone = errors.New("supervisor: process already gone")
	// ErrQuery means a status query timed out or exited non-zero. Transient.
	ErrQuery = errors.New("supervisor: status query failed")
)

// MatchStore is the slice of the store the supervisor needs.
type MatchStore interface {
	UpdateProcessPid(ctx context.Context, id int64, pid *int) error
	SetMatchRunning(ctx context.Context, id int64, running bool) error
}

// runner executes external commands. Abstracted so tests can fake the screen
// and server binaries.
type runner interface {
	// Run executes the command and returns combined output. A non-zero exit
	// is returned as an error alongside whatever output was produced.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config holds the supervisor's fixed paths and bounds.
type Config struct {
	Binary        string
	DataDir       string
	SessionPrefix string
	QueryHost     string
	QueryTimeout  time.Duration
	LaunchTimeout time.Duration
}

// Supervisor manages one OS process per match.
type Supervisor struct {
	cfg   Config
	store MatchStore
	clock clockwork.Clock
	run   runner

	// signal sends sig to pid; sig 0 probes liveness.
	signal func(pid int, sig syscall.Signal) error

	versionOnce sync.Once
	version     string
}

// New builds a supervisor with the real command runner and clock.
func New(cfg Config, store MatchStore) *Supervisor {
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "dom"
	}
	if cfg.QueryHost == "" {
		cfg.QueryHost = "localhost"
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 20 * time.Second
	}
	if cfg.LaunchTimeout == 0 {
		cfg.LaunchTimeout = 15 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		store:  store,
		clock:  clockwork.NewRealClock(),
		run:    execRunner{},
		signal: syscall.Kill,
	}
}

// SessionName returns the screen session name for a match.
func (s *Supervisor) SessionName(matchID int64) string {
	return fmt.Sprintf("%s_%d", s.cfg.SessionPrefix, matchID)
}

// LiveDir is the match's live savedgames directory.
func (s *Supervisor) LiveDir(match *models.Match) string {
	return filepath.Join(s.cfg.DataDir, "savedgames", match.Name)
}

func (s *Supervisor) errorLogPath(match *models.Match) string {
	return filepath.Join(s.LiveDir(match), "server_error.log")
}

// Launch starts the match's server inside a named screen session, recovers
// the session pid and persists it. The immediate child pid belongs to the
// screen host, so the real pid comes from polling the session table.
func (s *Supervisor) Launch(ctx context.Context, match *models.Match) (int, error) {
	if match.ID <= 0 {
		return 0, fmt.Errorf("%w: invalid match id %d", ErrLaunch, match.ID)
	}

	liveDir := s.LiveDir(match)
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create live dir: %v", ErrLaunch, err)
	}

	session := s.SessionName(match.ID)
	logFile := s.errorLogPath(match)
	args := append([]string{"-dmS", session, "-L", "-Logfile", logFile, s.cfg.Binary},
		BuildArgs(match)...)

	log.Info().
		Int64("match_id", match.ID).
		Str("session", session).
		Str("map", match.Settings.Map).
		Int("port", match.Port).
		Msg("launching match server")

	if out, err := s.run.Run(ctx, "screen", args...); err != nil {
		return 0, fmt.Errorf("%w: start screen session: %v (%s)", ErrLaunch, err, strings.TrimSpace(string(out)))
	}

	pid, err := s.waitForSessionPid(ctx, session)
	if err != nil {
		digest := s.errorLogDigest(match)
		return 0, fmt.Errorf("%w: session %s not found: %v (log: %s)", ErrLaunch, session, err, digest)
	}

	if err := s.store.UpdateProcessPid(ctx, match.ID, &pid); err != nil {
		return 0, fmt.Errorf("persist pid for match %d: %w", match.ID, err)
	}
	if err := s.store.SetMatchRunning(ctx, match.ID, true); err != nil {
		return 0, fmt.Errorf("persist running flag for match %d: %w", match.ID, err)
	}

	// The process can die right after startup on a bad map or mod; catch
	// that here so the caller gets the log digest instead of a silent death.
	select {
	case <-ctx.Done():
		return pid, ctx.Err()
	case <-s.clock.After(2 * time.Second):
	}
	if err := s.signal(pid, 0); err != nil {
		digest := s.errorLogDigest(match)
		return 0, fmt.Errorf("%w: process %d died after start (log: %s)", ErrLaunch, pid, digest)
	}

	log.Info().Int64("match_id", match.ID).Int("pid", pid).Msg("match server running")
	return pid, nil
}

// waitForSessionPid polls the screen session table until the named session
// appears or the launch bound expires.
func (s *Supervisor) waitForSessionPid(ctx context.Context, session string) (int, error) {
	deadline := s.clock.Now().Add(s.cfg.LaunchTimeout)
	for {
		out, err := s.run.Run(ctx, "screen", "-ls", session)
		if err == nil {
			if pid, ok := parseSessionPid(string(out), session); ok {
				return pid, nil
			}
		}
		if s.clock.Now().After(deadline) {
			return 0, fmt.Errorf("no session within %s", s.cfg.LaunchTimeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.clock.After(500 * time.Millisecond):
		}
	}
}

// parseSessionPid extracts the pid from a `screen -ls` line of the form
// "\t12345.dom_7\t(Detached)". The session name must match the whole name
// field: screen lists sessions by substring, so asking for dom_1 also
// returns dom_10's line.
func parseSessionPid(out, session string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		pidStr, rest, found := strings.Cut(strings.TrimSpace(line), ".")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 || fields[0] != session {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}

// Kill sends SIGTERM to the match's recorded pid and clears the running
// flag. ErrProcessGone still updates the store; the process is gone either
// way.
func (s *Supervisor) Kill(ctx context.Context, match *models.Match) error {
	if match.ProcessPID == nil {
		return fmt.Errorf("match %d: %w", match.ID, ErrNotRunning)
	}
	pid := *match.ProcessPID

	err := s.signal(pid, syscall.SIGTERM)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			log.Warn().Int64("match_id", match.ID).Int("pid", pid).Msg("process already terminated")
			if serr := s.store.SetMatchRunning(ctx, match.ID, false); serr != nil {
				return serr
			}
			return fmt.Errorf("match %d pid %d: %w", match.ID, pid, ErrProcessGone)
		}
		return fmt.Errorf("kill match %d pid %d: %w", match.ID, pid, err)
	}

	log.Info().Int64("match_id", match.ID).Int("pid", pid).Msg("match server terminated")
	return s.store.SetMatchRunning(ctx, match.ID, false)
}

// IsAlive reports whether the match's screen session still exists. False
// means the process died outside supervisor control, so callers stop the
// match's timer; anything short of a clean "no such session" listing is
// treated as alive.
func (s *Supervisor) IsAlive(ctx context.Context, matchID int64) bool {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	session := s.SessionName(matchID)
	out, err := s.run.Run(qctx, "screen", "-ls", session)
	if err != nil {
		// A timeout or an unrunnable screen binary says nothing about the
		// process itself.
		if qctx.Err() != nil {
			log.Warn().Int64("match_id", matchID).Msg("session listing timed out, assuming process alive")
			return true
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			log.Warn().Err(err).Int64("match_id", matchID).Msg("could not run screen, assuming process alive")
			return true
		}
	}
	// The exit status alone is not trustworthy either way: screen matches
	// session names by substring, so the listing for dom_1 succeeds while
	// only dom_10 exists. The parsed name field decides.
	_, ok := parseSessionPid(string(out), session)
	return ok
}

// Query issues a read-only status query against the match's control port and
// parses the response.
func (s *Supervisor) Query(ctx context.Context, match *models.Match) (statusparse.StatusRecord, error) {
	out, err := s.queryRaw(ctx, match)
	if err != nil {
		return statusparse.StatusRecord{}, err
	}
	return statusparse.ParseStatus(out), nil
}

// TurnReport queries the match and classifies every nation line by its play
// state. Used for the one-hour warning.
func (s *Supervisor) TurnReport(ctx context.Context, match *models.Match) (statusparse.TurnReport, error) {
	out, err := s.queryRaw(ctx, match)
	if err != nil {
		return statusparse.TurnReport{}, err
	}
	return statusparse.ClassifyTurnReport(out), nil
}

func (s *Supervisor) queryRaw(ctx context.Context, match *models.Match) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	out, err := s.run.Run(qctx, s.cfg.Binary,
		"--tcpquery",
		"--ipadr", s.cfg.QueryHost,
		"--port", strconv.Itoa(match.Port))
	if err != nil {
		if qctx.Err() != nil {
			return "", fmt.Errorf("%w: match %d query timed out", ErrQuery, match.ID)
		}
		return "", fmt.Errorf("%w: match %d: %v (%s)", ErrQuery, match.ID, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// StatusDumpTurn reads the turn number from the match's statusdump file.
// Returns -1 with no error while the match is still in lobby (no dump yet).
func (s *Supervisor) StatusDumpTurn(match *models.Match) (int, error) {
	f, err := os.Open(filepath.Join(s.LiveDir(match), "statusdump.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, fmt.Errorf("open statusdump for match %d: %w", match.ID, err)
	}
	defer f.Close()
	return statusparse.ParseStatusDump(f)
}

// ErrorDigest condenses the match's server error log for event payloads.
func (s *Supervisor) ErrorDigest(match *models.Match) string {
	return s.errorLogDigest(match)
}

// ForceHost commands the running server to resolve the current turn now by
// dropping a settimeleft command file into the live directory. Stale
// statusdump PNG artifacts are removed first so the server does not re-read
// them. The file format and polling cadence are the server's contract.
func (s *Supervisor) ForceHost(ctx context.Context, match *models.Match) error {
	liveDir := s.LiveDir(match)
	if _, err := os.Stat(liveDir); err != nil {
		return fmt.Errorf("live dir for match %d: %w", match.ID, err)
	}

	pngs, err := filepath.Glob(filepath.Join(liveDir, "*.png"))
	if err == nil {
		for _, p := range pngs {
			if rmErr := os.Remove(p); rmErr != nil {
				log.Warn().Err(rmErr).Str("file", p).Msg("could not remove statusdump artifact")
			}
		}
	}

	cmdPath := filepath.Join(liveDir, "domcmd")
	if err := os.WriteFile(cmdPath, []byte("settimeleft 5"), 0o644); err != nil {
		return fmt.Errorf("write host command for match %d: %w", match.ID, err)
	}
	log.Info().Int64("match_id", match.ID).Str("path", cmdPath).Msg("host forced")

	// Hosting is where a corrupt turn takes the process down; give it a
	// moment and probe.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(3 * time.Second):
	}
	if match.ProcessPID != nil {
		if err := s.signal(*match.ProcessPID, 0); err != nil {
			digest := s.errorLogDigest(match)
			return fmt.Errorf("match %d process crashed during host (log: %s)", match.ID, digest)
		}
	}
	return nil
}

var versionRe = regexp.MustCompile(`version (\d+\.\d+)`)

// Version runs the server binary once with --version and caches the
// extracted token. Informational: failures come back as diagnostic strings,
// never errors.
func (s *Supervisor) Version(ctx context.Context) string {
	s.versionOnce.Do(func() {
		qctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		out, err := s.run.Run(qctx, s.cfg.Binary, "--version")
		if err != nil {
			s.version = fmt.Sprintf("error fetching version: %v", err)
			return
		}
		m := versionRe.FindStringSubmatch(string(out))
		if m == nil {
			s.version = "version information not found in output"
			return
		}
		s.version = m[1]
	})
	return s.version
}

func (s *Supervisor) errorLogDigest(match *models.Match) string {
	return ErrorLogDigest(s.errorLogPath(match))
}
