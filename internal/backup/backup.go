// Package backup snapshots and restores per-match save-game file sets so
// turn advancement is crash-safe. Two kinds of snapshots exist: pretender
// submissions taken before the first turn, and per-turn snapshots used for
// rollback.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/turnwarden/turnwarden/internal/models"
	"github.com/turnwarden/turnwarden/internal/statusparse"
)

var (
	// ErrNotFound means a source or snapshot directory is missing.
	ErrNotFound = errors.New("backup: not found")
	// ErrPathEscape means a resolved path left the configured root. Always
	// fatal to the operation, never auto-corrected.
	ErrPathEscape = errors.New("backup: path escapes configured root")
)

// Files the server regenerates from the map; excluded from turn snapshots.
var snapshotExcludes = map[string]bool{
	".d6m": true,
	".map": true,
}

const pretenderExt = ".2h"

// Manager copies save files between the live data tree and the backup root.
type Manager struct {
	dataDir    string
	backupRoot string
}

func NewManager(dataDir, backupRoot string) *Manager {
	return &Manager{dataDir: dataDir, backupRoot: backupRoot}
}

// liveDir resolves a match's live savedgames directory, rejecting match
// names that are not a plain path component.
func (m *Manager) liveDir(match *models.Match) (string, error) {
	if !safeComponent(match.Name) {
		return "", fmt.Errorf("match name %q: %w", match.Name, ErrPathEscape)
	}
	return filepath.Join(m.dataDir, "savedgames", match.Name), nil
}

// matchBackupDir resolves the match's backup area and verifies containment.
func (m *Manager) matchBackupDir(matchID int64, parts ...string) (string, error) {
	elems := append([]string{m.backupRoot, strconv.FormatInt(matchID, 10)}, parts...)
	dir := filepath.Join(elems...)
	if !within(m.backupRoot, dir) {
		return "", fmt.Errorf("backup dir %q: %w", dir, ErrPathEscape)
	}
	return dir, nil
}

// SnapshotPretenders copies all pretender submission files into the match's
// pretenders backup area, so pre-start submissions survive a restart to
// lobby.
func (m *Manager) SnapshotPretenders(ctx context.Context, match *models.Match) error {
	live, err := m.liveDir(match)
	if err != nil {
		return err
	}
	if _, err := os.Stat(live); err != nil {
		return fmt.Errorf("live dir for match %d: %w", match.ID, ErrNotFound)
	}

	dst, err := m.matchBackupDir(match.ID, "pretenders")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create pretenders backup dir: %w", err)
	}

	n, err := copyFiles(ctx, live, dst, func(name string) bool {
		return strings.HasSuffix(name, pretenderExt)
	})
	if err != nil {
		return fmt.Errorf("snapshot pretenders for match %d: %w", match.ID, err)
	}
	log.Info().Int64("match_id", match.ID).Int("files", n).Msg("pretender snapshot complete")
	return nil
}

// RestorePretenders clears the live directory and repopulates it from the
// pretenders snapshot, returning a started match to its lobby state.
func (m *Manager) RestorePretenders(ctx context.Context, match *models.Match) error {
	live, err := m.liveDir(match)
	if err != nil {
		return err
	}
	src, err := m.matchBackupDir(match.ID, "pretenders")
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("pretenders snapshot for match %d: %w", match.ID, ErrNotFound)
	}

	if err := os.MkdirAll(live, 0o755); err != nil {
		return fmt.Errorf("create live dir: %w", err)
	}
	if err := clearDir(live); err != nil {
		return fmt.Errorf("clear live dir for match %d: %w", match.ID, err)
	}

	n, err := copyFiles(ctx, src, live, func(name string) bool {
		return strings.HasSuffix(name, pretenderExt)
	})
	if err != nil {
		return fmt.Errorf("restore pretenders for match %d: %w", match.ID, err)
	}
	log.Info().Int64("match_id", match.ID).Int("files", n).Msg("pretenders restored")
	return nil
}

// SnapshotTurn copies the live save files (minus regenerable map data) into
// a snapshot labeled with the upcoming turn number. Before the first turn
// completes no stats exist yet; that case skips quietly instead of failing
// the caller.
func (m *Manager) SnapshotTurn(ctx context.Context, match *models.Match) error {
	live, err := m.liveDir(match)
	if err != nil {
		return err
	}
	if _, err := os.Stat(live); err != nil {
		return fmt.Errorf("live dir for match %d: %w", match.ID, ErrNotFound)
	}

	turn, err := m.currentTurn(live)
	if err != nil {
		log.Debug().Int64("match_id", match.ID).Err(err).Msg("no readable stats yet, skipping turn snapshot")
		return nil
	}

	dst, err := m.matchBackupDir(match.ID, fmt.Sprintf("turn_%d", turn+1))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create turn snapshot dir: %w", err)
	}

	n, err := copyFiles(ctx, live, dst, includeSaveFile)
	if err != nil {
		return fmt.Errorf("snapshot turn %d for match %d: %w", turn+1, match.ID, err)
	}
	log.Info().
		Int64("match_id", match.ID).
		Int("turn", turn+1).
		Int("files", n).
		Msg("turn snapshot complete")
	return nil
}

// RestoreTurn rolls the live directory back to the current turn's snapshot
// and consumes the snapshot: it is deleted after a successful restore, so a
// second restore of the same turn fails with ErrNotFound. A restore that
// succeeds but cannot clean up reports success and logs the leftover.
func (m *Manager) RestoreTurn(ctx context.Context, match *models.Match) (int, error) {
	live, err := m.liveDir(match)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(live); err != nil {
		return 0, fmt.Errorf("live dir for match %d: %w", match.ID, ErrNotFound)
	}

	turn, err := m.currentTurn(live)
	if err != nil {
		return 0, fmt.Errorf("determine turn for match %d: %w", match.ID, err)
	}

	src, err := m.matchBackupDir(match.ID, fmt.Sprintf("turn_%d", turn))
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(src); err != nil {
		return 0, fmt.Errorf("turn %d snapshot for match %d: %w", turn, match.ID, ErrNotFound)
	}

	if _, err := copyFiles(ctx, src, live, includeSaveFile); err != nil {
		return 0, fmt.Errorf("restore turn %d for match %d: %w", turn, match.ID, err)
	}

	// Containment was checked when the path was built; re-verify right
	// before the destructive step.
	if !within(m.backupRoot, src) {
		return 0, fmt.Errorf("snapshot dir %q: %w", src, ErrPathEscape)
	}
	if err := os.RemoveAll(src); err != nil {
		log.Warn().
			Int64("match_id", match.ID).
			Str("dir", src).
			Err(err).
			Msg("restored but could not delete snapshot; remove it manually")
	}

	log.Info().Int64("match_id", match.ID).Int("turn", turn).Msg("turn restored from snapshot")
	return turn, nil
}

func (m *Manager) currentTurn(liveDir string) (int, error) {
	f, err := os.Open(filepath.Join(liveDir, "stats.txt"))
	if err != nil {
		return 0, fmt.Errorf("open stats: %w", err)
	}
	defer f.Close()

	st, err := statusparse.ParseStats(f)
	if err != nil {
		return 0, err
	}
	return st.Turn, nil
}

func includeSaveFile(name string) bool {
	return !snapshotExcludes[filepath.Ext(name)]
}

// copyFiles copies the regular files of src that pass the filter into dst.
func copyFiles(ctx context.Context, src, dst string, include func(name string) bool) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if entry.IsDir() || !include(entry.Name()) {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// within reports whether path is lexically contained in root.
func within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeComponent accepts only a single, non-traversing path element.
func safeComponent(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\")
}
