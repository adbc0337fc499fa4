// Package statusparse decodes the game server's textual status output.
//
// The server speaks three small line protocols: the tcpquery status blob,
// the stats.txt turn report, and the statusdump.txt file. All of them are
// treated as versioned wire formats; the parsers are deliberately tolerant
// so one malformed line never drops the rest of a record.
package statusparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse marks input that did not match the expected format. Parsers that
// can return a partial record do so instead of returning this error.
var ErrParse = errors.New("statusparse: malformed input")

// PlayStatus is the per-nation state reported in a status blob.
type PlayStatus string

const (
	PlayStatusPlayed     PlayStatus = "played"
	PlayStatusUnfinished PlayStatus = "played_but_not_finished"
	PlayStatusUndone     PlayStatus = "undone"
)

// PlayerStatus is one nation line from a status blob.
type PlayerStatus struct {
	Index      int    `json:"index"`
	Nation     string `json:"nation"`
	NationDesc string `json:"nation_desc"`
	Status     string `json:"status"`
}

// StatusRecord is the structured form of a tcpquery response. Fields that do
// not appear in the input stay zero-valued; Turn is -1 when absent.
type StatusRecord struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Turn     int            `json:"turn"`
	TimeLeft string         `json:"time_left"`
	Players  []PlayerStatus `json:"players"`
}

// TurnReport classifies every nation line of a status blob into exactly one
// bucket. Used for the one-hour warning and turn summaries.
type TurnReport struct {
	Played     []string `json:"played"`
	Unfinished []string `json:"unfinished"`
	Undone     []string `json:"undone"`
}

// Stats is the parsed stats.txt turn report.
type Stats struct {
	Name         string   `json:"name"`
	Turn         int      `json:"turn"`
	MissingTurns []string `json:"missing_turns"`
}

var (
	reGamename = regexp.MustCompile(`(?m)^Gamename:\s*(.+?)\s*$`)
	reStatus   = regexp.MustCompile(`(?m)^Status:\s*(.+?)\s*$`)
	reTurn     = regexp.MustCompile(`(?m)^Turn:\s*(-?\d+)`)
	reTimeLeft = regexp.MustCompile(`(?m)^Time left:\s*(.+?)\s*$`)
	rePlayer   = regexp.MustCompile(`^player\s+(\d+):\s*([^,]+),\s*([^(]*)\((.*)\)\s*$`)

	reStatsHeader = regexp.MustCompile(`^Statistics for game (.*) turn (\d+)\s*$`)
)

const missingTurnSuffix = " didn't play this turn"

// turn report line markers; order matters because "played" is a substring of
// the unfinished marker.
const (
	markerUnfinished = "played, but not finished"
	markerPlayed     = "played"
	markerUndone     = "(-)"
)

// ParseStatus decodes a raw tcpquery blob. It never fails: a blob with no
// recognizable header yields a record with unset fields and Turn == -1.
func ParseStatus(blob string) StatusRecord {
	rec := StatusRecord{Turn: -1}

	if m := reGamename.FindStringSubmatch(blob); m != nil {
		rec.Name = m[1]
	}
	if m := reStatus.FindStringSubmatch(blob); m != nil {
		rec.Status = m[1]
	}
	if m := reTurn.FindStringSubmatch(blob); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			rec.Turn = n
		}
	}
	if m := reTimeLeft.FindStringSubmatch(blob); m != nil {
		rec.TimeLeft = m[1]
	}

	// Player lines are matched independently so one mangled line does not
	// drop the others.
	for _, line := range strings.Split(blob, "\n") {
		m := rePlayer.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		rec.Players = append(rec.Players, PlayerStatus{
			Index:      idx,
			Nation:     strings.TrimSpace(m[2]),
			NationDesc: strings.TrimSpace(m[3]),
			Status:     strings.TrimSpace(m[4]),
		})
	}

	return rec
}

// ClassifyTurnReport buckets every nation line of a status blob by its play
// state. Lines without the ":" / "," delimiters are skipped.
func ClassifyTurnReport(blob string) TurnReport {
	var rep TurnReport
	for _, line := range strings.Split(blob, "\n") {
		nation, ok := nationFromLine(line)
		if !ok {
			continue
		}
		switch {
		case strings.Contains(line, markerUnfinished):
			rep.Unfinished = append(rep.Unfinished, nation)
		case strings.Contains(line, markerUndone):
			rep.Undone = append(rep.Undone, nation)
		case strings.Contains(line, markerPlayed):
			rep.Played = append(rep.Played, nation)
		}
	}
	return rep
}

// nationFromLine extracts the nation name using the fixed ":" and ","
// delimiter convention of the status protocol.
func nationFromLine(line string) (string, bool) {
	_, rest, found := strings.Cut(line, ":")
	if !found {
		return "", false
	}
	nation, _, _ := strings.Cut(rest, ",")
	nation = strings.TrimSpace(nation)
	return nation, nation != ""
}

// ParseStats reads a stats.txt turn report: the header carries the current
// turn number and trailing lines name players who missed the turn.
func ParseStats(r io.Reader) (Stats, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Stats{}, fmt.Errorf("read stats: %w", err)
		}
		return Stats{}, fmt.Errorf("%w: empty stats file", ErrParse)
	}

	m := reStatsHeader.FindStringSubmatch(strings.TrimSpace(sc.Text()))
	if m == nil {
		return Stats{}, fmt.Errorf("%w: bad stats header %q", ErrParse, sc.Text())
	}
	turn, err := strconv.Atoi(m[2])
	if err != nil {
		return Stats{}, fmt.Errorf("%w: bad turn in stats header %q", ErrParse, sc.Text())
	}

	st := Stats{Name: m[1], Turn: turn}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasSuffix(line, missingTurnSuffix) {
			st.MissingTurns = append(st.MissingTurns, strings.TrimSuffix(line, missingTurnSuffix))
		}
	}
	if err := sc.Err(); err != nil {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

// ParseStatusDump extracts the turn number from a statusdump.txt. Returns -1
// when no turn line is present, which is how a match still in lobby looks.
func ParseStatusDump(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "turn ") {
			continue
		}
		field, _, _ := strings.Cut(line, ",")
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(field, "turn ")))
		if err != nil {
			return -1, fmt.Errorf("%w: bad turn line %q", ErrParse, line)
		}
		return n, nil
	}
	if err := sc.Err(); err != nil {
		return -1, fmt.Errorf("read statusdump: %w", err)
	}
	return -1, nil
}
