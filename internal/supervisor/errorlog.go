package supervisor

import (
	"os"
	"strings"
)

// Lines the server writes during normal startup that carry no diagnostic
// value.
var noiseMarkers = []string{
	"Setup port",
	"seconds, open:",
	"kdialog: not found",
	"zenity: not found",
	"Error: Can't open display:",
	"sh: 1:",
}

// Markers that identify an actual failure in the server log.
var errorMarkers = []string{
	"Map specified by --mapfile was not found",
	"Can't find mod:",
	"Något gick fel!",
	"Error:",
	"Failed to",
	"Could not",
	"No such file or directory",
	"Permission denied",
}

// ErrorLogDigest condenses a server error log into a short one-line summary
// for event payloads and launch errors. Known error lines win; otherwise the
// last few non-noise lines are returned.
func ErrorLogDigest(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "no log file found"
	}
	if len(data) == 0 {
		return "log file is empty"
	}

	var filtered []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isNoise(line) {
			continue
		}
		filtered = append(filtered, line)
	}

	var errLines []string
	for _, line := range filtered {
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				errLines = append(errLines, line)
				break
			}
		}
	}

	switch {
	case len(errLines) > 0:
		return strings.Join(lastN(errLines, 3), " | ")
	case len(filtered) > 0:
		return strings.Join(lastN(filtered, 3), " | ")
	default:
		return "no meaningful errors found in log"
	}
}

func isNoise(line string) bool {
	for _, marker := range noiseMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
