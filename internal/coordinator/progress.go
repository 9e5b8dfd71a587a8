package coordinator

import (
	"regexp"
	"strconv"
)

// The runner prints its completion percentage inline in status lines, e.g.
// "running [ 42% ] 10 VUs". Lines without a marker are ignored.
var progressPattern = regexp.MustCompile(`\[\s*(\d+)%\s*\]`)

func parseProgress(line string) (int, bool) {
	match := progressPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil || value > 100 {
		return 0, false
	}
	return value, true
}

// progressTracker filters a log stream down to strictly increasing progress
// values so persisted progress never moves backwards.
type progressTracker struct {
	last int
}

func (t *progressTracker) Observe(line string) (int, bool) {
	value, ok := parseProgress(line)
	if !ok || value <= t.last {
		return 0, false
	}
	t.last = value
	return value, true
}
