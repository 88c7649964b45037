package listener

import (
	"errors"
	"strings"
	"time"
)

var errEmptyLine = errors.New("listener: empty line")

// lineTimestampLayouts covers the timestamp formats bitcoind's debug.log has
// used across versions: with and without fractional seconds, always with a
// trailing "Z". Grounded on original_source/bmon/logparse.py's get_time,
// which parses the first whitespace-delimited token with
// datetime.fromisoformat and asserts it is tz-aware.
var lineTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
}

// lineTimestamp returns the UTC time a log line was emitted, taken from its
// leading whitespace-delimited token.
func lineTimestamp(line string) (time.Time, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return time.Time{}, errEmptyLine
	}
	return parseTimestamp(fields[0])
}

// parseTimestamp parses a single ISO-8601 timestamp token as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range lineTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
