package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedLine is returned for input that does not match the sensor line
// protocol. Malformed lines are counted and skipped, never fatal.
var ErrMalformedLine = errors.New("malformed sensor line")

// linePattern matches the firmware wire format: "SOUND:<integer>" with
// optional trailing whitespace. Anything else on the line is rejected.
var linePattern = regexp.MustCompile(`^SOUND:(\d+)\s*$`)

// ParseLine extracts the sound-level reading from one protocol line.
func ParseLine(line string) (float64, error) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLine, truncateForLog(line))
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedLine, truncateForLog(line), err)
	}
	return value, nil
}

// truncateForLog bounds how much of an arbitrary input line can reach logs
// and error messages.
func truncateForLog(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 64 {
		return line[:64] + "..."
	}
	return line
}
