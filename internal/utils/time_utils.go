package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var unitMultipliers = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration parses the config duration format: an integer followed by
// one of ms, s, m, h or d ("500ms", "2s", "10m", "48h", "30d").
// Compound Go durations such as "1h30m" are accepted as well.
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	for _, m := range unitMultipliers {
		number, found := strings.CutSuffix(timeString, m.suffix)
		if !found {
			continue
		}
		value, err := strconv.Atoi(number)
		if err != nil {
			break
		}
		if value < 0 {
			return 0, fmt.Errorf("negative time string: %s", timeString)
		}
		return time.Duration(value) * m.unit, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	return d, nil
}

// ParseStringTime is ParseDuration with a fallback for empty or invalid input.
func ParseStringTime(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		return fallback
	}
	return d
}
