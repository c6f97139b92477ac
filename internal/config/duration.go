package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var longUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"min", time.Minute},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"y", 365 * 24 * time.Hour},
}

// ParseDuration accepts time.ParseDuration syntax plus whole-number "min",
// "d", "w" and "y" suffixes ("60min", "7d"). "m" keeps its Go meaning of
// minutes.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration %q is negative", s)
		}
		return d, nil
	}
	for _, u := range longUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// optDuration parses s when non-empty, returning def otherwise.
func optDuration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return ParseDuration(s)
}
