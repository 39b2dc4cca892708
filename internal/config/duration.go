package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration parses a Go duration string at config key path. Empty or
// zero values yield def; negative values are rejected.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseLocation resolves an IANA zone name. Empty and "Local" mean the
// process zone.
func ParseLocation(path, raw string) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown timezone %q: %w", path, raw, err)
	}
	return loc, nil
}
