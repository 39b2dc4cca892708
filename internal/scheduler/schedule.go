package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ParseSchedule turns a configured tick schedule into a cron spec.
//
// Supported forms:
//   - Go duration: "30s", "1m" (becomes "@every 30s")
//   - Cron: "* * * * *", "*/30 * * * * *", "@every 1m", "@hourly"
//   - "every:<duration>" and "cron:<expr>" force one interpretation
//
// An empty string yields DefaultSchedule.
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSchedule, nil
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "every:"):
		return everySpec(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}
	if spec, err := everySpec(s); err == nil {
		return spec, nil
	}
	return "", fmt.Errorf("invalid schedule %q (use a duration like '1m' or cron like '* * * * *')", raw)
}

func everySpec(v string) (string, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return "", fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return "", fmt.Errorf("interval %s is below one second", d)
	}
	return "@every " + d.String(), nil
}

func cronSpec(expr string) (string, error) {
	if expr == "" {
		return "", fmt.Errorf("cron schedule required")
	}
	if _, err := newParser().Parse(expr); err != nil {
		return "", fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return expr, nil
}
