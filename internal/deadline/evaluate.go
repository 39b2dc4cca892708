package deadline

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a task's deadline relative to a reference instant.
type Kind int

const (
	NoDeadline Kind = iota
	Pending
	Overdue
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Overdue:
		return "overdue"
	default:
		return "no_deadline"
	}
}

// Deadline is a local (date, time-of-day) pair as stored on a task.
// Either part may be empty.
type Deadline struct {
	Date string // YYYY-MM-DD
	Time string // HH:MM or HH:MM:SS
}

func (d Deadline) IsZero() bool {
	return strings.TrimSpace(d.Date) == "" || strings.TrimSpace(d.Time) == ""
}

func (d Deadline) String() string {
	return strings.TrimSpace(strings.TrimSpace(d.Date) + " " + strings.TrimSpace(d.Time))
}

// State is the evaluator's output. Minutes is the whole number of minutes
// remaining (Pending) or elapsed (Overdue); it is 0 for NoDeadline.
type State struct {
	Kind    Kind
	Minutes int
}

func (s State) String() string {
	switch s.Kind {
	case Pending:
		return fmt.Sprintf("pending(%dm)", s.Minutes)
	case Overdue:
		return fmt.Sprintf("overdue(%dm)", s.Minutes)
	default:
		return "no_deadline"
	}
}

const layout = "2006-01-02 15:04:05"

// At resolves the deadline to an instant in loc.
// ok is false when a part is missing or does not parse.
func (d Deadline) At(loc *time.Location) (t time.Time, ok bool) {
	if d.IsZero() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(d.Date)+" "+NormalizeTime(d.Time), loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeTime pads a time-of-day to HH:MM:SS. "9:05" becomes "09:05:00",
// "21:00" becomes "21:00:00". Values it cannot interpret are returned trimmed
// so that parsing fails downstream.
func NormalizeTime(raw string) string {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return s
	}
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		}
	}
	if len(parts) == 2 {
		parts = append(parts, "00")
	}
	return strings.Join(parts, ":")
}

// Evaluate classifies d against now. The deadline is interpreted in loc, the
// single operating zone shared with every caller.
func Evaluate(d Deadline, now time.Time, loc *time.Location) State {
	at, ok := d.At(loc)
	if !ok {
		return State{Kind: NoDeadline}
	}
	diff := at.Sub(now)
	if diff >= 0 {
		return State{Kind: Pending, Minutes: int(diff / time.Minute)}
	}
	return State{Kind: Overdue, Minutes: int(-diff / time.Minute)}
}
