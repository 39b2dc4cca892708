// Package model holds the task and user records shared by the store, the
// scheduler and the command interpreter.
package model

import (
	"strings"
	"time"

	"nudgebot/internal/deadline"
)

type Status string

const (
	StatusOpen Status = "open"
	StatusDone Status = "done"
)

// ParseStatus maps stored values onto a Status. Unknown values read as open.
func ParseStatus(s string) Status {
	if strings.EqualFold(strings.TrimSpace(s), string(StatusDone)) {
		return StatusDone
	}
	return StatusOpen
}

type Task struct {
	ID        string
	Owner     string // channel-native recipient id
	Email     string // optional collaborator contact
	Label     string
	Deadline  deadline.Deadline
	Status    Status
	History   deadline.History
	CreatedAt time.Time
}

type User struct {
	ID            string
	Email         string
	NotifyEnabled bool
}

// DefaultUser is what callers see for an id with no stored record.
func DefaultUser(id string) User {
	return User{ID: id, NotifyEnabled: true}
}

// MarkResult is the outcome of a conditional phase write.
type MarkResult int

const (
	// MarkFired means this call recorded the phase.
	MarkFired MarkResult = iota + 1
	// MarkAlreadyFired means the phase was already recorded, by an earlier
	// tick or a concurrent evaluation.
	MarkAlreadyFired
)

func (r MarkResult) String() string {
	switch r {
	case MarkFired:
		return "fired"
	case MarkAlreadyFired:
		return "already_fired"
	default:
		return "unknown"
	}
}
