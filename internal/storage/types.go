package storage

import (
	"context"
	"errors"
	"time"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Store is the persistence API used by the scheduler and the command
// interpreter.
type Store interface {
	// CreateTask inserts t, assigning ID, CreatedAt and Status when empty.
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	// ListOpenTasks returns open tasks with their fired phases, earliest
	// deadline first; tasks without a deadline come last.
	ListOpenTasks(ctx context.Context) ([]model.Task, error)
	// ListTasksForOwner returns every task of owner, plus tasks registered
	// under email when email is not empty, in deadline order.
	ListTasksForOwner(ctx context.Context, owner, email string) ([]model.Task, error)
	// CompleteTasks marks the owner's open tasks named label as done.
	CompleteTasks(ctx context.Context, owner, label string) (int, error)
	// MarkPhaseFired records p for the task unless it is already recorded.
	// It returns ErrNotFound for an unknown task.
	MarkPhaseFired(ctx context.Context, taskID string, p deadline.Phase) (model.MarkResult, error)

	// GetUser returns model.DefaultUser(id) when no record exists.
	GetUser(ctx context.Context, id string) (model.User, error)
	// SetUserEmail stores the user's email; created reports a new record.
	SetUserEmail(ctx context.Context, id, email string) (created bool, err error)
	SetNotifyEnabled(ctx context.Context, id string, enabled bool) error

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}
