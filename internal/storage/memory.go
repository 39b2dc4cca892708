package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
)

// Memory is a process-local Store. All operations hold one mutex, so the
// phase check-and-insert is atomic.
type Memory struct {
	mu     sync.Mutex
	closed bool
	tasks  map[string]*model.Task
	users  map[string]model.User
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*model.Task),
		users: make(map[string]model.User),
	}
}

func (m *Memory) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Task{}, ErrClosed
	}
	t = prepareTask(t)
	if _, dup := m.tasks[t.ID]; dup {
		return model.Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	stored := t
	stored.History = deadline.NewHistory()
	m.tasks[t.ID] = &stored
	return t, nil
}

func (m *Memory) ListOpenTasks(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status == model.StatusOpen {
			out = append(out, copyTask(t))
		}
	}
	sortByDeadline(out)
	return out, nil
}

func (m *Memory) ListTasksForOwner(ctx context.Context, owner, email string) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []model.Task
	for _, t := range m.tasks {
		if t.Owner == owner || (email != "" && t.Email == email) {
			out = append(out, copyTask(t))
		}
	}
	sortByDeadline(out)
	return out, nil
}

func (m *Memory) CompleteTasks(ctx context.Context, owner, label string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, t := range m.tasks {
		if t.Owner == owner && t.Label == label && t.Status == model.StatusOpen {
			t.Status = model.StatusDone
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkPhaseFired(ctx context.Context, taskID string, p deadline.Phase) (model.MarkResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.History.Has(p) {
		return model.MarkAlreadyFired, nil
	}
	t.History.Add(p)
	return model.MarkFired, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.User{}, ErrClosed
	}
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return model.DefaultUser(id), nil
}

func (m *Memory) SetUserEmail(ctx context.Context, id, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	u, ok := m.users[id]
	if !ok {
		u = model.DefaultUser(id)
	}
	u.Email = email
	m.users[id] = u
	return !ok, nil
}

func (m *Memory) SetNotifyEnabled(ctx context.Context, id string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	u, ok := m.users[id]
	if !ok {
		u = model.DefaultUser(id)
	}
	u.NotifyEnabled = enabled
	m.users[id] = u
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func copyTask(t *model.Task) model.Task {
	c := *t
	c.History = deadline.NewHistory()
	for p := range t.History {
		c.History.Add(p)
	}
	return c
}

// sortByDeadline matches the SQL ordering: tasks with a full deadline first,
// by date then time, ties broken by creation.
func sortByDeadline(ts []model.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		am := a.Deadline.Date == "" || a.Deadline.Time == ""
		bm := b.Deadline.Date == "" || b.Deadline.Time == ""
		if am != bm {
			return !am
		}
		if a.Deadline.Date != b.Deadline.Date {
			return a.Deadline.Date < b.Deadline.Date
		}
		if a.Deadline.Time != b.Deadline.Time {
			return a.Deadline.Time < b.Deadline.Time
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
