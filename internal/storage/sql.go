package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	logx "nudgebot/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool // postgres-style $1, $2, ...
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, owner_id, email, label, due_date, due_time, status, created_at`

// Fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const deadlineOrder = ` ORDER BY (due_date IS NULL OR due_time IS NULL), due_date, due_time, created_at`

func (s *sqlStore) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if s.db == nil {
		return model.Task{}, ErrClosed
	}
	t = prepareTask(t)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		t.ID, t.Owner, t.Email, t.Label,
		nullStr(t.Deadline.Date), nullStr(t.Deadline.Time),
		string(t.Status), t.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *sqlStore) ListOpenTasks(ctx context.Context) ([]model.Task, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE status = ?`+deadlineOrder), string(model.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("select open tasks: %w", err)
	}
	tasks, err := s.scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	prow, err := s.db.QueryContext(ctx, s.q(
		`SELECT p.task_id, p.phase FROM task_phases p JOIN tasks t ON t.id = p.task_id WHERE t.status = ?`),
		string(model.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("select task phases: %w", err)
	}
	defer prow.Close()

	byID := make(map[string]int, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = i
	}
	for prow.Next() {
		var id, key string
		if err := prow.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan task phase: %w", err)
		}
		i, ok := byID[id]
		if !ok {
			// task changed status between the two queries
			continue
		}
		ph, err := deadline.ParsePhase(key)
		if err != nil {
			s.log.Debug("ignoring unknown phase", logx.String("task", id), logx.String("phase", key))
			continue
		}
		tasks[i].History.Add(ph)
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("iterate task phases: %w", err)
	}
	return tasks, nil
}

func (s *sqlStore) ListTasksForOwner(ctx context.Context, owner, email string) ([]model.Task, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = ?`
	args := []any{owner}
	if email = strings.TrimSpace(email); email != "" {
		query += ` OR email = ?`
		args = append(args, email)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+deadlineOrder), args...)
	if err != nil {
		return nil, fmt.Errorf("select owner tasks: %w", err)
	}
	return s.scanTasks(rows)
}

func (s *sqlStore) CompleteTasks(ctx context.Context, owner, label string) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = ? WHERE owner_id = ? AND label = ? AND status = ?`),
		string(model.StatusDone), owner, label, string(model.StatusOpen))
	if err != nil {
		return 0, fmt.Errorf("complete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) MarkPhaseFired(ctx context.Context, taskID string, p deadline.Phase) (model.MarkResult, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	key := p.Key()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO task_phases(task_id, phase, fired_at)
		 SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT) WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ?)
		 ON CONFLICT(task_id, phase) DO NOTHING`),
		taskID, key, time.Now().UTC().Format(timeLayout), taskID)
	if err != nil {
		return 0, fmt.Errorf("insert task phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return model.MarkFired, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM task_phases WHERE task_id = ? AND phase = ?`), taskID, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("check task phase: %w", err)
	}
	return model.MarkAlreadyFired, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (model.User, error) {
	if s.db == nil {
		return model.User{}, ErrClosed
	}
	u := model.User{ID: id}
	var enabled int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT email, notify_enabled FROM users WHERE id = ?`), id).Scan(&u.Email, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultUser(id), nil
	}
	if err != nil {
		return model.User{}, fmt.Errorf("select user: %w", err)
	}
	u.NotifyEnabled = enabled != 0
	return u, nil
}

func (s *sqlStore) SetUserEmail(ctx context.Context, id, email string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM users WHERE id = ?`), id).Scan(&one)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("select user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO users(id, email) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email`), id, email)
	if err != nil {
		return false, fmt.Errorf("upsert user email: %w", err)
	}
	return created, nil
}

func (s *sqlStore) SetNotifyEnabled(ctx context.Context, id string, enabled bool) error {
	if s.db == nil {
		return ErrClosed
	}
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO users(id, notify_enabled) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET notify_enabled = excluded.notify_enabled`), id, v)
	if err != nil {
		return fmt.Errorf("upsert user preference: %w", err)
	}
	return nil
}

func (s *sqlStore) scanTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		var (
			t               model.Task
			date, tod       sql.NullString
			status, created string
		)
		if err := rows.Scan(&t.ID, &t.Owner, &t.Email, &t.Label, &date, &tod, &status, &created); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Deadline = deadline.Deadline{Date: date.String, Time: tod.String}
		t.Status = model.ParseStatus(status)
		t.History = deadline.NewHistory()
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func prepareTask(t model.Task) model.Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = model.StatusOpen
	}
	t.Deadline.Date = strings.TrimSpace(t.Deadline.Date)
	t.Deadline.Time = strings.TrimSpace(t.Deadline.Time)
	if t.Deadline.Time != "" {
		t.Deadline.Time = deadline.NormalizeTime(t.Deadline.Time)
	}
	t.History = deadline.NewHistory()
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
