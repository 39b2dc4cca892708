package command

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/dustin/go-humanize"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	logx "nudgebot/pkg/logx"
)

const helpText = "📌 Commands:\n" +
	"/add <task> [YYYY-MM-DD] [HH:MM]\n" +
	"/email <address>\n" +
	"/progress\n" +
	"/deadlines\n" +
	"/done <task>\n" +
	"/notify on|off"

const usageAdd = usageError("⚠️ Usage: /add <task> [YYYY-MM-DD] [HH:MM]")

func (r *Router) cmdHelp(ctx context.Context, req *Request) (string, error) {
	return helpText, nil
}

// cmdAdd registers a task. The date defaults to today; without a time the
// task has no deadline and is never reminded.
func (r *Router) cmdAdd(ctx context.Context, req *Request) (string, error) {
	args := req.Args
	if len(args) == 0 {
		return "", usageAdd
	}
	cfg, policy := r.config()
	now := r.now().In(cfg.Location)

	label := args[0]
	date, tod := now.Format("2006-01-02"), ""
	switch rest := args[1:]; len(rest) {
	case 0:
	case 1:
		switch {
		case isDate(rest[0]):
			date = rest[0]
		case isTime(rest[0]):
			tod = rest[0]
		default:
			return "", usageAdd
		}
	case 2:
		if !isDate(rest[0]) || !isTime(rest[1]) {
			return "", usageAdd
		}
		date, tod = rest[0], rest[1]
	default:
		return "", usageAdd
	}

	user, err := r.store.GetUser(ctx, req.Owner)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	task, err := r.store.CreateTask(ctx, model.Task{
		Owner:    req.Owner,
		Email:    user.Email,
		Label:    label,
		Deadline: deadline.Deadline{Date: date, Time: tod},
	})
	if err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🆕 Added %q", label)
	st := deadline.Evaluate(task.Deadline, now, cfg.Location)
	if st.Kind != deadline.NoDeadline {
		fmt.Fprintf(&b, " (due %s)", formatDue(task.Deadline))
	}
	// Windows that opened before registration are recorded so they are not
	// sent one per tick as catch-up.
	for _, p := range policy.Passed(st) {
		if _, err := r.store.MarkPhaseFired(ctx, task.ID, p); err != nil {
			req.Log.Warn("seed passed phase failed", logx.Task(task.ID, task.Owner), logx.String("phase", p.Key()), logx.Err(err))
		}
	}
	if st.Kind == deadline.Overdue {
		b.WriteString("\n⏰ That deadline has already passed.")
	}
	if user.Email == "" {
		b.WriteString("\n💡 Register an email with /email <address> to share tasks across chats.")
	}
	return b.String(), nil
}

func (r *Router) cmdEmail(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", usageError("⚠️ Usage: /email <address>")
	}
	addr, err := mail.ParseAddress(req.Args[0])
	if err != nil || addr.Name != "" {
		return "", usageError("⚠️ That does not look like an email address.")
	}
	created, err := r.store.SetUserEmail(ctx, req.Owner, addr.Address)
	if err != nil {
		return "", fmt.Errorf("save email: %w", err)
	}
	if created {
		return "📧 Email registered: " + addr.Address, nil
	}
	return "📧 Email updated: " + addr.Address, nil
}

func (r *Router) ownerTasks(ctx context.Context, owner string) ([]model.Task, error) {
	user, err := r.store.GetUser(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	tasks, err := r.store.ListTasksForOwner(ctx, owner, user.Email)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (r *Router) cmdProgress(ctx context.Context, req *Request) (string, error) {
	tasks, err := r.ownerTasks(ctx, req.Owner)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "📭 No tasks yet.", nil
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("🔹 %s - %s [%s]", t.Label, formatDue(t.Deadline), t.Status))
	}
	return strings.Join(lines, "\n"), nil
}

// cmdDeadlines lists tasks with relative due times, then runs an immediate
// reminder pass for the chat.
func (r *Router) cmdDeadlines(ctx context.Context, req *Request) (string, error) {
	tasks, err := r.ownerTasks(ctx, req.Owner)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "📭 No tasks yet.", nil
	}
	cfg, _ := r.config()
	now := r.now()

	lines := make([]string, 0, len(tasks)+1)
	for _, t := range tasks {
		line := fmt.Sprintf("🔹 %s - %s [%s]", t.Label, formatDue(t.Deadline), t.Status)
		if at, ok := t.Deadline.At(cfg.Location); ok && t.Status == model.StatusOpen {
			line += " (" + humanize.RelTime(at, now, "ago", "from now") + ")"
		}
		lines = append(lines, line)
	}

	if r.eval != nil {
		rep, err := r.eval.EvaluateOwner(ctx, req.Owner)
		switch {
		case err != nil:
			req.Log.Warn("on-demand evaluation failed", logx.Err(err))
		case rep.Fired == 1:
			lines = append(lines, "🔔 Sent 1 reminder.")
		case rep.Fired > 1:
			lines = append(lines, fmt.Sprintf("🔔 Sent %d reminders.", rep.Fired))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (r *Router) cmdDone(ctx context.Context, req *Request) (string, error) {
	label := strings.TrimSpace(strings.Join(req.Args, " "))
	if label == "" {
		return "", usageError("⚠️ Usage: /done <task>")
	}
	n, err := r.store.CompleteTasks(ctx, req.Owner, label)
	if err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}
	switch n {
	case 0:
		return fmt.Sprintf("🤔 No open task named %q.", label), nil
	case 1:
		return fmt.Sprintf("✅ Marked %q as done.", label), nil
	default:
		return fmt.Sprintf("✅ Marked %d tasks named %q as done.", n, label), nil
	}
}

func (r *Router) cmdNotify(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", usageError("⚠️ Usage: /notify on|off")
	}
	var on bool
	switch strings.ToLower(req.Args[0]) {
	case "on", "yes", "enable":
		on = true
	case "off", "no", "disable":
	default:
		return "", usageError("⚠️ Usage: /notify on|off")
	}
	if err := r.store.SetNotifyEnabled(ctx, req.Owner, on); err != nil {
		return "", fmt.Errorf("save preference: %w", err)
	}
	if on {
		return "🔔 Reminders enabled.", nil
	}
	return "🔕 Reminders muted.", nil
}

func formatDue(d deadline.Deadline) string {
	tod := d.Time
	if len(tod) == len("15:04:05") && strings.HasSuffix(tod, ":00") {
		tod = tod[:5]
	}
	if s := strings.TrimSpace(d.Date + " " + tod); s != "" {
		return s
	}
	return "undecided"
}
