// Package command interprets chat messages: task registration, contact and
// preference updates, and progress queries.
package command

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

const defaultTimeout = 15 * time.Second

// Store is the storage surface the commands use.
type Store interface {
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	ListTasksForOwner(ctx context.Context, owner, email string) ([]model.Task, error)
	CompleteTasks(ctx context.Context, owner, label string) (int, error)
	MarkPhaseFired(ctx context.Context, taskID string, p deadline.Phase) (model.MarkResult, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	SetUserEmail(ctx context.Context, id, email string) (bool, error)
	SetNotifyEnabled(ctx context.Context, id string, enabled bool) error
}

// Evaluator runs an on-demand reminder pass for one owner.
type Evaluator interface {
	EvaluateOwner(ctx context.Context, owner string) (scheduler.Report, error)
}

type Replier interface {
	SendText(ctx context.Context, recipient string, text string) error
}

type Config struct {
	Location *time.Location
	Offsets  []int
	Timeout  time.Duration // per message
}

// Request is one parsed message.
type Request struct {
	Owner   string
	Command string
	Args    []string
	Message *transport.Message
	Log     logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

// usageError is shown to the user verbatim.
type usageError string

func (e usageError) Error() string { return string(e) }

type Router struct {
	store Store
	eval  Evaluator
	reply Replier
	log   logx.Logger
	now   func() time.Time

	mu     sync.RWMutex
	cfg    Config
	policy deadline.Policy

	handlers map[string]HandlerFunc
}

// New wires the command set. eval may be nil, in which case /deadlines only
// lists.
func New(cfg Config, store Store, eval Evaluator, reply Replier, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{store: store, eval: eval, reply: reply, log: log, now: time.Now}
	r.Apply(cfg)

	mw := []Middleware{MWPanicRecover(log), MWRequestLog(log)}
	r.handlers = map[string]HandlerFunc{}
	for name, h := range map[string]HandlerFunc{
		"add":       r.cmdAdd,
		"email":     r.cmdEmail,
		"progress":  r.cmdProgress,
		"deadlines": r.cmdDeadlines,
		"done":      r.cmdDone,
		"notify":    r.cmdNotify,
		"help":      r.cmdHelp,
		"start":     r.cmdHelp,
	} {
		r.handlers[name] = Chain(h, mw...)
	}
	return r
}

func (r *Router) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	r.mu.Lock()
	r.cfg = cfg
	r.policy = deadline.NewPolicy(cfg.Offsets)
	r.mu.Unlock()
}

func (r *Router) config() (Config, deadline.Policy) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.policy
}

// Handle runs msg and returns the reply text. Unknown input yields help.
func (r *Router) Handle(ctx context.Context, msg *transport.Message) (string, error) {
	if msg == nil {
		return "", nil
	}
	toks := tokenize(msg.Text)
	if len(toks) == 0 {
		return "", nil
	}
	req := &Request{
		Owner:   strconv.FormatInt(msg.ChatID, 10),
		Command: commandName(toks[0]),
		Args:    toks[1:],
		Message: msg,
	}
	req.Log = r.log.With(logx.String("owner", req.Owner), logx.String("cmd", req.Command))

	h, ok := r.handlers[req.Command]
	if !ok {
		h = r.handlers["help"]
	}
	cfg, _ := r.config()
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return h(cctx, req)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handler failures are answered with an error reply.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			r.serve(ctx, up.Message)
		}
	}
}

func (r *Router) serve(ctx context.Context, msg *transport.Message) {
	out, err := r.Handle(ctx, msg)
	var ue usageError
	switch {
	case errors.As(err, &ue):
		out = ue.Error()
	case err != nil:
		out = "⚠️ Sorry, that did not work: " + err.Error()
	}
	if strings.TrimSpace(out) == "" {
		return
	}
	to := strconv.FormatInt(msg.ChatID, 10)
	if err := r.reply.SendText(ctx, to, out); err != nil {
		r.log.Warn("reply failed", logx.String("owner", to), logx.Err(err))
	}
}
