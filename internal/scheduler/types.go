package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultWorkers  = 1
)

// Store is the slice of storage the loop needs.
type Store interface {
	ListOpenTasks(ctx context.Context) ([]model.Task, error)
	MarkPhaseFired(ctx context.Context, taskID string, p deadline.Phase) (model.MarkResult, error)
	GetUser(ctx context.Context, id string) (model.User, error)
}

type Composer interface {
	Compose(p deadline.Phase, label string, st deadline.State) []transport.Unit
}

type Sender interface {
	Send(ctx context.Context, recipient string, units []transport.Unit) error
}

// Config controls the reminder loop.
type Config struct {
	Enabled  bool
	Schedule string // cron expression, descriptor, or Go duration
	Offsets  []int  // minutes before the deadline; cleaned by NewPolicy
	Workers  int    // tasks evaluated concurrently within a tick
	Location *time.Location
}

// Report summarizes one evaluation pass.
type Report struct {
	Owner string // empty for a full tick
	At    time.Time
	Took  time.Duration

	Fetched        int
	Evaluated      int
	Fired          int
	AlreadyFired   int
	DispatchFailed int
	MarkFailed     int
	Muted          int
	Skipped        int
	Superseded     int // earlier windows recorded without a send

	FetchErr error
}

type Service struct {
	log      logx.Logger
	store    Store
	composer Composer
	sender   Sender
	now      func() time.Time

	// one slot: ticks never overlap
	sem chan struct{}

	mu      sync.Mutex
	cfg     Config
	spec    string
	policy  deadline.Policy
	parser  cron.Parser
	c       *cron.Cron
	runCtx  context.Context
	lastRep Report
}

type outcome int

const (
	outSkipped outcome = iota
	outMuted
	outFired
	outAlreadyFired
	outDispatchFailed
	outMarkFailed
)

func (r *Report) add(o outcome) {
	r.Evaluated++
	switch o {
	case outSkipped:
		r.Skipped++
	case outMuted:
		r.Muted++
	case outFired:
		r.Fired++
	case outAlreadyFired:
		r.AlreadyFired++
	case outDispatchFailed:
		r.DispatchFailed++
	case outMarkFailed:
		r.MarkFailed++
	}
}
