package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"
)

// New builds the loop. A config with an invalid schedule falls back to
// DefaultSchedule; use Apply to get the error.
func New(cfg Config, store Store, composer Composer, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		store:    store,
		composer: composer,
		sender:   sender,
		now:      time.Now,
		sem:      make(chan struct{}, 1),
		parser:   newParser(),
	}
	if err := s.Apply(cfg); err != nil {
		log.Warn("invalid reminder schedule, using default", logx.String("schedule", cfg.Schedule), logx.Err(err))
		cfg.Schedule = DefaultSchedule
		_ = s.Apply(cfg)
	}
	return s
}

// Apply swaps in a new configuration. A running trigger is re-registered
// when the schedule, zone or enabled flag change.
func (s *Service) Apply(cfg Config) error {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	policy := deadline.NewPolicy(cfg.Offsets)

	s.mu.Lock()
	defer s.mu.Unlock()
	old, oldSpec := s.cfg, s.spec
	s.cfg, s.spec, s.policy = cfg, spec, policy

	if s.c != nil && (oldSpec != spec || old.Enabled != cfg.Enabled || old.Location.String() != cfg.Location.String()) {
		s.restartLocked()
	}
	return nil
}

// Start begins cron triggering. Ticks run with ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.startLocked()
}

// Stop halts triggering and waits for a running tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running tick")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	if s.cfg.Enabled {
		if _, err := s.c.AddFunc(s.spec, s.cronTick); err != nil {
			// ParseSchedule already validated spec with the same parser.
			s.log.Error("register tick failed", logx.String("schedule", s.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("schedule", s.spec),
		logx.String("tz", s.cfg.Location.String()),
		logx.Ints("offsets", s.policy.Offsets()),
		logx.Int("workers", s.cfg.Workers),
	)
}

func (s *Service) restartLocked() {
	// Not waiting: a tick in flight reads config under s.mu.
	s.c.Stop()
	s.startLocked()
}

func (s *Service) cronTick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	s.Tick(ctx)
}

// Tick runs one full evaluation unless another is in progress, in which case
// it returns ran=false immediately.
func (s *Service) Tick(ctx context.Context) (rep Report, ran bool) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Debug("tick skipped: previous evaluation still running")
		return Report{}, false
	}
	defer func() { <-s.sem }()
	return s.run(ctx, ""), true
}

// EvaluateOwner evaluates only the owner's open tasks, waiting for a running
// tick to finish first.
func (s *Service) EvaluateOwner(ctx context.Context, owner string) (Report, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	defer func() { <-s.sem }()
	rep := s.run(ctx, owner)
	return rep, rep.FetchErr
}

// LastReport returns the most recent full tick's report.
func (s *Service) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRep
}

func (s *Service) snapshot() (Config, deadline.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.policy
}

func (s *Service) run(ctx context.Context, owner string) (rep Report) {
	cfg, policy := s.snapshot()
	now := s.now()
	started := time.Now()
	rep = Report{Owner: owner, At: now}
	defer func() {
		rep.Took = time.Since(started)
		s.logReport(rep)
		if owner == "" {
			s.mu.Lock()
			s.lastRep = rep
			s.mu.Unlock()
		}
	}()

	tasks, err := s.store.ListOpenTasks(ctx)
	if err != nil {
		s.log.Warn("fetch open tasks failed, retrying next tick", logx.Err(err))
		rep.FetchErr = err
		return rep
	}

	prefs := &prefCache{store: s.store, log: s.log, m: map[string]bool{}}
	var (
		mu         sync.Mutex
		g          errgroup.Group
		superseded atomic.Int64
	)
	g.SetLimit(cfg.Workers)
	for _, t := range tasks {
		if owner != "" && t.Owner != owner {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		rep.Fetched++
		t := t
		g.Go(func() error {
			o := s.evaluate(ctx, t, now, cfg.Location, policy, prefs, &superseded)
			mu.Lock()
			rep.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	rep.Superseded = int(superseded.Load())
	return rep
}

func (s *Service) evaluate(ctx context.Context, t model.Task, now time.Time, loc *time.Location, policy deadline.Policy, prefs *prefCache, superseded *atomic.Int64) outcome {
	st := deadline.Evaluate(t.Deadline, now, loc)
	if st.Kind == deadline.NoDeadline {
		return outSkipped
	}
	p, ok, skip := policy.Plan(st, t.History)
	if !ok && len(skip) == 0 {
		return outSkipped
	}
	log := s.log.With(logx.Task(t.ID, t.Owner))

	if !prefs.enabled(ctx, t.Owner) {
		log.Debug("notifications muted by owner")
		return outMuted
	}

	// Windows that opened while no tick ran are recorded, not sent.
	for _, ph := range skip {
		res, err := s.store.MarkPhaseFired(ctx, t.ID, ph)
		if err != nil {
			log.Warn("record skipped phase failed", logx.String("phase", ph.Key()), logx.Err(err))
			continue
		}
		if res == model.MarkFired {
			superseded.Add(1)
			log.Debug("phase skipped, window already passed", logx.String("phase", ph.Key()), logx.String("state", st.String()))
		}
	}
	if !ok {
		return outSkipped
	}
	log = log.With(logx.String("phase", p.Key()))

	units := s.composer.Compose(p, t.Label, st)
	if err := s.sender.Send(ctx, t.Owner, units); err != nil {
		log.Warn("dispatch failed, phase left unfired", logx.String("state", st.String()), logx.Err(err))
		return outDispatchFailed
	}

	res, err := s.store.MarkPhaseFired(ctx, t.ID, p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("task vanished before phase was recorded", logx.Err(err))
		return outMarkFailed
	case err != nil:
		log.Warn("record phase failed, will retry", logx.Err(err))
		return outMarkFailed
	case res == model.MarkAlreadyFired:
		log.Info("phase already recorded by a concurrent evaluation")
		return outAlreadyFired
	}
	log.Info("reminder sent", logx.String("state", st.String()), logx.Int("units", len(units)))
	return outFired
}

func (s *Service) logReport(rep Report) {
	fields := []logx.Field{
		logx.Int("fetched", rep.Fetched),
		logx.Int("fired", rep.Fired),
		logx.Int("already_fired", rep.AlreadyFired),
		logx.Int("dispatch_failed", rep.DispatchFailed),
		logx.Int("mark_failed", rep.MarkFailed),
		logx.Int("muted", rep.Muted),
		logx.Int("superseded", rep.Superseded),
		logx.Duration("took", rep.Took),
	}
	if rep.Owner != "" {
		fields = append(fields, logx.String("owner", rep.Owner))
	}
	if rep.Fired > 0 || rep.DispatchFailed > 0 || rep.MarkFailed > 0 {
		s.log.Info("evaluation finished", fields...)
		return
	}
	s.log.Debug("evaluation finished", fields...)
}

// prefCache memoizes owner preferences for one pass. Lookup errors count as
// enabled.
type prefCache struct {
	store Store
	log   logx.Logger
	sf    singleflight.Group

	mu sync.Mutex
	m  map[string]bool
}

func (c *prefCache) enabled(ctx context.Context, owner string) bool {
	c.mu.Lock()
	v, ok := c.m[owner]
	c.mu.Unlock()
	if ok {
		return v
	}
	res, _, _ := c.sf.Do(owner, func() (any, error) {
		u, err := c.store.GetUser(ctx, owner)
		on := true
		if err != nil {
			c.log.Warn("load owner preference failed, assuming enabled", logx.String("owner", owner), logx.Err(err))
		} else {
			on = u.NotifyEnabled
		}
		c.mu.Lock()
		c.m[owner] = on
		c.mu.Unlock()
		return on, nil
	})
	return res.(bool)
}
