// Package app wires configuration, storage, the Telegram channel, the
// reminder loop and the command interpreter into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/command"
	"nudgebot/internal/config"
	"nudgebot/internal/notifier"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/storage"
	"nudgebot/internal/transport"
	"nudgebot/internal/transport/telegram"
	logx "nudgebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	sd   *sdNotifier

	store      storage.Store
	adapter    *telegram.Adapter
	composer   *notifier.Composer
	dispatcher *notifier.Dispatcher
	sched      *scheduler.Service
	router     *command.Router

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	rs, err := mapRemindersConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	warnReminders(log, rs)

	composer := notifier.NewComposer(rs.compose, nil)
	dispatcher := notifier.NewDispatcher(ad, rs.dispatch, root.With(logx.String("comp", "notifier")))
	sched := scheduler.New(rs.sched, store, composer, dispatcher, root.With(logx.String("comp", "scheduler")))
	router := command.New(rs.command, store, sched, ad, root.With(logx.String("comp", "command")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		sd:         newSDNotifier(root.With(logx.String("comp", "systemd"))),
		store:      store,
		adapter:    ad,
		composer:   composer,
		dispatcher: dispatcher,
		sched:      sched,
		router:     router,
		updates:    make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go0("commands.dispatch", func(c context.Context) {
		a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a committed reload into the live components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	for _, s := range config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	rs, err := mapRemindersConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		return
	}
	warnReminders(a.log, rs)
	if err := a.sched.Apply(rs.sched); err != nil {
		a.log.Warn("invalid reminder schedule; keeping previous", logx.Err(err))
		return
	}
	a.composer.Apply(rs.compose)
	a.dispatcher.Apply(rs.dispatch)
	a.router.Apply(rs.command)

	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
