package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/command"
	"nudgebot/internal/config"
	"nudgebot/internal/deadline"
	"nudgebot/internal/notifier"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/storage"
	"nudgebot/internal/transport/telegram"
	logx "nudgebot/pkg/logx"
)

// reminderSettings is the reminders section mapped onto its consumers.
type reminderSettings struct {
	sched    scheduler.Config
	compose  notifier.ComposerConfig
	dispatch notifier.DispatchConfig
	command  command.Config

	// rejectedOffsets were dropped as non-positive or duplicate.
	rejectedOffsets []int
	// every is the tick interval of an @every schedule; zero for cron.
	every time.Duration
	// minGap is the tightest spacing between offsets, counting the
	// smallest offset against the deadline itself.
	minGap time.Duration
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set %s)", config.EnvToken)
	}
	poll, err := config.ParseDuration("telegram.poll_timeout", tc.PollTimeout, telegram.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if tc.RatePerSec < 0 {
		return telegram.Config{}, errors.New("telegram.rate_per_sec must be >= 0")
	}
	rps := float64(tc.RatePerSec)
	if rps == 0 {
		rps = telegram.DefaultRatePerSec
	}
	return telegram.Config{Token: strings.TrimSpace(tc.Token), PollTimeout: poll, RatePerSec: rps}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if path == "" {
			path = "./data/nudgebot.db"
		}
	case "postgres", "postgresql":
		driver = "postgres"
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	if sc.MaxConns < 0 {
		return storage.Config{}, errors.New("storage.max_conns must be >= 0")
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapRemindersConfig(cfg *config.Config) (reminderSettings, error) {
	rc := cfg.Reminders

	loc, err := config.ParseLocation("reminders.timezone", rc.Timezone)
	if err != nil {
		return reminderSettings{}, err
	}
	spec, err := scheduler.ParseSchedule(rc.Schedule)
	if err != nil {
		return reminderSettings{}, fmt.Errorf("reminders.schedule: %w", err)
	}
	pacing, err := config.ParseDuration("reminders.batch_pacing", rc.BatchPacing, notifier.DefaultPacing)
	if err != nil {
		return reminderSettings{}, err
	}
	callTimeout, err := config.ParseDuration("reminders.dispatch_timeout", rc.DispatchTimeout, notifier.DefaultCallTimeout)
	if err != nil {
		return reminderSettings{}, err
	}
	if rc.Workers < 0 {
		return reminderSettings{}, errors.New("reminders.workers must be >= 0")
	}
	if rc.Burst < 0 {
		return reminderSettings{}, errors.New("reminders.burst must be >= 0")
	}

	offsets := rc.Offsets
	if len(offsets) == 0 {
		offsets = deadline.DefaultOffsets
	}
	valid, rejected := deadline.CleanOffsets(offsets)
	if len(valid) == 0 {
		return reminderSettings{}, errors.New("reminders.offsets: no positive offsets")
	}

	enabled := rc.Enabled == nil || *rc.Enabled
	return reminderSettings{
		sched: scheduler.Config{
			Enabled:  enabled,
			Schedule: rc.Schedule,
			Offsets:  valid,
			Workers:  rc.Workers,
			Location: loc,
		},
		compose:         notifier.ComposerConfig{Burst: rc.Burst, Stickers: rc.Stickers},
		dispatch:        notifier.DispatchConfig{Pacing: pacing, CallTimeout: callTimeout},
		command:         command.Config{Location: loc, Offsets: valid},
		rejectedOffsets: rejected,
		every:           everyInterval(spec),
		minGap:          minOffsetGap(valid),
	}, nil
}

func everyInterval(spec string) time.Duration {
	v, ok := strings.CutPrefix(spec, "@every ")
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return d
}

// minOffsetGap expects offsets sorted descending, as CleanOffsets returns them.
func minOffsetGap(offsets []int) time.Duration {
	if len(offsets) == 0 {
		return 0
	}
	gap := offsets[len(offsets)-1]
	for i := 1; i < len(offsets); i++ {
		if d := offsets[i-1] - offsets[i]; d < gap {
			gap = d
		}
	}
	return time.Duration(gap) * time.Minute
}

// validateConfig checks every section the way startup maps it.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapRemindersConfig(cfg)
	return err
}

func warnReminders(log logx.Logger, rs reminderSettings) {
	if len(rs.rejectedOffsets) > 0 {
		log.Warn("ignoring invalid reminder offsets",
			logx.Ints("rejected", rs.rejectedOffsets), logx.Ints("offsets", rs.sched.Offsets))
	}
	if rs.coarseSchedule() {
		log.Warn("reminder schedule is coarser than the offset spacing; some reminders will be recorded without a send",
			logx.Duration("every", rs.every), logx.Duration("min_gap", rs.minGap), logx.Ints("offsets", rs.sched.Offsets))
	}
}

// coarseSchedule reports whether a tick can jump over a whole offset window.
func (rs reminderSettings) coarseSchedule() bool {
	return rs.every > 0 && rs.minGap > 0 && rs.every > rs.minGap
}
