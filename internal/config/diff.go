package config

import (
	"reflect"
	"strings"

	logx "nudgebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes the token or the DSN).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		r := newCfg.Reminders
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", r.Enabled == nil || *r.Enabled),
			logx.String("reminders.schedule", r.Schedule),
			logx.Ints("reminders.offsets", r.Offsets),
			logx.String("reminders.timezone", r.Timezone),
			logx.Int("reminders.workers", r.Workers),
			logx.Int("reminders.stickers", len(r.Stickers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram != newCfg.Telegram {
		out = append(out, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}
