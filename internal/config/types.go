package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	// Token may be left empty when NUDGEBOT_TELEGRAM_TOKEN is set.
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outgoing Telegram calls for the whole process.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RemindersConfig controls the deadline scheduler and the message pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so that an omitted key keeps reminders on while an
// explicit false turns the tick off.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - schedule: "@every 1m" (accepts "30s", "every:5m", "cron:*/2 * * * *")
//   - offsets: 2880, 1440, 360, 120, 60, 30, 10, 5, 1 (minutes)
//   - burst: 10
//   - batch_pacing: "1s"
//   - dispatch_timeout: "10s"
//   - timezone: Local
//   - workers: 1
type RemindersConfig struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	Schedule        string   `json:"schedule,omitempty"`
	Offsets         []int    `json:"offsets,omitempty"`
	Burst           int      `json:"burst,omitempty"`
	BatchPacing     string   `json:"batch_pacing,omitempty"`
	DispatchTimeout string   `json:"dispatch_timeout,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	Stickers        []string `json:"stickers,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nudgebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}
