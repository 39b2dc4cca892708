package scheduler

import (
	"fmt"

	logx "nudgebot/pkg/logx"
)

// cronLogger routes robfig/cron's logging onto logx. Info is demoted to debug;
// cron reports every wake-up there.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if !l.log.Enabled(logx.LevelDebug) {
		return
	}
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
