package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nudgebot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside a unit with
// NOTIFY_SOCKET every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(unsetEnv bool, state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{log: log, notify: daemon.SdNotify}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns at once when the watchdog is not enabled.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("sd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
