// Package systemd reports service state to the service manager via sd_notify.
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "rssbot/pkg/logx"
)

// Ready tells systemd startup is complete (Type=notify units).
func Ready(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func Stopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, text string) {
	notify(log, "STATUS="+text)
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half of WatchdogSec until ctx is
// done. healthy, if set, is checked before every ping; a failing check skips
// the ping so systemd restarts the unit.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("unhealthy; skipping watchdog ping", logx.Err(err))
					continue
				}
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
