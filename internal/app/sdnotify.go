package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "notifyd/pkg/logx"
)

// sdNotify sends a state line to systemd. Outside a unit it does nothing.
func (a *App) sdNotify(state string) {
	sent, err := a.notifySystemd(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WATCHDOG_USEC.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog config unreadable", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
