package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"transport": true, "dbus": true, "storage": true}

// RequiresRestart reports whether a changed section is applied only at startup.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (auth tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.journal_enabled", newCfg.Logging.Journal.Enabled),
		)
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	tokenChanged := strings.TrimSpace(ot.AuthToken) != strings.TrimSpace(nt.AuthToken)
	ot.AuthToken, nt.AuthToken = "", ""
	if tokenChanged || !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.socket", strings.TrimSpace(nt.Socket)),
			logx.String("transport.addr", strings.TrimSpace(nt.Addr)),
			logx.Bool("transport.token_set", strings.TrimSpace(newCfg.Transport.AuthToken) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.DBus, newCfg.DBus) {
		changed = append(changed, "dbus")
		attrs = append(attrs,
			logx.String("dbus.app_name", newCfg.DBus.AppName),
			logx.Bool("dbus.fallback_log", newCfg.DBus.FallbackLog),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.preview", newCfg.Scheduler.Preview),
			logx.Int("scheduler.preview_count", newCfg.Scheduler.PreviewCount),
		)
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = "", ""
	if oldCfg.Pprof.Token != newCfg.Pprof.Token || op != np {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", np.Addr),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Int("notifier.retry_max", n.RetryMax),
			)
		} else {
			attrs = append(attrs, logx.Bool("notifier.present", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if st := newCfg.Storage; st != nil {
			attrs = append(attrs,
				logx.String("storage.driver", st.Driver),
				logx.String("storage.prune_schedule", st.PruneSchedule),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.present", false))
		}
	}

	return changed, attrs
}
