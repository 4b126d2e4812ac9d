package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/desktop"
	"notifyd/internal/notifier"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/transport/ws"
	logx "notifyd/pkg/logx"
)

const (
	defaultAuditRetention = 30 * 24 * time.Hour
	defaultPruneSchedule  = "@daily"
)

// cronParser accepts 5- and 6-field specs plus descriptors like @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Journal: logx.JournalConfig{
			Enabled:    l.Journal.Enabled,
			Identifier: l.Journal.Identifier,
			MinLevel:   l.Journal.MinLevel,
			RatePerSec: l.Journal.RatePerSec,
		},
	}
}

func mapTransportConfig(cfg *Config) (ws.Config, error) {
	var t config.TransportConfig
	if cfg != nil {
		t = cfg.Transport
	}
	out := ws.Config{
		Socket:          strings.TrimSpace(t.Socket),
		Addr:            strings.TrimSpace(t.Addr),
		AuthToken:       strings.TrimSpace(t.AuthToken),
		MaxMessageBytes: t.MaxMessageBytes,
	}
	if out.Socket == "" && out.Addr == "" {
		out.Socket = config.DefaultSocketPath()
	}
	if out.MaxMessageBytes < 0 {
		return ws.Config{}, fmt.Errorf("transport.max_message_bytes must be >= 0")
	}
	var err error
	if out.WriteTimeout, err = parseDurationField("transport.write_timeout", t.WriteTimeout); err != nil {
		return ws.Config{}, err
	}
	if out.PingInterval, err = parseDurationField("transport.ping_interval", t.PingInterval); err != nil {
		return ws.Config{}, err
	}
	return out, nil
}

func mapDesktopConfig(cfg *Config) (desktop.Config, error) {
	var d config.DBusConfig
	if cfg != nil {
		d = cfg.DBus
	}
	if d.IconMaxSize < 0 {
		return desktop.Config{}, fmt.Errorf("dbus.icon_max_size must be >= 0")
	}
	expire, err := parseDurationField("dbus.expire_timeout", d.ExpireTimeout)
	if err != nil {
		return desktop.Config{}, err
	}
	return desktop.Config{
		AppName:       strings.TrimSpace(d.AppName),
		DesktopEntry:  strings.TrimSpace(d.DesktopEntry),
		ExpireTimeout: expire,
		IconMaxSize:   d.IconMaxSize,
		FallbackLog:   d.FallbackLog,
	}, nil
}

// mapNotifierConfig fills defaults. An omitted section means an enabled pipeline.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, retry_max and history_size must be >= 0")
	}
	base, err := parseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	if base > 0 && maxDelay > 0 && maxDelay < base {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max_delay must be >= notifier.retry_base")
	}
	sendTimeout, err := parseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
		HistorySize:   n.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	out := scheduler.Config{Restore: true}
	if cfg == nil {
		return out
	}
	s := cfg.Scheduler
	if s.Restore != nil {
		out.Restore = *s.Restore
	}
	out.Preview = s.Preview
	out.PreviewCount = s.PreviewCount
	return out
}

// mapStorageConfig reports enabled=false when storage is omitted or "none".
// The file driver defaults its path under the XDG data dir.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = config.DefaultDataPath("notifyd")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = config.DefaultDataPath("notifyd.db")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMaintenanceConfig(cfg *Config) (maintenanceConfig, error) {
	out := maintenanceConfig{Retention: defaultAuditRetention, Schedule: defaultPruneSchedule}
	if cfg == nil || cfg.Storage == nil {
		return out, nil
	}
	sc := cfg.Storage
	if raw := strings.TrimSpace(sc.AuditRetention); raw != "" {
		d, err := parseDurationField("storage.audit_retention", raw)
		if err != nil {
			return maintenanceConfig{}, err
		}
		out.Retention = d
	}
	if spec := strings.TrimSpace(sc.PruneSchedule); spec != "" {
		out.Schedule = spec
	}
	if _, err := cronParser.Parse(out.Schedule); err != nil {
		return maintenanceConfig{}, fmt.Errorf("storage.prune_schedule: invalid %q: %w", out.Schedule, err)
	}
	return out, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	p := cfg.Pprof
	out := pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Token:                strings.TrimSpace(p.Token),
		BlockProfileRate:     p.BlockProfileRate,
		MutexProfileFraction: p.MutexProfileFraction,
	}
	if err := out.Validate(); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed by a hot reload.
func validateConfig(cfg *Config) error {
	if _, err := mapTransportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDesktopConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if cfg != nil && cfg.Scheduler.PreviewCount < 0 {
		return fmt.Errorf("scheduler.preview_count must be >= 0")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
