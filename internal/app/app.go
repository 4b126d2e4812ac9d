package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifyd/internal/config"
	"notifyd/internal/desktop"
	"notifyd/internal/eventbus"
	"notifyd/internal/notifier"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/plugin"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/transport/ws"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgFound bool

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	backend desktop.Backend
	notif   *notifier.Service
	sched   *scheduler.Service
	plug    *plugin.Plugin
	server  *ws.Server
	maint   *maintenance
	pprof   *pprof.Service

	notifySystemd func(unsetEnv bool, state string) (bool, error)
}

// NewApp loads the config (a missing file means defaults) and builds every
// component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgm := NewConfigManager(cfgPath)
	cfg, found, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	if !found {
		log.Info("config file not found; using defaults", logx.String("path", cfgPath))
	}

	a := &App{
		cfgFound:      found,
		cfgm:          cfgm,
		log:           log.With(logx.String("comp", "app")),
		logs:          logSvc,
		bus:           eventbus.New(),
		notifySystemd: daemon.SdNotify,
	}
	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *Config, log logx.Logger) error {
	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	dcfg, err := mapDesktopConfig(cfg)
	if err != nil {
		return err
	}
	var slots desktop.SlotStore
	if a.store != nil {
		slots = a.store
	}
	backend, err := desktop.Open(dcfg, slots, log.With(logx.String("comp", "desktop")))
	if err != nil {
		a.closeStore()
		return err
	}
	a.backend = backend

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return a.abortBuild(err)
	}
	a.notif = notifier.New(ncfg, backend, log.With(logx.String("comp", "notifier")), a.bus)

	var (
		schedStore scheduler.ScheduleStore
		auditor    plugin.Auditor
	)
	if a.store != nil {
		schedStore = a.store
		auditor = a.store
	}
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.notif, log.With(logx.String("comp", "scheduler")), a.bus, schedStore)
	a.plug = plugin.New(a.sched, auditor, log.With(logx.String("comp", "plugin")), a.bus)

	tcfg, err := mapTransportConfig(cfg)
	if err != nil {
		return a.abortBuild(err)
	}
	a.server = ws.New(tcfg, a.plug, log.With(logx.String("comp", "transport")))
	a.plug.SetInvoker(a.server)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return a.abortBuild(err)
	}
	a.maint = newMaintenance(mcfg, a.store, log.With(logx.String("comp", "maintenance")), a.bus)
	a.pprof = pprof.New(log.With(logx.String("comp", "pprof")))
	a.pprof.Handle(historyPath, historyHandler(a.notif.Snapshot))
	return nil
}

func (a *App) abortBuild(err error) error {
	if a.backend != nil {
		_ = a.backend.Close()
	}
	a.closeStore()
	return err
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	// Components outlive the app context; Stop tears them down in order.
	runCtx := context.WithoutCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateConfig(cfg) })

	a.notif.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.plug.Start(runCtx); err != nil {
		return fmt.Errorf("plugin: %w", err)
	}
	if err := a.server.Start(runCtx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := a.maint.Start(runCtx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	if pcfg, err := mapPprofConfig(a.cfgm.Get()); err == nil {
		a.pprof.Apply(runCtx, pcfg)
	}

	// Keep this debug-level to avoid noise from frequent fires.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	if a.cfgFound {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for more := true; more; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					more = false
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections to their components.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))
	if pcfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Apply(context.Background(), pcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Stop callers first so nothing new reaches the scheduler, then drain
	// the dispatch pipeline before the desktop backend goes away.
	a.step(ctx, "transport", 2*time.Second, a.server.Stop)
	a.step(ctx, "plugin", 1*time.Second, a.plug.Stop)
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "maintenance", 1*time.Second, a.maint.Stop)
	a.step(ctx, "pprof", 1*time.Second, a.pprof.Stop)
	a.step(ctx, "desktop", 1*time.Second, func(context.Context) error { return a.backend.Close() })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
