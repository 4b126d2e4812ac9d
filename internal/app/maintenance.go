package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type maintenanceConfig struct {
	// Retention <= 0 keeps audit rows forever.
	Retention time.Duration
	Schedule  string
}

type pruneEvent struct {
	Removed int64     `json:"removed"`
	Before  time.Time `json:"before"`
	TookMS  int64     `json:"took_ms"`
	Err     string    `json:"err,omitempty"`
}

// maintenance runs periodic housekeeping against the store.
type maintenance struct {
	cfg   maintenanceConfig
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func newMaintenance(cfg maintenanceConfig, store storage.Store, log logx.Logger, bus eventbus.Bus) *maintenance {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &maintenance{cfg: cfg, store: store, log: log, bus: bus, now: time.Now}
}

func (m *maintenance) Start(ctx context.Context) error {
	if m.store == nil || m.cfg.Retention <= 0 {
		m.log.Debug("audit pruning disabled")
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DiscardLogger)))
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(m.cfg.Schedule, func() { _, _ = m.prune(runCtx) }); err != nil {
		return err
	}
	c.Start()
	m.c = c
	m.log.Info("audit pruning scheduled", logx.String("schedule", m.cfg.Schedule), logx.Duration("retention", m.cfg.Retention))
	return nil
}

func (m *maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune removes audit rows older than the retention window.
func (m *maintenance) prune(ctx context.Context) (int64, error) {
	start := time.Now()
	before := m.now().Add(-m.cfg.Retention)
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := m.store.PruneAudit(pctx, before)
	ev := pruneEvent{Removed: n, Before: before, TookMS: time.Since(start).Milliseconds()}
	if err != nil {
		ev.Err = err.Error()
		m.log.Warn("audit prune failed", logx.Err(err))
	} else if n > 0 {
		m.log.Info("audit pruned", logx.Int64("removed", n), logx.Time("before", before))
	} else {
		m.log.Debug("audit prune found nothing", logx.Time("before", before))
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: "storage.audit_pruned", Time: time.Now(), Data: ev})
	}
	return n, err
}
