package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notifyd/pkg/logx"
)

// Store is the persistence API used by the scheduler, the desktop backend,
// the plugin and maintenance jobs.
type Store interface {
	PutSchedule(ctx context.Context, rec ScheduleRecord) error
	DeleteSchedule(ctx context.Context, id int64) error
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)

	PutSlot(ctx context.Context, rec SlotRecord) error
	// DeleteSlot is a no-op for unknown keys.
	DeleteSlot(ctx context.Context, key string) error
	ListSlots(ctx context.Context) ([]SlotRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit removes audit entries older than before and reports how many went.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
