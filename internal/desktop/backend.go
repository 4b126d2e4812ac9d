// Package desktop talks to the freedesktop notification surface.
//
// The D-Bus backend drives org.freedesktop.Notifications on the session bus
// and maps ActionInvoked signals back to notification interactions. The log
// backend only records deliveries; it is used headless and as a fallback when
// the session bus is unreachable.
package desktop

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Backend is a desktop notification surface.
type Backend interface {
	// Notify shows n under key. Showing the same key again replaces the
	// previous content in place.
	Notify(ctx context.Context, key string, n notify.Notification) error
	// CloseNotification removes what is shown under key. Unknown keys are a no-op.
	CloseNotification(ctx context.Context, key string) error
	// Interactions reports user activations. It may be nil.
	Interactions() <-chan notify.Interaction
	Close() error
}

// SlotStore keeps the key to server id links across restarts.
// storage.Store satisfies it.
type SlotStore interface {
	PutSlot(ctx context.Context, rec storage.SlotRecord) error
	DeleteSlot(ctx context.Context, key string) error
	ListSlots(ctx context.Context) ([]storage.SlotRecord, error)
}

type Config struct {
	AppName      string
	DesktopEntry string
	// ExpireTimeout <= 0 leaves expiry to the server.
	ExpireTimeout time.Duration
	IconMaxSize   int
	FallbackLog   bool
}

const (
	defaultAppName     = "notifyd"
	defaultIconMaxSize = 128
	interactionBuffer  = 32
	slotStoreTimeout   = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.AppName == "" {
		c.AppName = defaultAppName
	}
	if c.IconMaxSize <= 0 {
		c.IconMaxSize = defaultIconMaxSize
	}
	return c
}

// expireMillis converts the timeout to the D-Bus convention (-1 = server default).
func (c Config) expireMillis() int32 {
	if c.ExpireTimeout <= 0 {
		return -1
	}
	return int32(c.ExpireTimeout / time.Millisecond)
}

// Open connects the D-Bus backend. When the session bus is unreachable and
// FallbackLog is set, it returns the log backend instead. slots may be nil,
// in which case server ids are only kept in memory.
func Open(cfg Config, slots SlotStore, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	b, err := newDBus(cfg, slots, log)
	if err == nil {
		return b, nil
	}
	if !cfg.FallbackLog {
		return nil, fmt.Errorf("desktop backend: %w", err)
	}
	log.Warn("session bus unavailable; notifications will only be logged", logx.Err(err))
	return NewLogBackend(log), nil
}
