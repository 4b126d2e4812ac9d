package desktop

import (
	"context"
	"sort"
	"sync"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

// LogBackend records deliveries in the log and never reports interactions.
type LogBackend struct {
	log logx.Logger

	mu    sync.Mutex
	shown map[string]notify.Notification
}

func NewLogBackend(log logx.Logger) *LogBackend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogBackend{log: log, shown: map[string]notify.Notification{}}
}

func (b *LogBackend) Notify(ctx context.Context, key string, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	_, replaced := b.shown[key]
	b.shown[key] = n
	b.mu.Unlock()
	b.log.Info("notification",
		logx.String("key", key),
		logx.String("title", n.Title),
		logx.String("body", truncate(n.Body, 120)),
		logx.Int("buttons", len(n.Buttons)),
		logx.Bool("replaced", replaced),
	)
	return nil
}

func (b *LogBackend) CloseNotification(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	_, ok := b.shown[key]
	delete(b.shown, key)
	b.mu.Unlock()
	if ok {
		b.log.Info("notification closed", logx.String("key", key))
	}
	return nil
}

func (b *LogBackend) Interactions() <-chan notify.Interaction { return nil }

func (b *LogBackend) Close() error { return nil }

// Shown returns the keys currently considered on screen, sorted.
func (b *LogBackend) Shown() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.shown))
	for k := range b.shown {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
