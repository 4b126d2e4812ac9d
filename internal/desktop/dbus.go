//go:build linux

package desktop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const (
	notificationsObject    = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
	callNotify             = notificationsInterface + ".Notify"
	callCloseNotification  = notificationsInterface + ".CloseNotification"
	signalActionInvoked    = notificationsInterface + ".ActionInvoked"
	signalClosed           = notificationsInterface + ".NotificationClosed"

	actionDefault      = "default"
	actionButtonPrefix = "action-"
)

// sent is what the backend remembers about one delivered notification.
type sent struct {
	key string
	n   notify.Notification
}

// caller is the part of dbus.BusObject the backend uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type dbusBackend struct {
	cfg   Config
	log   logx.Logger
	slots SlotStore

	conn    *dbus.Conn
	obj     caller
	signals chan *dbus.Signal
	out     chan notify.Interaction
	done    chan struct{}
	wg      sync.WaitGroup

	// mu also serializes slot store writes so the store sees them in order.
	mu       sync.Mutex
	byKey    map[string]uint32
	byServer map[uint32]sent

	closeOnce sync.Once
}

func newDBus(cfg Config, slots SlotStore, log logx.Logger) (*dbusBackend, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	b := newDBusBackend(cfg, slots, log)
	b.conn = conn
	b.obj = conn.Object(notificationsInterface, notificationsObject)

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notificationsObject),
		dbus.WithMatchInterface(notificationsInterface),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register signal match: %w", err)
	}
	conn.Signal(b.signals)

	b.wg.Add(1)
	go b.listen()
	log.Info("desktop backend connected", logx.String("backend", "dbus"))
	return b, nil
}

// newDBusBackend builds the backend state without a connection and reloads
// the slots a previous run left behind.
func newDBusBackend(cfg Config, slots SlotStore, log logx.Logger) *dbusBackend {
	b := &dbusBackend{
		cfg:      cfg.withDefaults(),
		log:      log,
		slots:    slots,
		signals:  make(chan *dbus.Signal, 16),
		out:      make(chan notify.Interaction, interactionBuffer),
		done:     make(chan struct{}),
		byKey:    map[string]uint32{},
		byServer: map[uint32]sent{},
	}
	b.loadSlots()
	return b
}

func (b *dbusBackend) loadSlots() {
	if b.slots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), slotStoreTimeout)
	defer cancel()
	recs, err := b.slots.ListSlots(ctx)
	if err != nil {
		b.log.Warn("slot reload failed", logx.Err(err))
		return
	}
	for _, rec := range recs {
		var n notify.Notification
		if err := json.Unmarshal(rec.Notification, &n); err != nil || rec.ServerID == 0 {
			b.log.Warn("dropping unreadable slot", logx.String("key", rec.Key), logx.Err(err))
			_ = b.slots.DeleteSlot(ctx, rec.Key)
			continue
		}
		b.byKey[rec.Key] = rec.ServerID
		b.byServer[rec.ServerID] = sent{key: rec.Key, n: n}
	}
	if len(recs) > 0 {
		b.log.Info("desktop slots reloaded", logx.Int("count", len(b.byKey)))
	}
}

func (b *dbusBackend) Notify(ctx context.Context, key string, n notify.Notification) error {
	b.mu.Lock()
	replaces := b.byKey[key]
	b.mu.Unlock()

	appIcon, hints := b.hints(n)
	call := b.obj.CallWithContext(ctx, callNotify, 0,
		b.cfg.AppName,
		replaces,
		appIcon,
		n.Title,
		n.Body,
		actions(n),
		hints,
		b.cfg.expireMillis(),
	)
	if call.Err != nil {
		return fmt.Errorf("notify %s: %w", key, call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify %s: read id: %w", key, err)
	}
	b.remember(key, id, n)
	return nil
}

func (b *dbusBackend) remember(key string, id uint32, n notify.Notification) {
	// Icons are not needed to route interactions.
	n.Icon = nil

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.byKey[key]; ok && old != id {
		delete(b.byServer, old)
	}
	b.byKey[key] = id
	b.byServer[id] = sent{key: key, n: n}

	if b.slots == nil {
		return
	}
	raw, err := json.Marshal(n)
	if err != nil {
		b.log.Warn("slot encode failed", logx.String("key", key), logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), slotStoreTimeout)
	defer cancel()
	if err := b.slots.PutSlot(ctx, storage.SlotRecord{Key: key, ServerID: id, Notification: raw}); err != nil {
		b.log.Warn("slot persist failed", logx.String("key", key), logx.Err(err))
	}
}

// forgetLocked drops the slot for key. The caller holds b.mu.
func (b *dbusBackend) forgetLocked(key string) {
	if id, ok := b.byKey[key]; ok {
		delete(b.byKey, key)
		delete(b.byServer, id)
	}
	if b.slots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), slotStoreTimeout)
	defer cancel()
	if err := b.slots.DeleteSlot(ctx, key); err != nil {
		b.log.Warn("slot delete failed", logx.String("key", key), logx.Err(err))
	}
}

func (b *dbusBackend) CloseNotification(ctx context.Context, key string) error {
	b.mu.Lock()
	id, ok := b.byKey[key]
	if ok {
		b.forgetLocked(key)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if call := b.obj.CallWithContext(ctx, callCloseNotification, 0, id); call.Err != nil {
		// The server errors when the notification is already gone.
		b.log.Debug("close notification failed", logx.String("key", key), logx.Err(call.Err))
	}
	return nil
}

func (b *dbusBackend) Interactions() <-chan notify.Interaction { return b.out }

func (b *dbusBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.conn != nil {
			b.conn.RemoveSignal(b.signals)
			_ = b.conn.RemoveMatchSignal(
				dbus.WithMatchObjectPath(notificationsObject),
				dbus.WithMatchInterface(notificationsInterface),
			)
		}
		b.wg.Wait()
		close(b.out)
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}

func (b *dbusBackend) listen() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *dbusBackend) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	serverID, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}

	switch sig.Name {
	case signalActionInvoked:
		action, ok := sig.Body[1].(string)
		if !ok {
			return
		}
		b.mu.Lock()
		s, known := b.byServer[serverID]
		b.mu.Unlock()
		if !known {
			// Not one of ours.
			return
		}
		in, ok := interactionFor(s.n, action)
		if !ok {
			b.log.Debug("unknown action", logx.String("key", s.key), logx.String("action", action))
			return
		}
		select {
		case b.out <- in:
		default:
			b.log.Warn("interaction dropped", logx.String("key", s.key), logx.String("action", action))
		}

	case signalClosed:
		b.mu.Lock()
		if s, ok := b.byServer[serverID]; ok {
			if b.byKey[s.key] == serverID {
				b.forgetLocked(s.key)
			} else {
				delete(b.byServer, serverID)
			}
		}
		b.mu.Unlock()
	}
}

// interactionFor maps an action key back to the payload it targets.
func interactionFor(n notify.Notification, action string) (notify.Interaction, bool) {
	if action == actionDefault {
		return notify.Interaction{ID: n.ID, Payload: n.Payload, Action: action}, true
	}
	rest, ok := strings.CutPrefix(action, actionButtonPrefix)
	if !ok {
		return notify.Interaction{}, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || i >= len(n.Buttons) {
		return notify.Interaction{}, false
	}
	return notify.Interaction{ID: n.ID, Payload: n.Buttons[i].Payload, Action: action}, true
}

// actions lists (key, label) pairs: the default action then one per button.
func actions(n notify.Notification) []string {
	out := make([]string, 0, 2+2*len(n.Buttons))
	out = append(out, actionDefault, "")
	for i, btn := range n.Buttons {
		out = append(out, actionButtonPrefix+strconv.Itoa(i), btn.Label)
	}
	return out
}

// hints returns the app_icon argument and the hint dictionary for n.
func (b *dbusBackend) hints(n notify.Notification) (string, map[string]dbus.Variant) {
	h := map[string]dbus.Variant{}
	if b.cfg.DesktopEntry != "" {
		h["desktop-entry"] = dbus.MakeVariant(b.cfg.DesktopEntry)
	}
	if n.Icon == nil {
		return "", h
	}

	switch n.Icon.Source {
	case notify.IconTheme:
		return n.Icon.Name, h
	case notify.IconFile:
		if n.Icon.Path != "" {
			u := url.URL{Scheme: "file", Path: n.Icon.Path}
			h["image-path"] = dbus.MakeVariant(u.String())
		}
	case notify.IconBytes:
		img, err := decodeImageData(n.Icon.Data, b.cfg.IconMaxSize)
		if err != nil {
			b.log.Debug("icon bytes unusable", logx.Int64("id", n.ID), logx.Err(err))
			return "", h
		}
		h["image-data"] = dbus.MakeVariant(img)
	}
	return "", h
}
