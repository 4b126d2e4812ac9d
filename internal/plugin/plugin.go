// Package plugin serves the notification method channel. It decodes
// method-call arguments, builds notifications, drives the scheduler and
// forwards user interactions back to connected callers.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notifier"
	"notifyd/internal/notify"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

// Scheduler is the registry the plugin drives.
type Scheduler interface {
	Show(ctx context.Context, n notify.Notification) error
	PeriodicallyShow(ctx context.Context, n notify.Notification, interval scheduler.RepeatInterval) error
	ZonedSchedule(ctx context.Context, n notify.Notification, target time.Time, comps *scheduler.DateTimeComponents) error
	Cancel(ctx context.Context, id int64) error
	CancelAll(ctx context.Context) ([]int64, error)
	SetShown(ctx context.Context, ids []int64) error
	Shown(ctx context.Context) ([]int64, error)
	Pending(ctx context.Context) ([]scheduler.Pending, error)
}

// Auditor records handled calls. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// MethodSelectNotification is invoked on callers when the user activates a
// notification.
const MethodSelectNotification = "selectNotification"

const (
	auditTimeout  = 2 * time.Second
	invokeTimeout = 5 * time.Second
)

type handlerFunc func(ctx context.Context, method string, v any) (any, *MethodError)

type callEvent struct {
	Method string `json:"method"`
	Peer   string `json:"peer,omitempty"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	TookMS int64  `json:"took_ms"`
}

type Plugin struct {
	log   logx.Logger
	bus   eventbus.Bus
	sched Scheduler
	audit Auditor

	handlers map[string]handlerFunc

	mu          sync.Mutex
	defaultIcon *notify.Icon
	invoker     transport.Invoker
	sup         *supervisor.Supervisor
}

// New wires a plugin to its scheduler. audit and bus may be nil.
func New(sched Scheduler, audit Auditor, log logx.Logger, bus eventbus.Bus) *Plugin {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Plugin{
		log:   log,
		bus:   bus,
		sched: sched,
		audit: audit,
	}
	p.handlers = map[string]handlerFunc{
		"initialize":                  p.initialize,
		"show":                        p.show,
		"periodicallyShow":            p.periodicallyShow,
		"zonedSchedule":               p.zonedSchedule,
		"cancel":                      p.cancel,
		"cancelAll":                   p.cancelAll,
		"pendingNotificationRequests": p.pendingNotificationRequests,
		"getActiveNotifications":      p.getActiveNotifications,
	}
	return p
}

// SetInvoker sets where selectNotification calls go.
func (p *Plugin) SetInvoker(inv transport.Invoker) {
	p.mu.Lock()
	p.invoker = inv
	p.mu.Unlock()
}

// Start forwards interaction events from the bus to the invoker.
func (p *Plugin) Start(ctx context.Context) error {
	if p.bus == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return nil
	}
	ch, unsub := p.bus.SubscribeTypes(64, notifier.EventSelected)
	p.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx), supervisor.WithLogger(p.log))
	p.sup.Go0("plugin.selections", func(ctx context.Context) {
		defer unsub()
		p.forwardSelections(ctx, ch)
	})
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (p *Plugin) forwardSelections(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			in, ok := ev.Data.(notify.Interaction)
			if !ok {
				continue
			}
			p.selectNotification(ctx, in)
		}
	}
}

func (p *Plugin) selectNotification(ctx context.Context, in notify.Interaction) {
	p.mu.Lock()
	inv := p.invoker
	p.mu.Unlock()
	if inv == nil {
		p.log.Debug("selection dropped, no invoker", logx.Int64("id", in.ID))
		return
	}
	ictx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	args := map[string]any{"id": in.ID, "payload": in.Payload}
	if err := inv.InvokeMethod(ictx, MethodSelectNotification, args); err != nil {
		p.log.Warn("selectNotification not delivered", logx.Int64("id", in.ID), logx.Err(err))
	}
}

// HandleMethodCall implements transport.Handler.
func (p *Plugin) HandleMethodCall(ctx context.Context, call transport.MethodCall) transport.Response {
	h, ok := p.handlers[call.Method]
	if !ok {
		p.log.Debug("method not implemented", logx.String("method", call.Method))
		return transport.NotImplemented()
	}

	start := time.Now()
	var (
		result any
		merr   *MethodError
	)
	v, err := decodeValue(call.Args)
	if err != nil {
		merr = methodError(call.Method, "invalid arguments: %v", err)
	} else {
		result, merr = p.safeCall(ctx, call.Method, h, v)
	}
	took := time.Since(start)

	p.record(call, v, merr, took)
	if merr != nil {
		return merr.response()
	}
	return transport.Success(result)
}

func (p *Plugin) safeCall(ctx context.Context, method string, h handlerFunc, v any) (out any, merr *MethodError) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in method handler",
				logx.String("method", method),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			out, merr = nil, methodError(method, "internal error")
		}
	}()
	return h(ctx, method, v)
}

func (p *Plugin) record(call transport.MethodCall, v any, merr *MethodError, took time.Duration) {
	ev := callEvent{Method: call.Method, Peer: call.Peer, OK: merr == nil, TookMS: took.Milliseconds()}
	fields := []logx.Field{logx.String("method", call.Method), logx.Duration("took", took)}
	if merr != nil {
		ev.Code = merr.Code
		fields = append(fields, logx.String("code", merr.Code), logx.String("error", merr.Message))
		p.log.Info("method call failed", fields...)
	} else {
		p.log.Debug("method call", fields...)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "plugin.call", Data: ev})
	}

	if p.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		At:             time.Now().UTC(),
		Method:         call.Method,
		NotificationID: notificationID(v),
		OK:             merr == nil,
		TookMS:         took.Milliseconds(),
		Peer:           call.Peer,
	}
	if merr != nil {
		entry.Error = merr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := p.audit.AppendAudit(ctx, entry); err != nil && !errors.Is(err, storage.ErrDisabled) {
		p.log.Warn("audit append failed", logx.String("method", call.Method), logx.Err(err))
	}
}

// notificationID extracts the id a call refers to, if any.
func notificationID(v any) *int64 {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return &i
		}
	case map[string]any:
		if i, ok := asInt(t["id"]); ok {
			return &i
		}
	}
	return nil
}

func (p *Plugin) currentDefaultIcon() *notify.Icon {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultIcon
}

// schedulerError maps registry failures to a method error.
func schedulerError(method string, err error) *MethodError {
	switch {
	case errors.Is(err, scheduler.ErrNotInFuture):
		return methodError(method, "scheduledDateTime must be in the future")
	case errors.Is(err, scheduler.ErrStopped):
		return methodError(method, "scheduler is not running")
	default:
		return methodError(method, "%v", err)
	}
}
