package plugin

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/scheduler"
)

// initialize accepts a map or nothing at all. Fields of the wrong type are
// ignored.
func (p *Plugin) initialize(ctx context.Context, method string, v any) (any, *MethodError) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	args := argMap(m)
	if raw, ok := args.lookup("defaultIcon"); ok {
		icon := iconFrom(raw)
		p.mu.Lock()
		p.defaultIcon = icon
		p.mu.Unlock()
	}
	if raw, ok := args.lookup("knownShowingNotifications"); ok {
		if ids, ok := asIntList(raw); ok {
			if err := p.sched.SetShown(ctx, ids); err != nil {
				return nil, schedulerError(method, err)
			}
		}
	}
	return nil, nil
}

func (p *Plugin) notification(method string, v any) (argMap, notify.Notification, *MethodError) {
	m, merr := requireMap(method, v)
	if merr != nil {
		return nil, notify.Notification{}, merr
	}
	c, merr := commonArguments(method, m)
	if merr != nil {
		return nil, notify.Notification{}, merr
	}
	n, merr := buildNotification(method, c, p.currentDefaultIcon())
	return m, n, merr
}

func (p *Plugin) show(ctx context.Context, method string, v any) (any, *MethodError) {
	_, n, merr := p.notification(method, v)
	if merr != nil {
		return nil, merr
	}
	if err := p.sched.Show(ctx, n); err != nil {
		return nil, schedulerError(method, err)
	}
	return nil, nil
}

func (p *Plugin) periodicallyShow(ctx context.Context, method string, v any) (any, *MethodError) {
	m, n, merr := p.notification(method, v)
	if merr != nil {
		return nil, merr
	}
	idx, merr := m.requireInt(method, "repeatInterval")
	if merr != nil {
		return nil, merr
	}
	interval, err := scheduler.RepeatIntervalFromIndex(idx)
	if err != nil {
		return nil, rangeError(method, "repeatInterval")
	}
	if err := p.sched.PeriodicallyShow(ctx, n, interval); err != nil {
		return nil, schedulerError(method, err)
	}
	return nil, nil
}

func (p *Plugin) zonedSchedule(ctx context.Context, method string, v any) (any, *MethodError) {
	m, n, merr := p.notification(method, v)
	if merr != nil {
		return nil, merr
	}
	zone, merr := m.requireString(method, "timeZoneName")
	if merr != nil {
		return nil, merr
	}
	when, merr := m.requireString(method, "scheduledDateTime")
	if merr != nil {
		return nil, merr
	}
	compIdx, merr := m.optionalInt(method, "matchDateTimeComponents")
	if merr != nil {
		return nil, merr
	}

	var comps *scheduler.DateTimeComponents
	if compIdx != nil {
		c, err := scheduler.DateTimeComponentsFromIndex(*compIdx)
		if err != nil {
			return nil, rangeError(method, "matchDateTimeComponents")
		}
		comps = &c
	}

	loc, merr := loadZone(method, zone)
	if merr != nil {
		return nil, merr
	}
	target, err := parseScheduled(when, loc)
	if err != nil {
		return nil, methodError(method, "scheduledDateTime %q is not a valid ISO-8601 date time", when)
	}
	if err := p.sched.ZonedSchedule(ctx, n, target, comps); err != nil {
		return nil, schedulerError(method, err)
	}
	return nil, nil
}

// cancel takes a bare id or {id}.
func (p *Plugin) cancel(ctx context.Context, method string, v any) (any, *MethodError) {
	var id int64
	switch t := v.(type) {
	case nil:
		return nil, absentError(method, "id")
	case map[string]any:
		var merr *MethodError
		if id, merr = argMap(t).requireInt(method, "id"); merr != nil {
			return nil, merr
		}
	default:
		i, ok := asInt(t)
		if !ok {
			return nil, wrongTypeError(method, "id")
		}
		id = i
	}
	if err := p.sched.Cancel(ctx, id); err != nil {
		return nil, schedulerError(method, err)
	}
	return nil, nil
}

func (p *Plugin) cancelAll(ctx context.Context, method string, _ any) (any, *MethodError) {
	ids, err := p.sched.CancelAll(ctx)
	if err != nil {
		return nil, schedulerError(method, err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

type pendingRequest struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Payload    string `json:"payload"`
	Kind       string `json:"kind"`
	NextFireAt string `json:"nextFireAt"`
}

func (p *Plugin) pendingNotificationRequests(ctx context.Context, method string, _ any) (any, *MethodError) {
	pending, err := p.sched.Pending(ctx)
	if err != nil {
		return nil, schedulerError(method, err)
	}
	out := make([]pendingRequest, 0, len(pending))
	for _, e := range pending {
		out = append(out, pendingRequest{
			ID:         e.ID,
			Title:      e.Title,
			Body:       e.Body,
			Payload:    e.Payload,
			Kind:       string(e.Kind),
			NextFireAt: e.NextFireAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (p *Plugin) getActiveNotifications(ctx context.Context, method string, _ any) (any, *MethodError) {
	ids, err := p.sched.Shown(ctx)
	if err != nil {
		return nil, schedulerError(method, err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

var (
	tzCheckOnce sync.Once
	tzAvailable bool
)

// tzDatabaseAvailable reports whether named zones can be loaded at all.
func tzDatabaseAvailable() bool {
	tzCheckOnce.Do(func() {
		_, err := time.LoadLocation("Europe/London")
		tzAvailable = err == nil
	})
	return tzAvailable
}

func loadZone(method, name string) (*time.Location, *MethodError) {
	switch name {
	case "UTC", "Etc/UTC", "Z":
		return time.UTC, nil
	case "":
		return nil, methodError(method, "timeZoneName must not be empty")
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if !tzDatabaseAvailable() {
		return nil, &MethodError{Code: CodeUnsupportedPlatform, Message: "no time zone database is available for " + name}
	}
	return nil, methodError(method, "unknown time zone %q", name)
}

// Layouts without an offset are read as wall time in the requested zone.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseScheduled reads an ISO-8601 date time. An explicit offset wins and
// the result is then expressed in loc.
func parseScheduled(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
