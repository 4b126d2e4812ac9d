package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
)

var (
	ErrStopped     = errors.New("scheduler stopped")
	ErrOutOfRange  = errors.New("value is not in valid range")
	ErrNotInFuture = errors.New("scheduled time must be in the future")
)

// RepeatInterval is a period length in seconds.
type RepeatInterval int64

const (
	EveryMinute RepeatInterval = 60
	Hourly      RepeatInterval = 3600
	Daily       RepeatInterval = 86400
	Weekly      RepeatInterval = 604800
)

// repeatIntervals is indexed by the wire enum index.
var repeatIntervals = [...]RepeatInterval{EveryMinute, Hourly, Daily, Weekly}

// RepeatIntervalFromIndex maps the wire enum index (0..3) to an interval.
func RepeatIntervalFromIndex(i int64) (RepeatInterval, error) {
	if i < 0 || i >= int64(len(repeatIntervals)) {
		return 0, fmt.Errorf("repeat interval index %d: %w", i, ErrOutOfRange)
	}
	return repeatIntervals[i], nil
}

func (r RepeatInterval) Valid() bool {
	for _, v := range repeatIntervals {
		if r == v {
			return true
		}
	}
	return false
}

func (r RepeatInterval) Duration() time.Duration { return time.Duration(r) * time.Second }

func (r RepeatInterval) String() string {
	switch r {
	case EveryMinute:
		return "everyMinute"
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return fmt.Sprintf("%ds", int64(r))
	}
}

// DateTimeComponents selects which calendar fields a recurring schedule matches.
type DateTimeComponents int

const (
	Time DateTimeComponents = iota
	DayOfWeekAndTime
)

// DateTimeComponentsFromIndex maps the wire enum index to a granularity.
func DateTimeComponentsFromIndex(i int64) (DateTimeComponents, error) {
	switch DateTimeComponents(i) {
	case Time, DayOfWeekAndTime:
		return DateTimeComponents(i), nil
	default:
		return 0, fmt.Errorf("date time components index %d: %w", i, ErrOutOfRange)
	}
}

// Period is the steady-state interval used after the aligning fire.
func (c DateTimeComponents) Period() RepeatInterval {
	if c == DayOfWeekAndTime {
		return Weekly
	}
	return Daily
}

func (c DateTimeComponents) String() string {
	if c == DayOfWeekAndTime {
		return "dayOfWeekAndTime"
	}
	return "time"
}

type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindOnce     Kind = "once"
	KindZoned    Kind = "zoned"
)

type phase string

const (
	phaseAligning phase = "aligning"
	phaseSteady   phase = "steady"
)

// Config controls scheduler behavior that may change at runtime.
type Config struct {
	// Restore re-arms persisted schedules on Start.
	Restore bool
	// Preview logs the next aligned fire instants of recurring zoned schedules.
	Preview      bool
	PreviewCount int
}

// Dispatcher delivers and withdraws notifications on the desktop surface.
// Delivering under a key that is already shown replaces it in place.
type Dispatcher interface {
	Deliver(ctx context.Context, key string, n notify.Notification) error
	Withdraw(ctx context.Context, key string) error
}

// ScheduleStore persists armed entries so they survive restarts.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, rec storage.ScheduleRecord) error
	DeleteSchedule(ctx context.Context, id int64) error
	ListSchedules(ctx context.Context) ([]storage.ScheduleRecord, error)
}

// Pending describes one armed entry.
type Pending struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Payload    string    `json:"payload"`
	Kind       Kind      `json:"kind"`
	NextFireAt time.Time `json:"nextFireAt"`
}

// ScheduleEvent is published on the event bus for registry transitions.
type ScheduleEvent struct {
	ID       int64     `json:"id"`
	Kind     Kind      `json:"kind"`
	NextFire time.Time `json:"next_fire,omitempty"`
	At       time.Time `json:"at"`
}
