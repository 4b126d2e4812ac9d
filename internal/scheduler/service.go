package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

const (
	opsBuffer    = 64
	storeTimeout = 2 * time.Second
)

// Service is the timer registry. All exported methods are safe for concurrent use.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	disp  Dispatcher
	store ScheduleStore
	clock Clock

	mu   sync.Mutex
	cfg  Config
	rt   *run
	last *run

	// Owned by the loop goroutine.
	entries map[int64]*entry
	shown   []int64
	gen     uint64
}

// run is one Start..Stop lifetime. Timer callbacks capture it so a callback
// left over from an earlier run can never reach a newer loop.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	stop   chan struct{}
	done   chan struct{}
}

type entry struct {
	id  int64
	n   notify.Notification
	key string

	kind     Kind
	phase    phase
	interval time.Duration
	comps    *DateTimeComponents
	loc      *time.Location
	anchor   time.Time
	next     time.Time

	timer Timer
	gen   uint64
}

type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus, store ScheduleStore, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		disp:    disp,
		store:   store,
		clock:   RealClock(),
		cfg:     cfg,
		entries: map[int64]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the event loop. Persisted schedules are restored before any
// other operation runs when restore is enabled. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.rt != nil {
		s.mu.Unlock()
		return nil
	}
	prev := s.last
	s.mu.Unlock()

	// The previous loop must finish its teardown before a new one owns the registry.
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &run{
		ctx:    runCtx,
		cancel: cancel,
		ops:    make(chan func(), opsBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	cfg := s.config()
	if cfg.Restore && s.store != nil {
		rt.ops <- func() { s.restore(rt) }
	}

	s.mu.Lock()
	s.rt = rt
	s.last = rt
	s.mu.Unlock()

	go s.loop(rt)
	s.log.Info("scheduler started", logx.Bool("restore", cfg.Restore && s.store != nil))
	return nil
}

// Stop stops the loop and every armed timer. Persisted records are kept so
// they can be restored by the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()
	if rt == nil {
		return nil
	}
	close(rt.stop)
	rt.cancel()
	select {
	case <-rt.done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(rt *run) {
	defer close(rt.done)
	defer s.teardown()
	for {
		select {
		case <-rt.stop:
			return
		case fn := <-rt.ops:
			fn()
		}
	}
}

func (s *Service) teardown() {
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.entries = map[int64]*entry{}
	s.shown = nil
}

// do runs fn on the loop and waits for it to complete.
func (s *Service) do(ctx context.Context, fn func(rt *run)) error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return ErrStopped
	}

	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn(rt)
	}
	select {
	case rt.ops <- op:
	case <-rt.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-rt.done:
		// The loop exits only between ops, so finished is settled by now.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a timer callback without waiting.
func post(rt *run, fn func()) {
	select {
	case rt.ops <- fn:
	case <-rt.stop:
	}
}

// Show delivers n immediately and records its id as shown.
func (s *Service) Show(ctx context.Context, n notify.Notification) error {
	var derr error
	err := s.do(ctx, func(rt *run) {
		if derr = s.disp.Deliver(ctx, n.Key(), n); derr == nil {
			s.markShown(n.ID)
		}
	})
	if err != nil {
		return err
	}
	return derr
}

// PeriodicallyShow arms a repeating timer for n. An existing entry for the
// same id is replaced.
func (s *Service) PeriodicallyShow(ctx context.Context, n notify.Notification, interval RepeatInterval) error {
	if !interval.Valid() {
		return fmt.Errorf("repeat interval %d: %w", int64(interval), ErrOutOfRange)
	}
	return s.do(ctx, func(rt *run) {
		now := s.clock.Now()
		e := s.replace(n)
		e.kind = KindPeriodic
		e.interval = interval.Duration()
		e.anchor = now
		e.next = now.Add(e.interval)
		s.arm(rt, e, e.interval)
	})
}

// ZonedSchedule arms n for target. Without components it fires once and
// target must be in the future; with components it first aligns to the next
// matching instant and then repeats daily or weekly.
func (s *Service) ZonedSchedule(ctx context.Context, n notify.Notification, target time.Time, comps *DateTimeComponents) error {
	if comps != nil {
		if _, err := DateTimeComponentsFromIndex(int64(*comps)); err != nil {
			return err
		}
	}
	var verr error
	err := s.do(ctx, func(rt *run) {
		loc := target.Location()
		now := s.clock.Now().In(loc)
		if comps == nil {
			if !target.After(now) {
				verr = fmt.Errorf("%s is not after %s: %w", target.Format(time.RFC3339), now.Format(time.RFC3339), ErrNotInFuture)
				return
			}
			e := s.replace(n)
			e.kind = KindOnce
			e.loc = loc
			e.anchor = target
			e.next = target
			s.arm(rt, e, target.Sub(now))
			return
		}

		c := *comps
		e := s.replace(n)
		e.kind = KindZoned
		e.phase = phaseAligning
		e.comps = &c
		e.loc = loc
		e.anchor = target
		e.next = NextFireInstant(now, target, c)
		e.interval = c.Period().Duration()
		s.arm(rt, e, e.next.Sub(now))
		if cfg := s.config(); cfg.Preview {
			s.logPreview(e, now, cfg.PreviewCount)
		}
	})
	if err != nil {
		return err
	}
	return verr
}

// Cancel removes the entry for id, drops it from the shown list and withdraws
// the delivered notification. Unknown ids are a no-op.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	return s.do(ctx, func(rt *run) {
		if e, ok := s.entries[id]; ok {
			s.remove(e)
			s.publish("scheduler.cancelled", e)
		}
		s.unmarkShown(id)
		s.withdraw(ctx, notify.ExternalKey(id))
	})
}

// CancelAll withdraws every shown notification and stops every entry. It
// returns the affected ids: shown ids first, then registry ids ascending.
func (s *Service) CancelAll(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.do(ctx, func(rt *run) {
		seen := make(map[int64]struct{}, len(s.shown)+len(s.entries))
		out = make([]int64, 0, len(s.shown)+len(s.entries))
		for _, id := range s.shown {
			seen[id] = struct{}{}
			out = append(out, id)
			s.withdraw(ctx, notify.ExternalKey(id))
		}
		s.shown = nil

		for _, id := range s.sortedIDs() {
			e := s.entries[id]
			s.remove(e)
			s.publish("scheduler.cancelled", e)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			s.withdraw(ctx, e.key)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetShown replaces the shown list, e.g. with notifications a previous
// process left on screen.
func (s *Service) SetShown(ctx context.Context, ids []int64) error {
	return s.do(ctx, func(rt *run) {
		s.shown = nil
		for _, id := range ids {
			s.markShown(id)
		}
	})
}

// Shown returns the ids shown immediately, in the order they were shown.
func (s *Service) Shown(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.do(ctx, func(rt *run) {
		out = append([]int64(nil), s.shown...)
	})
	return out, err
}

// Pending lists the armed entries ordered by id.
func (s *Service) Pending(ctx context.Context) ([]Pending, error) {
	var out []Pending
	err := s.do(ctx, func(rt *run) {
		out = make([]Pending, 0, len(s.entries))
		for _, id := range s.sortedIDs() {
			e := s.entries[id]
			out = append(out, Pending{
				ID:         e.id,
				Title:      e.n.Title,
				Body:       e.n.Body,
				Payload:    e.n.Payload,
				Kind:       e.kind,
				NextFireAt: e.next,
			})
		}
	})
	return out, err
}

func (s *Service) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Service) markShown(id int64) {
	for _, v := range s.shown {
		if v == id {
			return
		}
	}
	s.shown = append(s.shown, id)
}

func (s *Service) unmarkShown(id int64) {
	n := 0
	for _, v := range s.shown {
		if v != id {
			s.shown[n] = v
			n++
		}
	}
	s.shown = s.shown[:n]
}

func (s *Service) withdraw(ctx context.Context, key string) {
	if err := s.disp.Withdraw(ctx, key); err != nil {
		s.log.Warn("withdraw failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) publish(typ string, e *entry) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ScheduleEvent{
		ID:       e.id,
		Kind:     e.kind,
		NextFire: e.next,
		At:       s.clock.Now(),
	}})
}
