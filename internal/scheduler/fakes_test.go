package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
)

// fakeClock fires timers only when advanced. settle runs after every callback
// so the loop can handle a fire before time moves on.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	// leaky makes Stop a no-op so stale callbacks still run.
	leaky  bool
	settle func()
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.leaky || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, running due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		settle := c.settle
		c.mu.Unlock()

		next.f()
		if settle != nil {
			settle()
		}
	}
}

// active counts timers that are neither stopped nor fired.
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type dispatchCall struct {
	op    string
	key   string
	title string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *fakeDispatcher) Deliver(_ context.Context, key string, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dispatchCall{op: "deliver", key: key, title: n.Title})
	return nil
}

func (d *fakeDispatcher) Withdraw(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{op: "withdraw", key: key})
	return nil
}

func (d *fakeDispatcher) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) snapshot() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type memStore struct {
	mu   sync.Mutex
	recs map[int64]storage.ScheduleRecord
}

func newMemStore(recs ...storage.ScheduleRecord) *memStore {
	m := &memStore{recs: map[int64]storage.ScheduleRecord{}}
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return m
}

func (m *memStore) PutSchedule(_ context.Context, rec storage.ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memStore) ListSchedules(context.Context) ([]storage.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.ScheduleRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ids() []int64 {
	recs, _ := m.ListSchedules(context.Background())
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func (m *memStore) get(id int64) (storage.ScheduleRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	return r, ok
}
