package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// replace returns a fresh entry for n, stopping whatever was armed for its id.
func (s *Service) replace(n notify.Notification) *entry {
	if old, ok := s.entries[n.ID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{id: n.ID, n: n, key: n.Key()}
	s.entries[n.ID] = e
	return e
}

// arm (re)starts e's timer. e.next must already hold the fire instant.
func (s *Service) arm(rt *run, e *entry, delay time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen, id := s.gen, e.id
	e.gen = gen
	e.timer = s.clock.AfterFunc(delay, func() {
		post(rt, func() { s.fire(rt, id, gen) })
	})

	s.persist(e)
	s.log.Debug("armed",
		logx.Int64("id", id),
		logx.String("kind", string(e.kind)),
		logx.Time("next", e.next),
		logx.Duration("delay", delay),
	)
	s.publish("scheduler.armed", e)
}

// fire runs on the loop. Phase changes and re-arms happen in this same step,
// so a concurrent cancel sees either the old timer or the new one.
func (s *Service) fire(rt *run, id int64, gen uint64) {
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		s.log.Debug("stale fire dropped", logx.Int64("id", id))
		return
	}

	if err := s.disp.Deliver(rt.ctx, e.key, e.n); err != nil {
		s.log.Warn("scheduled delivery failed", logx.Int64("id", id), logx.Err(err))
	}
	s.publish("scheduler.fired", e)

	now := s.clock.Now()
	switch {
	case e.kind == KindOnce:
		delete(s.entries, id)
		s.unpersist(id)
		s.publish("scheduler.completed", e)
	case e.kind == KindZoned && e.phase == phaseAligning:
		e.phase = phaseSteady
		e.next = now.Add(e.interval)
		s.arm(rt, e, e.interval)
	default:
		e.next = now.Add(e.interval)
		s.arm(rt, e, e.interval)
	}
}

func (s *Service) remove(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, e.id)
	s.unpersist(e.id)
}

func (s *Service) persist(e *entry) {
	if s.store == nil {
		return
	}
	rec, err := e.record()
	if err != nil {
		s.log.Warn("schedule encode failed", logx.Int64("id", e.id), logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.PutSchedule(ctx, rec); err != nil {
		s.log.Warn("schedule persist failed", logx.Int64("id", e.id), logx.Err(err))
	}
}

func (s *Service) unpersist(id int64) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		s.log.Warn("schedule delete failed", logx.Int64("id", id), logx.Err(err))
	}
}

func (e *entry) record() (storage.ScheduleRecord, error) {
	b, err := json.Marshal(e.n)
	if err != nil {
		return storage.ScheduleRecord{}, err
	}
	rec := storage.ScheduleRecord{
		ID:           e.id,
		Kind:         string(e.kind),
		Phase:        string(e.phase),
		IntervalSec:  int64(e.interval / time.Second),
		Anchor:       e.anchor,
		NextFire:     e.next,
		Notification: b,
	}
	if e.comps != nil {
		c := int(*e.comps)
		rec.Components = &c
	}
	if e.loc != nil {
		rec.TimeZone = e.loc.String()
	}
	return rec, nil
}
