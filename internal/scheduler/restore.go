package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// restore re-arms persisted records. It runs as the first op of a run.
func (s *Service) restore(rt *run) {
	ctx, cancel := context.WithTimeout(rt.ctx, storeTimeout)
	recs, err := s.store.ListSchedules(ctx)
	cancel()
	if err != nil {
		s.log.Warn("schedule restore failed", logx.Err(err))
		return
	}

	now := s.clock.Now()
	restored := 0
	for _, rec := range recs {
		if _, exists := s.entries[rec.ID]; exists {
			continue
		}
		e, delay, err := entryFromRecord(rec, now)
		if err != nil {
			s.log.Warn("dropping unrestorable schedule", logx.Int64("id", rec.ID), logx.Err(err))
			s.unpersist(rec.ID)
			continue
		}
		s.entries[e.id] = e
		s.arm(rt, e, delay)
		restored++
	}
	s.log.Info("schedules restored", logx.Int("count", restored), logx.Int("records", len(recs)))
}

var errBadRecord = errors.New("invalid schedule record")

func entryFromRecord(rec storage.ScheduleRecord, now time.Time) (*entry, time.Duration, error) {
	var n notify.Notification
	if err := json.Unmarshal(rec.Notification, &n); err != nil {
		return nil, 0, fmt.Errorf("decode notification: %w", err)
	}
	n.ID = rec.ID
	e := &entry{
		id:       rec.ID,
		n:        n,
		key:      n.Key(),
		kind:     Kind(rec.Kind),
		phase:    phase(rec.Phase),
		interval: time.Duration(rec.IntervalSec) * time.Second,
		anchor:   rec.Anchor,
		next:     rec.NextFire,
	}
	if rec.TimeZone != "" {
		loc, err := time.LoadLocation(rec.TimeZone)
		if err != nil {
			return nil, 0, fmt.Errorf("time zone %q: %w", rec.TimeZone, err)
		}
		e.loc = loc
	}

	switch e.kind {
	case KindPeriodic:
		if e.interval <= 0 {
			return nil, 0, fmt.Errorf("periodic without interval: %w", errBadRecord)
		}
		e.next = advancePast(e.next, e.interval, now)
	case KindOnce:
		if e.next.Before(now) {
			e.next = now
		}
	case KindZoned:
		if rec.Components == nil {
			return nil, 0, fmt.Errorf("zoned without components: %w", errBadRecord)
		}
		c, err := DateTimeComponentsFromIndex(int64(*rec.Components))
		if err != nil {
			return nil, 0, err
		}
		e.comps = &c
		e.interval = c.Period().Duration()
		loc := e.loc
		if loc == nil {
			loc = now.Location()
		}
		if e.phase == phaseSteady {
			e.next = advancePast(e.next, e.interval, now)
		} else {
			e.phase = phaseAligning
			e.next = NextFireInstant(now.In(loc), e.anchor.In(loc), c)
		}
	default:
		return nil, 0, fmt.Errorf("kind %q: %w", rec.Kind, errBadRecord)
	}
	return e, e.next.Sub(now), nil
}
