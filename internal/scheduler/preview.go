package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "notifyd/pkg/logx"
)

const defaultPreviewCount = 3

// cronSpec renders the cron expression matching an aligned schedule.
// Seconds are not representable and are dropped.
func cronSpec(anchor time.Time, loc *time.Location, c DateTimeComponents) string {
	a := anchor.In(loc)
	dow := "*"
	if c == DayOfWeekAndTime {
		dow = strconv.Itoa(int(a.Weekday()))
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", loc.String(), a.Minute(), a.Hour(), dow)
}

// previewFires returns the next n instants the cron spec matches after from.
func previewFires(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) logPreview(e *entry, now time.Time, n int) {
	if e.comps == nil || e.loc == nil {
		return
	}
	if n <= 0 {
		n = defaultPreviewCount
	}
	spec := cronSpec(e.anchor, e.loc, *e.comps)
	fires, err := previewFires(spec, now, n)
	if err != nil {
		s.log.Debug("schedule preview unavailable", logx.Int64("id", e.id), logx.String("cron", spec), logx.Err(err))
		return
	}
	parts := make([]string, len(fires))
	for i, t := range fires {
		parts[i] = t.Format(time.RFC3339)
	}
	s.log.Debug("schedule preview",
		logx.Int64("id", e.id),
		logx.String("cron", spec),
		logx.String("next", strings.Join(parts, ", ")),
	)
}
