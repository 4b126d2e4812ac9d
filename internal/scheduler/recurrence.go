package scheduler

import "time"

// NextFireInstant returns the first instant strictly after now that is a
// whole number of granularity periods away from target.
//
// The signed difference target-now (in seconds) is reduced modulo the period;
// a non-positive remainder is bumped by one period, so the result lies in
// (now, now+period]. target == now therefore yields now+period. The result
// uses now's location.
//
// Both inputs are truncated to whole Unix seconds before the arithmetic, so
// the result never carries a sub-second part and two instants within the same
// second count as equal.
func NextFireInstant(now, target time.Time, c DateTimeComponents) time.Time {
	period := int64(c.Period())
	diff := target.Unix() - now.Unix()
	r := diff % period
	if r <= 0 {
		r += period
	}
	return time.Unix(now.Unix()+r, 0).In(now.Location())
}

// advancePast moves next forward by whole intervals until it is after now.
func advancePast(next time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 || next.After(now) {
		return next
	}
	k := now.Sub(next)/interval + 1
	return next.Add(k * interval)
}
