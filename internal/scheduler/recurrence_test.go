package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextFireInstant(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*3600)
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, loc) // Tuesday

	cases := []struct {
		name   string
		target time.Time
		comps  DateTimeComponents
		want   time.Time
	}{
		{"later today", time.Date(2024, 3, 5, 18, 0, 0, 0, loc), Time, time.Date(2024, 3, 5, 18, 0, 0, 0, loc)},
		{"earlier today rolls to tomorrow", time.Date(2024, 3, 5, 9, 30, 0, 0, loc), Time, time.Date(2024, 3, 6, 9, 30, 0, 0, loc)},
		{"target in the past", time.Date(2024, 3, 1, 9, 30, 0, 0, loc), Time, time.Date(2024, 3, 6, 9, 30, 0, 0, loc)},
		{"target far ahead", time.Date(2024, 3, 20, 11, 0, 0, 0, loc), Time, time.Date(2024, 3, 5, 11, 0, 0, 0, loc)},
		{"equal to now adds a day", now, Time, now.Add(24 * time.Hour)},
		{"weekday later this week", time.Date(2024, 3, 7, 8, 0, 0, 0, loc), DayOfWeekAndTime, time.Date(2024, 3, 7, 8, 0, 0, 0, loc)},
		{"same weekday earlier rolls a week", time.Date(2024, 2, 27, 9, 0, 0, 0, loc), DayOfWeekAndTime, time.Date(2024, 3, 12, 9, 0, 0, 0, loc)},
		{"equal to now adds a week", now, DayOfWeekAndTime, now.Add(7 * 24 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextFireInstant(now, tc.target, tc.comps)
			require.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
			require.Equal(t, loc, got.Location())
		})
	}
}

func TestNextFireInstantTruncatesToSeconds(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 5, 18, 0, 0, 100_000_000, time.UTC)
	target := time.Date(2024, 3, 5, 18, 0, 0, 500_000_000, time.UTC)

	got := NextFireInstant(now, target, Time)
	require.True(t, time.Date(2024, 3, 6, 18, 0, 0, 0, time.UTC).Equal(got), "got %s", got)
	require.Zero(t, got.Nanosecond())

	got = NextFireInstant(now, target.Add(time.Hour), Time)
	require.True(t, time.Date(2024, 3, 5, 19, 0, 0, 0, time.UTC).Equal(got), "got %s", got)
}

func TestNextFireInstantProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < 2000; i++ {
		now := time.Unix(base+rng.Int63n(1<<26), 0).UTC()
		target := time.Unix(base+rng.Int63n(1<<26), 0).UTC()
		for _, c := range []DateTimeComponents{Time, DayOfWeekAndTime} {
			period := int64(c.Period())
			got := NextFireInstant(now, target, c)

			ahead := got.Unix() - now.Unix()
			require.Greater(t, ahead, int64(0))
			require.LessOrEqual(t, ahead, period)
			require.Zero(t, (got.Unix()-target.Unix())%period)

			again := NextFireInstant(got, target, c)
			require.Equal(t, period, again.Unix()-got.Unix())
		}
	}
}

func TestAdvancePast(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	require.Equal(t, now.Add(time.Minute), advancePast(now.Add(time.Minute), time.Hour, now))
	require.Equal(t, now.Add(30*time.Minute), advancePast(now.Add(-30*time.Minute), time.Hour, now))
	require.Equal(t, now.Add(time.Hour), advancePast(now, time.Hour, now))
	require.Equal(t, now.Add(10*time.Minute), advancePast(now.Add(-50*time.Hour-50*time.Minute), time.Hour, now))
}

func TestEnumIndexes(t *testing.T) {
	t.Parallel()
	want := []RepeatInterval{60, 3600, 86400, 604800}
	for i, w := range want {
		got, err := RepeatIntervalFromIndex(int64(i))
		require.NoError(t, err)
		require.Equal(t, w, got)
	}
	for _, bad := range []int64{-1, 4, 100} {
		_, err := RepeatIntervalFromIndex(bad)
		require.ErrorIs(t, err, ErrOutOfRange)
	}

	c, err := DateTimeComponentsFromIndex(1)
	require.NoError(t, err)
	require.Equal(t, Weekly, c.Period())
	_, err = DateTimeComponentsFromIndex(2)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestCronPreview(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC) // Tuesday
	spec := cronSpec(anchor, time.UTC, DayOfWeekAndTime)
	require.Equal(t, "CRON_TZ=UTC 30 9 * * 2", spec)
	require.Equal(t, "CRON_TZ=UTC 30 9 * * *", cronSpec(anchor, time.UTC, Time))

	fires, err := previewFires(spec, anchor.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, fires, 2)
	require.True(t, fires[0].Equal(time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC)), fires[0].String())
	require.True(t, fires[1].Equal(time.Date(2024, 3, 19, 9, 30, 0, 0, time.UTC)), fires[1].String())
}
