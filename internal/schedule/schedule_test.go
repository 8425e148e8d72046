package schedule_test

import (
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdluna/db-scheduler/internal/schedule"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestFixedDelayUsesScheduledTime(t *testing.T) {
	t.Parallel()

	s := schedule.FixedDelay(60 * time.Second)

	// ran two seconds late and took a while: the next run still anchors on T0
	next, ok := s.Next(t0.Add(2*time.Second), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Second), next)

	next, ok = s.Next(t0.Add(45*time.Second), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Second), next)

	assert.Equal(t, t0, s.Initial(t0))
	assert.Equal(t, "FIXED_DELAY|1m0s", fmt.Sprint(s))
}

func TestFixedDelayRejectsNonPositive(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { schedule.FixedDelay(0) })
	assert.Panics(t, func() { schedule.FixedDelay(-time.Second) })
	assert.NotPanics(t, func() { schedule.FixedDelay(time.Nanosecond) })
}

func TestDaily(t *testing.T) {
	t.Parallel()

	s := schedule.Daily(time.UTC, schedule.At(18, 0), schedule.At(8, 30))

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before first", time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"between", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"exactly at is strictly after", time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC), time.Date(2025, 3, 2, 8, 30, 0, 0, time.UTC)},
		{"after last", time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC), time.Date(2025, 3, 2, 8, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, ok := s.Next(tt.now, tt.now)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
		})
	}

	assert.Equal(t, time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC), s.Initial(t0))
}

func TestDailyInZone(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)

	s := schedule.Daily(loc, schedule.At(8, 0))
	next, ok := s.Next(time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC), time.Time{})
	require.True(t, ok)
	// CEST is UTC+2
	assert.Equal(t, time.Date(2025, 7, 2, 6, 0, 0, 0, time.UTC), next)
}

func TestCron(t *testing.T) {
	t.Parallel()

	s, err := schedule.Cron("*/15 * * * *")
	require.NoError(t, err)
	next, ok := s.Next(t0.Add(time.Minute), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), next)

	withSeconds, err := schedule.Cron("30 0 10 * * *")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Second), withSeconds.Initial(t0))

	hourly, err := schedule.Cron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), hourly.Initial(t0))

	_, err = schedule.Cron("not a cron")
	assert.Error(t, err)
	assert.Panics(t, func() { schedule.MustCron("61 * * * *") })
}

func TestFirstOf(t *testing.T) {
	t.Parallel()

	s := schedule.FirstOf(
		schedule.FixedDelay(time.Hour),
		schedule.Daily(time.UTC, schedule.At(10, 20)),
	)

	next, ok := s.Next(t0, t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(20*time.Minute), next)

	next, ok = s.Next(t0.Add(30*time.Minute), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next)

	assert.Equal(t, t0, s.Initial(t0))

	ended := schedule.FirstOf(schedule.Until(schedule.FixedDelay(time.Hour), t0))
	_, ok = ended.Next(t0, t0)
	assert.False(t, ok)
}

func TestUntil(t *testing.T) {
	t.Parallel()

	s := schedule.Until(schedule.FixedDelay(time.Hour), t0.Add(2*time.Hour))

	next, ok := s.Next(t0, t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next)

	next, ok = s.Next(t0.Add(time.Hour), t0.Add(time.Hour))
	require.True(t, ok, "deadline is inclusive")
	assert.Equal(t, t0.Add(2*time.Hour), next)

	_, ok = s.Next(t0.Add(2*time.Hour), t0.Add(2*time.Hour))
	assert.False(t, ok)
}

func TestFunc(t *testing.T) {
	t.Parallel()

	calls := 0
	s := schedule.Func(func(now, last time.Time) (time.Time, bool) {
		calls++
		return last.Add(time.Duration(calls) * time.Minute), calls < 3
	}, nil)

	assert.Equal(t, t0, s.Initial(t0))
	next, ok := s.Next(t0, t0)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), next)
	_, _ = s.Next(t0, t0)
	_, ok = s.Next(t0, t0)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		now     time.Time
		want    time.Time
		wantErr bool
	}{
		{in: "FIXED_DELAY|1h", now: t0, want: t0.Add(time.Hour)},
		{in: "fixed_delay|90s", now: t0, want: t0.Add(90 * time.Second)},
		{in: "DAILY|10:30,12:00", now: t0, want: t0.Add(30 * time.Minute)},
		{in: "DAILY|10:30|Asia/Tokyo", now: t0, want: time.Date(2025, 3, 2, 1, 30, 0, 0, time.UTC)},
		{in: "0 0 * * *", now: t0, want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{in: "", wantErr: true},
		{in: "FIXED_DELAY|soon", wantErr: true},
		{in: "FIXED_DELAY|-1h", wantErr: true},
		{in: "DAILY|25:00", wantErr: true},
		{in: "DAILY|10", wantErr: true},
		{in: "DAILY|10:00|Mars/Olympus", wantErr: true},
		{in: "every tuesday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			s, err := schedule.Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			next, ok := s.Next(tt.now, tt.now)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
		})
	}
}
