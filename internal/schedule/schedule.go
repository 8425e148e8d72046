// Package schedule computes due times for recurring tasks.
//
// A Schedule is a pure function of time. Next receives the instant the
// execution completed (now) and the execution_time it was scheduled for
// (lastScheduled); returning false ends the recurrence.
package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the due times of a recurring task.
type Schedule interface {
	// Next returns the due time following a run that was scheduled for
	// lastScheduled and finished at now. ok == false ends the recurrence.
	Next(now, lastScheduled time.Time) (next time.Time, ok bool)
	// Initial returns the first due time for a task registered at now.
	Initial(now time.Time) time.Time
}

// FixedDelay runs every d measured from the previous scheduled time, never
// from the wall-clock completion time. It panics if d is not positive.
func FixedDelay(d time.Duration) Schedule {
	if d <= 0 {
		panic(fmt.Sprintf("schedule: fixed delay must be positive, got %s", d))
	}
	return fixedDelay{d: d}
}

type fixedDelay struct {
	d time.Duration
}

func (f fixedDelay) Next(now, lastScheduled time.Time) (time.Time, bool) {
	if lastScheduled.IsZero() {
		return now.Add(f.d), true
	}
	return lastScheduled.Add(f.d), true
}

func (f fixedDelay) Initial(now time.Time) time.Time {
	return now
}

func (f fixedDelay) String() string {
	return "FIXED_DELAY|" + f.d.String()
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// At returns a TimeOfDay.
func At(hour, minute int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Daily runs at each of times every day in loc (UTC when nil).
func Daily(loc *time.Location, times ...TimeOfDay) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	sorted := slices.Clone(times)
	slices.SortFunc(sorted, func(a, b TimeOfDay) int {
		return (a.Hour*60 + a.Minute) - (b.Hour*60 + b.Minute)
	})
	return daily{loc: loc, times: sorted}
}

type daily struct {
	loc   *time.Location
	times []TimeOfDay
}

func (d daily) Next(now, _ time.Time) (time.Time, bool) {
	if len(d.times) == 0 {
		return time.Time{}, false
	}
	local := now.In(d.loc)
	y, m, day := local.Date()
	// two days covers every time-of-day including DST gaps
	for offset := 0; offset <= 2; offset++ {
		for _, t := range d.times {
			candidate := time.Date(y, m, day+offset, t.Hour, t.Minute, 0, 0, d.loc)
			if candidate.After(now) {
				return candidate.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (d daily) Initial(now time.Time) time.Time {
	next, ok := d.Next(now, time.Time{})
	if !ok {
		return now
	}
	return next
}

func (d daily) String() string {
	parts := make([]string, 0, len(d.times))
	for _, t := range d.times {
		parts = append(parts, t.String())
	}
	s := "DAILY|" + strings.Join(parts, ",")
	if d.loc != time.UTC {
		s += "|" + d.loc.String()
	}
	return s
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron parses a 5 or 6 field cron expression or a descriptor such as
// "@hourly". Expressions are evaluated in UTC unless a CRON_TZ= or TZ=
// prefix selects another zone.
func Cron(expr string) (Schedule, error) {
	spec := strings.TrimSpace(expr)
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=UTC " + spec
	}
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, s: s}, nil
}

// MustCron is like Cron but panics on an invalid expression.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

type cronSchedule struct {
	expr string
	s    cron.Schedule
}

func (c cronSchedule) Next(now, _ time.Time) (time.Time, bool) {
	next := c.s.Next(now)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func (c cronSchedule) Initial(now time.Time) time.Time {
	next, ok := c.Next(now, time.Time{})
	if !ok {
		return now
	}
	return next
}

func (c cronSchedule) String() string {
	return c.expr
}

// FirstOf combines schedules, picking the earliest next time among members
// that have one.
func FirstOf(members ...Schedule) Schedule {
	return firstOf(members)
}

type firstOf []Schedule

func (f firstOf) Next(now, lastScheduled time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, s := range f {
		next, ok := s.Next(now, lastScheduled)
		if ok && (!found || next.Before(best)) {
			best, found = next, true
		}
	}
	return best, found
}

func (f firstOf) Initial(now time.Time) time.Time {
	var best time.Time
	for i, s := range f {
		if t := s.Initial(now); i == 0 || t.Before(best) {
			best = t
		}
	}
	if best.IsZero() {
		return now
	}
	return best
}

// Until ends the recurrence of s once its next time would be after deadline.
func Until(s Schedule, deadline time.Time) Schedule {
	return until{s: s, deadline: deadline}
}

type until struct {
	s        Schedule
	deadline time.Time
}

func (u until) Next(now, lastScheduled time.Time) (time.Time, bool) {
	next, ok := u.s.Next(now, lastScheduled)
	if !ok || next.After(u.deadline) {
		return time.Time{}, false
	}
	return next, true
}

func (u until) Initial(now time.Time) time.Time {
	return u.s.Initial(now)
}

// Func adapts plain functions to a Schedule. A nil initial means "due now".
func Func(next func(now, lastScheduled time.Time) (time.Time, bool), initial func(now time.Time) time.Time) Schedule {
	return funcSchedule{next: next, initial: initial}
}

type funcSchedule struct {
	next    func(now, lastScheduled time.Time) (time.Time, bool)
	initial func(now time.Time) time.Time
}

func (f funcSchedule) Next(now, lastScheduled time.Time) (time.Time, bool) {
	return f.next(now, lastScheduled)
}

func (f funcSchedule) Initial(now time.Time) time.Time {
	if f.initial == nil {
		return now
	}
	return f.initial(now)
}
