package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse builds a Schedule from its configuration form:
//
//	FIXED_DELAY|1h30m
//	DAILY|08:00,17:30
//	DAILY|08:00|Europe/Oslo
//	0 */15 * * * *        (anything else is a cron expression)
func Parse(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	kind, rest, _ := strings.Cut(s, "|")
	switch strings.ToUpper(kind) {
	case "FIXED_DELAY":
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("parse fixed delay %q: %w", s, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("fixed delay must be positive: %q", s)
		}
		return FixedDelay(d), nil
	case "DAILY":
		return parseDaily(s, rest)
	default:
		return Cron(s)
	}
}

func parseDaily(s, rest string) (Schedule, error) {
	timesPart, zone, _ := strings.Cut(rest, "|")

	loc := time.UTC
	if zone = strings.TrimSpace(zone); zone != "" {
		var err error
		if loc, err = time.LoadLocation(zone); err != nil {
			return nil, fmt.Errorf("parse daily %q: %w", s, err)
		}
	}

	var times []TimeOfDay
	for _, part := range strings.Split(timesPart, ",") {
		t, err := parseTimeOfDay(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse daily %q: %w", s, err)
		}
		times = append(times, t)
	}
	return Daily(loc, times...), nil
}

func parseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad minute", s)
	}
	return At(hour, minute), nil
}
