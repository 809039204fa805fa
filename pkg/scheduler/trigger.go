package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trigger computes fire times. Next returns the first fire time strictly
// after t.
type Trigger interface {
	Next(t time.Time) time.Time
	String() string
}

type everyTrigger struct {
	interval time.Duration
}

// Every fires at a fixed interval. The first fire is one interval after
// the scheduler starts.
func Every(d time.Duration) Trigger {
	if d <= 0 {
		panic(fmt.Sprintf("scheduler: non-positive interval %s", d))
	}
	return everyTrigger{interval: d}
}

func (e everyTrigger) Next(t time.Time) time.Time {
	return t.Add(e.interval)
}

func (e everyTrigger) String() string {
	return "every " + e.interval.String()
}

type dailyTrigger struct {
	hour, minute int
	loc          *time.Location
}

// Daily fires once a day at hour:minute in loc.
func Daily(hour, minute int, loc *time.Location) (Trigger, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	if loc == nil {
		loc = time.Local
	}
	return dailyTrigger{hour: hour, minute: minute, loc: loc}, nil
}

// ParseDaily parses "HH:MM" into a Daily trigger.
func ParseDaily(s string, loc *time.Location) (Trigger, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return nil, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return nil, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return Daily(hour, minute, loc)
}

func (d dailyTrigger) Next(t time.Time) time.Time {
	local := t.In(d.loc)
	y, m, day := local.Date()
	next := time.Date(y, m, day, d.hour, d.minute, 0, 0, d.loc)
	for !next.After(t) {
		day++
		next = time.Date(y, m, day, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

func (d dailyTrigger) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", d.hour, d.minute, d.loc)
}
