package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/nstogner/godagent/pkg/domain"
)

// ErrInvalidSchedule is returned for schedule values that cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is a parsed task schedule.
type Schedule struct {
	Type string

	// Every is the period of interval schedules.
	Every time.Duration

	// Hour and Minute are the fire time of daily and weekly schedules.
	Hour, Minute int

	// Weekday is the fire day of weekly schedules.
	Weekday time.Weekday
}

var units = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

var weekdays = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseSchedule parses a schedule of the given type:
//
//	interval  "5 minutes", "1 hour", "30 seconds", "2 days"
//	daily     "09:00"
//	weekly    "Monday 09:00", "fri 17:30"
func ParseSchedule(typ, value string) (Schedule, error) {
	value = strings.TrimSpace(value)
	switch typ {
	case domain.ScheduleInterval:
		fields := strings.Fields(strings.ToLower(value))
		if len(fields) != 2 {
			return Schedule{}, fmt.Errorf("%w: interval %q must look like \"5 minutes\"", ErrInvalidSchedule, value)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 {
			return Schedule{}, fmt.Errorf("%w: interval count %q must be a positive integer", ErrInvalidSchedule, fields[0])
		}
		unit, ok := units[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			return Schedule{}, fmt.Errorf("%w: unknown interval unit %q", ErrInvalidSchedule, fields[1])
		}
		return Schedule{Type: typ, Every: time.Duration(n) * unit}, nil

	case domain.ScheduleDaily:
		h, m, err := parseClock(value)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Type: typ, Hour: h, Minute: m}, nil

	case domain.ScheduleWeekly:
		fields := strings.Fields(value)
		if len(fields) != 2 {
			return Schedule{}, fmt.Errorf("%w: weekly %q must look like \"Monday 09:00\"", ErrInvalidSchedule, value)
		}
		day := strings.ToLower(fields[0])
		if len(day) < 3 {
			return Schedule{}, fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, fields[0])
		}
		wd, ok := weekdays[day[:3]]
		if !ok || !strings.HasPrefix(strings.ToLower(wd.String()), day) {
			return Schedule{}, fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, fields[0])
		}
		h, m, err := parseClock(fields[1])
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Type: typ, Weekday: wd, Hour: h, Minute: m}, nil
	}
	return Schedule{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, typ)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSchedule, s)
	}
	return t.Hour(), t.Minute(), nil
}

// Next returns the first fire time strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.Type {
	case domain.ScheduleInterval:
		return t.Add(s.Every)
	case domain.ScheduleDaily:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case domain.ScheduleWeekly:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
		days := (int(s.Weekday) - int(t.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
	return t
}

func (s Schedule) String() string {
	switch s.Type {
	case domain.ScheduleInterval:
		return "every " + s.Every.String()
	case domain.ScheduleDaily:
		return fmt.Sprintf("daily at %02d:%02d", s.Hour, s.Minute)
	case domain.ScheduleWeekly:
		return fmt.Sprintf("%s at %02d:%02d", s.Weekday, s.Hour, s.Minute)
	}
	return s.Type
}

// jobDefinition translates the schedule into a gocron job definition.
func (s Schedule) jobDefinition() gocron.JobDefinition {
	at := gocron.NewAtTimes(gocron.NewAtTime(uint(s.Hour), uint(s.Minute), 0))
	switch s.Type {
	case domain.ScheduleDaily:
		return gocron.DailyJob(1, at)
	case domain.ScheduleWeekly:
		return gocron.WeeklyJob(1, gocron.NewWeekdays(s.Weekday), at)
	}
	return gocron.DurationJob(s.Every)
}
