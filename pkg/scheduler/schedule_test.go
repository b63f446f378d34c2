package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/nstogner/godagent/pkg/domain"
)

func TestParseSchedule(t *testing.T) {
	valid := []struct {
		typ, value string
		want       Schedule
	}{
		{domain.ScheduleInterval, "5 minutes", Schedule{Type: domain.ScheduleInterval, Every: 5 * time.Minute}},
		{domain.ScheduleInterval, "1 hour", Schedule{Type: domain.ScheduleInterval, Every: time.Hour}},
		{domain.ScheduleInterval, "30 Seconds", Schedule{Type: domain.ScheduleInterval, Every: 30 * time.Second}},
		{domain.ScheduleInterval, "2 days", Schedule{Type: domain.ScheduleInterval, Every: 48 * time.Hour}},
		{domain.ScheduleDaily, "09:30", Schedule{Type: domain.ScheduleDaily, Hour: 9, Minute: 30}},
		{domain.ScheduleWeekly, "Monday 09:00", Schedule{Type: domain.ScheduleWeekly, Weekday: time.Monday, Hour: 9}},
		{domain.ScheduleWeekly, "fri 17:45", Schedule{Type: domain.ScheduleWeekly, Weekday: time.Friday, Hour: 17, Minute: 45}},
		{domain.ScheduleWeekly, "SUNDAY 00:00", Schedule{Type: domain.ScheduleWeekly, Weekday: time.Sunday}},
	}
	for _, c := range valid {
		got, err := ParseSchedule(c.typ, c.value)
		if err != nil {
			t.Errorf("ParseSchedule(%q, %q): %v", c.typ, c.value, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSchedule(%q, %q) = %+v, want %+v", c.typ, c.value, got, c.want)
		}
	}

	invalid := []struct{ typ, value string }{
		{domain.ScheduleInterval, "5"},
		{domain.ScheduleInterval, "0 minutes"},
		{domain.ScheduleInterval, "-1 hours"},
		{domain.ScheduleInterval, "5 fortnights"},
		{domain.ScheduleDaily, "25:00"},
		{domain.ScheduleDaily, "9am"},
		{domain.ScheduleWeekly, "Funday 09:00"},
		{domain.ScheduleWeekly, "mo 09:00"},
		{domain.ScheduleWeekly, "Monday"},
		{"cron", "* * * * *"},
	}
	for _, c := range invalid {
		if _, err := ParseSchedule(c.typ, c.value); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q, %q) err = %v, want ErrInvalidSchedule", c.typ, c.value, err)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	// Wednesday.
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		typ, value string
		want       time.Time
	}{
		{domain.ScheduleInterval, "5 minutes", base.Add(5 * time.Minute)},
		{domain.ScheduleDaily, "11:00", time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)},
		{domain.ScheduleDaily, "10:00", time.Date(2025, 1, 16, 10, 0, 0, 0, time.UTC)},
		{domain.ScheduleDaily, "09:00", time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC)},
		{domain.ScheduleWeekly, "Friday 09:00", time.Date(2025, 1, 17, 9, 0, 0, 0, time.UTC)},
		{domain.ScheduleWeekly, "Wednesday 12:00", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)},
		{domain.ScheduleWeekly, "Wednesday 09:00", time.Date(2025, 1, 22, 9, 0, 0, 0, time.UTC)},
		{domain.ScheduleWeekly, "Monday 09:00", time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		s, err := ParseSchedule(c.typ, c.value)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", c.value, err)
		}
		if got := s.Next(base); !got.Equal(c.want) {
			t.Errorf("Next(%s %q) = %v, want %v", c.typ, c.value, got, c.want)
		}
	}
}
