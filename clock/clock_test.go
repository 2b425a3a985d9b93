package clock_test

import (
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/clock"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestWeekID(t *testing.T) {
	cal := clock.Calendar{}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"monday jan 1 2024", date(2024, time.January, 1, 9), "2024-W01"},
		{"sunday closes week one", date(2024, time.January, 7, 23), "2024-W01"},
		{"second monday", date(2024, time.January, 8, 0), "2024-W02"},
		{"mid february", date(2024, time.February, 14, 12), "2024-W07"},
		{"new year in previous year's week", date(2025, time.January, 1, 8), "2024-W53"},
		{"first monday of 2025", date(2025, time.January, 6, 8), "2025-W01"},
		{"monday jan 2 2023", date(2023, time.January, 2, 8), "2023-W01"},
		{"sunday jan 1 2023", date(2023, time.January, 1, 8), "2022-W52"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.WeekID(tt.at); got != tt.want {
				t.Errorf("WeekID(%s) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestWeekStart(t *testing.T) {
	cal := clock.Calendar{}

	got := cal.WeekStart(date(2024, time.March, 10, 18)) // Sunday
	want := date(2024, time.March, 4, 0)
	if !got.Equal(want) {
		t.Errorf("WeekStart = %s, want %s", got, want)
	}

	if next := cal.NextWeek(date(2024, time.March, 10, 18)); !next.Equal(date(2024, time.March, 11, 0)) {
		t.Errorf("NextWeek = %s", next)
	}
}

func TestDayUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	fixed := clock.NewFixed(date(2024, time.June, 30, 20)) // 05:00 on Jul 1 in Tokyo

	utc := clock.NewCalendar(fixed, nil)
	jst := clock.NewCalendar(fixed, tokyo)

	if got := utc.Today(); got != "2024-06-30" {
		t.Errorf("utc Today = %s", got)
	}
	if got := jst.Today(); got != "2024-07-01" {
		t.Errorf("jst Today = %s", got)
	}
}

func TestFixedAdvance(t *testing.T) {
	fixed := clock.NewFixed(date(2024, time.January, 7, 23))
	cal := clock.NewCalendar(fixed, nil)

	if got := cal.ThisWeek(); got != "2024-W01" {
		t.Fatalf("ThisWeek = %s", got)
	}

	fixed.Advance(2 * time.Hour)
	if got := cal.ThisWeek(); got != "2024-W02" {
		t.Errorf("after advance ThisWeek = %s", got)
	}
	if got := cal.Today(); got != "2024-01-08" {
		t.Errorf("after advance Today = %s", got)
	}
}
