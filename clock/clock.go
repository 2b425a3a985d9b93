// Package clock owns every day and week boundary computation used for
// quota windows. Callers inject a Clock so tests can pin "now".
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a Fixed clock pinned at t.
func NewFixed(t time.Time) *Fixed { return &Fixed{now: t} }

// Now implements Clock.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Calendar turns instants into quota window identifiers in one location.
// The zero Calendar uses the system clock and UTC.
type Calendar struct {
	Clock    Clock
	Location *time.Location
}

// NewCalendar returns a Calendar over c in loc. A nil loc means UTC.
func NewCalendar(c Clock, loc *time.Location) Calendar {
	return Calendar{Clock: c, Location: loc}
}

// Now returns the current instant in the calendar's location.
func (c Calendar) Now() time.Time {
	clk := c.Clock
	if clk == nil {
		clk = System{}
	}
	return clk.Now().In(c.location())
}

// Today returns the day identifier for now.
func (c Calendar) Today() string { return c.Day(c.Now()) }

// ThisWeek returns the week identifier for now.
func (c Calendar) ThisWeek() string { return c.WeekID(c.Now()) }

// Day formats t as YYYY-MM-DD in the calendar's location.
func (c Calendar) Day(t time.Time) string {
	return t.In(c.location()).Format(time.DateOnly)
}

// WeekStart returns midnight on the Monday of t's week.
func (c Calendar) WeekStart(t time.Time) time.Time {
	t = t.In(c.location())
	offset := (int(t.Weekday()) + 6) % 7 // Monday == 0
	d := t.AddDate(0, 0, -offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.location())
}

// WeekID returns "{year}-W{nn}" for t's week. The year is the Monday's year
// and nn counts whole weeks since January 1 of that year, starting at 01.
func (c Calendar) WeekID(t time.Time) string {
	monday := c.WeekStart(t)
	week := (monday.YearDay()-1)/7 + 1
	return fmt.Sprintf("%d-W%02d", monday.Year(), week)
}

// NextDay returns midnight after t.
func (c Calendar) NextDay(t time.Time) time.Time {
	t = t.In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.location())
}

// NextWeek returns the Monday midnight after t's week.
func (c Calendar) NextWeek(t time.Time) time.Time {
	return c.WeekStart(t).AddDate(0, 0, 7)
}

func (c Calendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
