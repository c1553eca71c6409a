package clock

import (
	"fmt"
	"time"

	// Embedded zoneinfo so the service day resolves identically on hosts
	// without a system tz database.
	_ "time/tzdata"
)

const dayLayout = "2006-01-02"

// Day is a civil date in the service timezone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// AddDays returns the civil date n days later (or earlier for negative n).
func (d Day) AddDays(n int) Day {
	t := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC)
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDay parses a YYYY-MM-DD service date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid service date %q: %w", s, err)
	}
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Calendar resolves service days in one fixed civil timezone.
type Calendar struct {
	loc *time.Location
}

func NewCalendar(timezone string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &Calendar{loc: loc}, nil
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Today returns the service day containing now.
func (c *Calendar) Today(now time.Time) Day {
	local := now.In(c.loc)
	return Day{Year: local.Year(), Month: local.Month(), Day: local.Day()}
}

// Bounds returns [start, end) of the day. On DST transition days the span
// is 23 or 25 hours.
func (c *Calendar) Bounds(d Day) (time.Time, time.Time) {
	start := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, c.loc)
	end := time.Date(d.Year, d.Month, d.Day+1, 0, 0, 0, 0, c.loc)
	return start, end
}

// EndOfDay is the instant a credential for d stops being valid.
func (c *Calendar) EndOfDay(d Day) time.Time {
	_, end := c.Bounds(d)
	return end
}
