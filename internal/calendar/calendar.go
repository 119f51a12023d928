// Package calendar holds the civil date/time primitives used by reconciliation.
//
// All arithmetic happens on wall-clock values in the source timezone; callers
// convert to UTC only after the calendar math is done, so DST transitions never
// shift a computed day.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceTimezone is the zone the upstream schedule publishes wall-clock times in.
const SourceTimezone = "America/Chicago"

// StorageLayout is the layout exclusion boundaries are persisted with (UTC).
const StorageLayout = "2006-01-02T15:04:05"

// Date is a civil calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays is calendar-aware (month and year rollover), never a fixed 24h step.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) Before(o Date) bool { return d.compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.compare(o) > 0 }

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return int(d.Month) - int(o.Month)
	default:
		return d.Day - o.Day
	}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText renders the zero date as empty so open-ended ranges round-trip.
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"Monday, January 2, 2006",
}

// ParseDate parses the date shapes the class catalog publishes.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, errors.New("calendar: empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("calendar: unrecognised date %q", s)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Kitchen renders the upstream "g:ia" form, e.g. 9:05am, 12:30pm.
func (c Clock) Kitchen() string {
	suffix := "am"
	h := c.Hour
	if h >= 12 {
		suffix = "pm"
	}
	h %= 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d%s", h, c.Minute, suffix)
}

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClock accepts 24h "15:04" / "15:04:05" and 12h "3:04pm" forms.
func ParseClock(s string) (Clock, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Clock{}, errors.New("calendar: empty time")
	}
	for _, layout := range []string{"15:04", "15:04:05", "3:04pm", "3:04 pm", "3pm"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	// Some catalog rows carry single-digit hours without padding ("9:00").
	if h, m, ok := strings.Cut(s, ":"); ok {
		hour, herr := strconv.Atoi(h)
		minute, merr := strconv.Atoi(m)
		if herr == nil && merr == nil && hour >= 0 && hour < 24 && minute >= 0 && minute < 60 {
			return Clock{Hour: hour, Minute: minute}, nil
		}
	}
	return Clock{}, fmt.Errorf("calendar: unrecognised time %q", s)
}

// FormatRange synthesizes the time range string the upstream shows for a class.
func FormatRange(start, end Clock) string {
	return start.Kitchen() + "-" + end.Kitchen()
}

// At combines a civil date and wall-clock time in loc.
func At(d Date, c Clock, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// DayStart is midnight of t's civil date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	return DateOf(t.In(loc)).In(loc)
}

// LoadLocation resolves name, falling back to the source timezone when empty.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		name = SourceTimezone
	}
	return time.LoadLocation(name)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// IsLeap reports whether y is a Gregorian leap year.
func IsLeap(y int) bool {
	return DaysIn(y, time.February) == 29
}
