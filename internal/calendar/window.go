package calendar

import (
	"fmt"
	"strings"
	"time"
)

// DefaultWeeks is the size of the rolling fetch window.
const DefaultWeeks = 5

// Week is one slice of the rolling fetch window.
type Week struct {
	Index int
	Start time.Time
	End   time.Time
}

// Weeks returns count consecutive weeks starting Monday 01:00 of the week
// containing now, in loc. Each week spans seven calendar days.
func Weeks(now time.Time, loc *time.Location, count int) []Week {
	if count <= 0 {
		count = DefaultWeeks
	}
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7 // days since Monday
	monday := DateOf(local).AddDays(-offset)

	weeks := make([]Week, 0, count)
	for i := 0; i < count; i++ {
		startDay := monday.AddDays(7 * i)
		weeks = append(weeks, Week{
			Index: i,
			Start: At(startDay, Clock{Hour: 1}, loc),
			End:   At(startDay.AddDays(7), Clock{Hour: 1}, loc),
		})
	}
	return weeks
}

// ParseOccurrenceDate parses the upstream "Weekday, Month Day" label. The
// label carries no year, so the year is chosen to put the date nearest to
// the week it was fetched for (this handles the December/January boundary).
// A trailing ", 2006" year is honoured when present.
func ParseOccurrenceDate(label string, week Week) (Date, error) {
	parts := strings.Split(strings.TrimSpace(label), ",")
	if len(parts) < 2 {
		return Date{}, fmt.Errorf("calendar: occurrence date %q has no weekday prefix", label)
	}
	monthDay := strings.TrimSpace(parts[1])
	if len(parts) >= 3 {
		if d, err := ParseDate(monthDay + ", " + strings.TrimSpace(parts[2])); err == nil {
			return d, nil
		}
	}

	var md time.Time
	var err error
	for _, layout := range []string{"January 2", "Jan 2"} {
		if md, err = time.Parse(layout, monthDay); err == nil {
			break
		}
	}
	if err != nil {
		return Date{}, fmt.Errorf("calendar: occurrence date %q: %w", label, err)
	}

	ref := week.Start
	if ref.IsZero() {
		ref = time.Now()
	}
	best := Date{}
	var bestDist time.Duration
	for _, y := range []int{ref.Year() - 1, ref.Year(), ref.Year() + 1} {
		if md.Month() == time.February && md.Day() == 29 && !IsLeap(y) {
			continue
		}
		cand := Date{Year: y, Month: md.Month(), Day: md.Day()}
		dist := cand.In(ref.Location()).Sub(ref)
		if dist < 0 {
			dist = -dist
		}
		if best.IsZero() || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	if best.IsZero() {
		return Date{}, fmt.Errorf("calendar: occurrence date %q has no valid year near %s", label, ref.Format("2006-01-02"))
	}
	return best, nil
}
