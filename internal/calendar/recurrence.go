package calendar

import (
	"iter"
	"slices"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	// LookaheadMonths bounds biweekly expansion past today.
	LookaheadMonths = 2
	// MonthlySpan is the number of monthly anchors produced: the current
	// month through four months ahead.
	MonthlySpan = 5
)

// BiweeklyOptions describes the off-week expansion of a biweekly class.
type BiweeklyOptions struct {
	Start     time.Time // first meeting (date + start time) in the source zone
	End       time.Time // last meeting bound; zero means open-ended
	Now       time.Time
	Lookahead int // months; zero means LookaheadMonths
}

// BiweeklyOffWeeks lazily yields the dates a biweekly class does not meet:
// one week after Start, then every two weeks, limited to
// [today, min(End, today + Lookahead months)].
func BiweeklyOffWeeks(opts BiweeklyOptions) iter.Seq[Date] {
	return func(yield func(Date) bool) {
		loc := opts.Start.Location()
		months := opts.Lookahead
		if months <= 0 {
			months = LookaheadMonths
		}
		today := DayStart(opts.Now, loc)
		maxDate := today.AddDate(0, months, 0)

		first := opts.Start.AddDate(0, 0, 7)
		r, err := rrule.NewRRule(rrule.ROption{
			Freq:     rrule.WEEKLY,
			Interval: 2,
			Dtstart:  first,
		})
		if err != nil {
			return
		}

		next := r.Iterator()
		for {
			t, ok := next()
			if !ok {
				return
			}
			if !opts.End.IsZero() && !t.Before(opts.End) {
				return
			}
			if t.After(maxDate) {
				return
			}
			if t.Before(today) {
				continue
			}
			if !yield(DateOf(t.In(loc))) {
				return
			}
		}
	}
}

// BiweeklyDates collects BiweeklyOffWeeks.
func BiweeklyDates(opts BiweeklyOptions) []Date {
	return slices.Collect(BiweeklyOffWeeks(opts))
}

// MonthAnchor places anchorDay in the given month, clamped to the month's
// last day (31 -> 30 in April, 29/30/31 -> 28 or 29 in February).
func MonthAnchor(year int, month time.Month, anchorDay int) Date {
	// Normalise month overflow first so callers can pass month+n.
	first := time.Date(year, month, 1, 12, 0, 0, 0, time.UTC)
	y, m := first.Year(), first.Month()
	day := anchorDay
	if last := DaysIn(y, m); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return Date{Year: y, Month: m, Day: day}
}

// MonthlyAnchors returns count anchor dates starting with the month of now.
func MonthlyAnchors(anchorDay int, now time.Time, loc *time.Location, count int) []Date {
	if count <= 0 {
		count = MonthlySpan
	}
	local := now.In(loc)
	out := make([]Date, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, MonthAnchor(local.Year(), local.Month()+time.Month(i), anchorDay))
	}
	return out
}
