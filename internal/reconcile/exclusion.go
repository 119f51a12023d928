package reconcile

import (
	"sort"
	"time"

	"classsync/internal/calendar"
	"classsync/internal/model"
)

// DayExclusion is the full-day interval [date 00:00, date+1 00:00) in loc,
// stored in UTC. The end is computed on the calendar, so a DST day is 23 or
// 25 hours long rather than a fixed 24.
func DayExclusion(date calendar.Date, loc *time.Location) model.Exclusion {
	return model.NewExclusion(date.In(loc), date.AddDays(1).In(loc))
}

// AddExplicitExclusion returns a copy of def carrying a full-day exclusion
// for date. It is a no-op when an interval starting on that day exists.
func AddExplicitExclusion(def model.ClassDefinition, date calendar.Date, loc *time.Location) model.ClassDefinition {
	ex := DayExclusion(date, loc)
	for _, existing := range def.Exclusions {
		if existing.Start.Equal(ex.Start) {
			return def
		}
	}
	out := def.Clone()
	out.Exclusions = append(out.Exclusions, ex)
	return out
}

// ExpandPatternExclusions produces the cadence exclusions of biweekly and
// monthly definitions, relative to now. Other recurrences yield nothing.
func ExpandPatternExclusions(def model.ClassDefinition, now time.Time, loc *time.Location, lookaheadMonths int) []model.Exclusion {
	switch def.Recurrence {
	case model.RecurrenceBiweekly:
		return biweeklyExclusions(def, now, loc, lookaheadMonths)
	case model.RecurrenceMonthly:
		return monthlyExclusions(def, now, loc)
	default:
		return nil
	}
}

func biweeklyExclusions(def model.ClassDefinition, now time.Time, loc *time.Location, lookaheadMonths int) []model.Exclusion {
	if def.StartDate.IsZero() {
		return nil
	}
	opts := calendar.BiweeklyOptions{
		Start:     calendar.At(def.StartDate, def.Pattern.Start, loc),
		Now:       now,
		Lookahead: lookaheadMonths,
	}
	if !def.EndDate.IsZero() {
		opts.End = calendar.At(def.EndDate, def.Pattern.End, loc)
	}

	var out []model.Exclusion
	for date := range calendar.BiweeklyOffWeeks(opts) {
		out = append(out, DayExclusion(date, loc))
	}
	return out
}

// monthlyExclusions blanks out every day between consecutive monthly anchors,
// so a definition projected daily only shows on its anchor day. The first
// interval runs from the previous month's anchor up to the first anchor; the
// rest run from the day after one anchor up to the next.
func monthlyExclusions(def model.ClassDefinition, now time.Time, loc *time.Location) []model.Exclusion {
	if def.StartDate.IsZero() {
		return nil
	}
	if !def.EndDate.IsZero() && now.After(calendar.At(def.EndDate, def.Pattern.End, loc)) {
		return nil
	}

	anchorDay := def.StartDate.Day
	anchors := calendar.MonthlyAnchors(anchorDay, now, loc, calendar.MonthlySpan)
	first, last := anchors[0], anchors[len(anchors)-1]

	points := make([]calendar.Date, 0, len(anchors)+2)
	points = append(points, calendar.MonthAnchor(first.Year, first.Month-1, anchorDay))
	points = append(points, anchors...)
	points = append(points, calendar.MonthAnchor(last.Year, last.Month+1, anchorDay))

	out := make([]model.Exclusion, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		from := points[i].AddDays(1)
		if i == 0 {
			from = points[i]
		}
		start := from.In(loc)
		end := points[i+1].In(loc)
		if !end.After(start) {
			continue
		}
		out = append(out, model.NewExclusion(start, end))
	}
	return out
}

// SessionExclusions merges a definition's explicit exclusions with its
// cadence exclusions, dropping intervals that start on an already covered
// instant, ordered by start.
func SessionExclusions(def model.ClassDefinition, now time.Time, loc *time.Location, lookaheadMonths int) []model.Exclusion {
	merged := make([]model.Exclusion, 0, len(def.Exclusions))
	seen := make(map[int64]struct{})
	add := func(ex model.Exclusion) {
		k := ex.Start.Unix()
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		merged = append(merged, ex)
	}
	for _, ex := range def.Exclusions {
		add(ex)
	}
	for _, ex := range ExpandPatternExclusions(def, now, loc, lookaheadMonths) {
		add(ex)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	return merged
}
