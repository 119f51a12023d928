package reconcile

import (
	"strconv"
	"strings"
	"time"

	"classsync/internal/calendar"
	"classsync/internal/model"
	"classsync/internal/normalize"
)

// Classification is the outcome of matching one definition against one
// occurrence. Substitution and Cancellation may both be set.
type Classification uint8

const (
	NoMatch      Classification = 0
	Substitution Classification = 1 << (iota - 1)
	Cancellation
	Actualization
)

func (c Classification) Has(flag Classification) bool { return c&flag != 0 }

func (c Classification) String() string {
	if c == NoMatch {
		return "none"
	}
	var parts []string
	if c.Has(Actualization) {
		parts = append(parts, "monthly")
	}
	if c.Has(Substitution) {
		parts = append(parts, "substitution")
	}
	if c.Has(Cancellation) {
		parts = append(parts, "cancellation")
	}
	return strings.Join(parts, "+")
}

// Classify decides what an occurrence means for a definition. An equivalent
// occurrence with neither a substitute nor a cancellation is NoMatch for a
// weekly-style definition: the base projection already covers it.
func Classify(def model.ClassDefinition, occ model.Occurrence) Classification {
	if !normalize.Equivalent(def, occ) {
		return NoMatch
	}
	var c Classification
	if def.Recurrence == model.RecurrenceMonthly {
		c |= Actualization
	}
	if strings.TrimSpace(occ.SubInstructor) != "" {
		c |= Substitution
	}
	if occ.Canceled {
		c |= Cancellation
	}
	return c
}

// WeekOccurrences is the upstream occurrence set of one fetch week.
type WeekOccurrences struct {
	Week        calendar.Week
	Occurrences []model.Occurrence
}

// Derivation is the result of reconciling one definition against its
// location's weeks. Definition is a copy; the input is never modified.
type Derivation struct {
	Definition model.ClassDefinition
	Overrides  []model.Session
	// Actualized is set for monthly definitions that matched at least one
	// occurrence; the abstract definition is then not emitted.
	Actualized bool
	Errors     []error
}

// OverrideKey is the per-location key of a derived session. The separator
// keeps week 1/id "234" apart from week 12/id "34".
func OverrideKey(week int, occurrenceID string) string {
	return strconv.Itoa(week) + ":" + occurrenceID
}

// Derive matches def against every occurrence of every week, in ascending
// week order, and returns the amended definition plus derived sessions.
func Derive(def model.ClassDefinition, weeks []WeekOccurrences, loc *time.Location) Derivation {
	out := Derivation{Definition: def.Clone()}
	byKey := make(map[string]int)

	for _, w := range weeks {
		for _, occ := range w.Occurrences {
			class := Classify(def, occ)
			if class == NoMatch {
				continue
			}

			date, err := calendar.ParseOccurrenceDate(occ.Date, w.Week)
			if err != nil {
				out.Errors = append(out.Errors, &MalformedOccurrenceError{
					LocationID:   def.LocationID,
					Week:         w.Week.Index,
					OccurrenceID: occ.ID,
					Field:        "date",
					Err:          err,
				})
				continue
			}

			key := OverrideKey(w.Week.Index, occ.ID)
			idx, exists := byKey[key]
			if !exists {
				out.Overrides = append(out.Overrides, newOverride(def, occ, key, date))
				idx = len(out.Overrides) - 1
				byKey[key] = idx
			}
			session := &out.Overrides[idx]

			if class.Has(Substitution) {
				session.Class.Instructor = normalize.SubInstructor(occ.SubInstructor, occ.OriginalInstructor)
			}
			if class.Has(Cancellation) {
				session.Class.Title = normalize.CancelledTitle(def.Title)
				session.Canceled = true
			}

			if class.Has(Actualization) {
				out.Actualized = true
				continue
			}
			out.Definition = AddExplicitExclusion(out.Definition, date, loc)
		}
	}
	return out
}

// newOverride copies def into a one-off session on date.
func newOverride(def model.ClassDefinition, occ model.Occurrence, key string, date calendar.Date) model.Session {
	class := def.Clone()
	class.Recurrence = model.RecurrenceNone
	class.StartDate = date
	class.EndDate = date
	class.Exclusions = nil
	if class.ReservationID == "" {
		class.ReservationID = occ.ReservationID
	}
	return model.Session{
		LocationID: def.LocationID,
		Key:        key,
		Derived:    true,
		Class:      class,
	}
}
