package reconcile

import (
	"errors"
	"fmt"

	"classsync/internal/calendar"
)

// SourceUnavailableError is a failed fetch for one location (and week, when
// Week >= 0). Week is -1 for a failed definition load.
type SourceUnavailableError struct {
	LocationID string
	Week       int
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	if e.Week < 0 {
		return fmt.Sprintf("location %s: class definitions unavailable: %v", e.LocationID, e.Err)
	}
	return fmt.Sprintf("location %s week %d: schedule unavailable: %v", e.LocationID, e.Week, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// MalformedOccurrenceError is an upstream occurrence missing a required field
// or carrying an unparseable date.
type MalformedOccurrenceError struct {
	LocationID   string
	Week         int
	OccurrenceID string
	Field        string
	Err          error
}

func (e *MalformedOccurrenceError) Error() string {
	msg := fmt.Sprintf("location %s week %d: malformed occurrence %q: bad %s", e.LocationID, e.Week, e.OccurrenceID, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedOccurrenceError) Unwrap() error { return e.Err }

// InvalidPatternError is a class definition whose recurrence pattern cannot
// be trusted; the class is emitted unmodified without derivation.
type InvalidPatternError struct {
	LocationID string
	ClassID    string
	Err        error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("location %s class %s: %v", e.LocationID, e.ClassID, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// PersistenceError is a failed write against the session or digest store.
type PersistenceError struct {
	LocationID string
	ClassID    string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.ClassID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("location %s class %s: %s: %v", e.LocationID, e.ClassID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind maps cycle errors to a stable label for logs and reports.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		srcErr     *SourceUnavailableError
		occErr     *MalformedOccurrenceError
		patternErr *InvalidPatternError
		calErr     *calendar.InvalidPatternError
		persistErr *PersistenceError
	)
	switch {
	case errors.As(err, &srcErr):
		return "source_unavailable"
	case errors.As(err, &occErr):
		return "malformed_occurrence"
	case errors.As(err, &patternErr), errors.As(err, &calErr):
		return "invalid_pattern"
	case errors.As(err, &persistErr):
		return "persistence"
	}
	return "unexpected"
}
