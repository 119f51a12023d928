package calendar

import (
	"fmt"
	"strings"
	"time"
)

// InvalidPatternError reports a recurrence day that is not a weekday name or
// that disagrees with the weekday of the definition's start date.
type InvalidPatternError struct {
	Day       string
	StartDate Date
	Reason    string
}

func (e *InvalidPatternError) Error() string {
	if e.StartDate.IsZero() {
		return fmt.Sprintf("invalid recurrence pattern %q: %s", e.Day, e.Reason)
	}
	return fmt.Sprintf("invalid recurrence pattern %q starting %s: %s", e.Day, e.StartDate, e.Reason)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday resolves one of the seven canonical weekday names, any case.
func ParseWeekday(day string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]
	if !ok {
		return 0, &InvalidPatternError{Day: day, Reason: "non supported day string"}
	}
	return wd, nil
}

// ValidatePattern checks day against the weekday startDate falls on.
func ValidatePattern(day string, startDate Date) (time.Weekday, error) {
	wd, err := ParseWeekday(day)
	if err != nil {
		return 0, err
	}
	if startDate.IsZero() {
		return wd, nil
	}
	if actual := startDate.Weekday(); actual != wd {
		return 0, &InvalidPatternError{
			Day:       day,
			StartDate: startDate,
			Reason:    fmt.Sprintf("start date falls on %s", actual),
		}
	}
	return wd, nil
}
