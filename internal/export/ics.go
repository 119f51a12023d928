package export

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const ProductID = "-//classsync//schedules//EN"

// WriteICS renders instances as one VCALENDAR. Canceled overrides are kept
// with STATUS:CANCELLED so subscribers drop them instead of showing stale
// meetings.
func WriteICS(w io.Writer, name string, instances []Instance, now time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	for _, in := range instances {
		ev := cal.AddEvent(in.UID)
		ev.SetDtStampTime(now)
		ev.SetStartAt(in.Start)
		ev.SetEndAt(in.End)
		ev.SetSummary(in.Title)
		if loc := instanceLocation(in); loc != "" {
			ev.SetLocation(loc)
		}
		if desc := instanceDescription(in); desc != "" {
			ev.SetDescription(desc)
		}
		if in.RegLink != "" {
			ev.SetURL(in.RegLink)
		}
		if in.Canceled {
			ev.SetStatus(ical.ObjectStatusCancelled)
		} else {
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

func instanceLocation(in Instance) string {
	if in.Studio == "" {
		return in.LocationID
	}
	return in.Studio
}

func instanceDescription(in Instance) string {
	var lines []string
	if in.Instructor != "" {
		lines = append(lines, "Instructor: "+in.Instructor)
	}
	if in.Category != "" {
		lines = append(lines, "Category: "+in.Category)
	}
	if in.Description != "" {
		lines = append(lines, in.Description)
	}
	if in.RegLink != "" {
		lines = append(lines, "Register: "+in.RegLink)
	}
	return strings.Join(lines, "\n")
}
