package export

import (
	"bytes"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"classsync/internal/calendar"
	"classsync/internal/model"
)

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(calendar.SourceTimezone)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func fixtures(loc *time.Location) []model.Stored {
	mar11 := calendar.Date{Year: 2024, Month: time.March, Day: 11}
	base := model.ClassDefinition{
		ClassID:    "yoga",
		Title:      "YogaÂ®",
		Instructor: "Jane",
		Studio:     "A",
		Recurrence: model.RecurrenceWeekly,
		Pattern:    model.Pattern{Day: "Monday", Start: calendar.Clock{Hour: 9}, End: calendar.Clock{Hour: 10}},
		StartDate:  calendar.Date{Year: 2024, Month: time.January, Day: 1},
		Exclusions: []model.Exclusion{model.NewExclusion(mar11.In(loc), mar11.AddDays(1).In(loc))},
	}
	override := base.Clone()
	override.Recurrence = model.RecurrenceNone
	override.Title = "CANCELLED: Yoga"
	override.StartDate, override.EndDate = mar11, mar11
	override.Exclusions = nil
	override.ReservationID = "42"

	return []model.Stored{
		{ID: "base", ClassID: "yoga", Session: model.Session{LocationID: "L", Class: base}},
		{ID: "over", ClassID: "yoga", Session: model.Session{LocationID: "L", Key: "1:501", Derived: true, Canceled: true, Class: override}},
	}
}

func TestExpandHonoursExclusionsAndDST(t *testing.T) {
	loc := chicago(t)
	res, err := Expand(fixtures(loc), ExpandConfig{
		Location:   loc,
		RangeStart: time.Date(2024, time.March, 1, 0, 0, 0, 0, loc),
		RangeEnd:   time.Date(2024, time.March, 31, 0, 0, 0, 0, loc),
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(res.Instances) != 4 {
		t.Fatalf("got %d instances: %+v", len(res.Instances), res.Instances)
	}

	wantUTC := []string{"2024-03-04T15:00:00Z", "2024-03-11T14:00:00Z", "2024-03-18T14:00:00Z", "2024-03-25T14:00:00Z"}
	for i, in := range res.Instances {
		if got := in.Start.UTC().Format(time.RFC3339); got != wantUTC[i] {
			t.Fatalf("instance %d starts %s, want %s", i, got, wantUTC[i])
		}
		if in.End.Sub(in.Start) != time.Hour {
			t.Fatalf("instance %d lasts %s", i, in.End.Sub(in.Start))
		}
	}
	if !res.Instances[1].Canceled || res.Instances[1].SessionID != "over" {
		t.Fatalf("March 11 must come from the canceled override: %+v", res.Instances[1])
	}
	if res.Instances[0].Title != "Yoga®" {
		t.Fatalf("title not cleaned: %q", res.Instances[0].Title)
	}
	if res.Instances[1].RegLink != model.RegistrationBaseURL+"42" {
		t.Fatalf("reg link = %q", res.Instances[1].RegLink)
	}
}

func TestExpandCap(t *testing.T) {
	loc := chicago(t)
	res, err := Expand(fixtures(loc)[:1], ExpandConfig{
		Location:               loc,
		RangeStart:             time.Date(2024, time.January, 1, 0, 0, 0, 0, loc),
		RangeEnd:               time.Date(2024, time.December, 31, 0, 0, 0, 0, loc),
		MaxInstancesPerSession: 3,
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(res.Instances) != 3 || len(res.TruncatedSessions) != 1 {
		t.Fatalf("instances=%d truncated=%v", len(res.Instances), res.TruncatedSessions)
	}
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	if _, err := Expand(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteICSRoundTrip(t *testing.T) {
	loc := chicago(t)
	res, err := Expand(fixtures(loc), ExpandConfig{
		Location:   loc,
		RangeStart: time.Date(2024, time.March, 1, 0, 0, 0, 0, loc),
		RangeEnd:   time.Date(2024, time.March, 31, 0, 0, 0, 0, loc),
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteICS(&buf, "Downtown", res.Instances, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("write: %v", err)
	}
	cal, err := ical.ParseCalendar(&buf)
	if err != nil {
		t.Fatalf("parse back: %v", err)
	}
	events := cal.Events()
	if len(events) != 4 {
		t.Fatalf("got %d events", len(events))
	}

	canceled := 0
	for _, ev := range events {
		status := ev.GetProperty(ical.ComponentPropertyStatus)
		if status != nil && status.Value == string(ical.ObjectStatusCancelled) {
			canceled++
			if url := ev.GetProperty(ical.ComponentPropertyUrl); url == nil || url.Value != model.RegistrationBaseURL+"42" {
				t.Fatalf("canceled event lost its registration link")
			}
		}
		start, err := ev.GetStartAt()
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if start.Month() != time.March {
			t.Fatalf("unexpected start %s", start)
		}
	}
	if canceled != 1 {
		t.Fatalf("canceled events = %d", canceled)
	}
}
