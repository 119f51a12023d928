// Package storetest is a behavioural suite every store.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"classsync/internal/calendar"
	"classsync/internal/model"
	"classsync/internal/store"
)

// Run exercises a fresh store from open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("materialize and list", func(t *testing.T) { testMaterialize(t, open(t)) })
	t.Run("purge in chunks", func(t *testing.T) { testPurge(t, open(t)) })
	t.Run("digests round trip", func(t *testing.T) { testDigests(t, open(t)) })
	t.Run("enabled locations", func(t *testing.T) { testEnabled(t, open(t)) })
}

func session(loc, class, key string) model.Session {
	ex := model.NewExclusion(
		time.Date(2024, time.March, 10, 6, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 11, 5, 0, 0, 0, time.UTC),
	)
	return model.Session{
		LocationID: loc,
		Key:        key,
		Derived:    key != "",
		Class: model.ClassDefinition{
			ClassID:    class,
			LocationID: loc,
			Title:      "Yoga",
			Instructor: "Jane",
			Recurrence: model.RecurrenceWeekly,
			Pattern:    model.Pattern{Day: "Monday", Start: calendar.Clock{Hour: 9}, End: calendar.Clock{Hour: 10}},
			StartDate:  calendar.Date{Year: 2024, Month: time.January, Day: 1},
			Exclusions: []model.Exclusion{ex},
		},
	}
}

func testMaterialize(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.MaterializeSession(ctx, session("L", "yoga", ""))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if id == "" {
		t.Fatalf("empty id")
	}
	if _, err := s.MaterializeSession(ctx, session("M", "spin", "2501")); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	all, err := s.ListSessions(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d sessions", len(all))
	}

	got, err := s.ListSessions(ctx, store.Filter{LocationID: "L"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].ClassID != "yoga" {
		t.Fatalf("filtered = %+v", got)
	}
	c := got[0].Session.Class
	if c.Pattern.TimeRange() != "9:00am-10:00am" || len(c.Exclusions) != 1 || c.Exclusions[0].Value() != "2024-03-10T06:00:00" {
		t.Fatalf("class did not round trip: %+v", c)
	}
	if !c.EndDate.IsZero() {
		t.Fatalf("open end date round tripped as %v", c.EndDate)
	}
}

func testPurge(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	const n = store.PurgeChunkSize*2 + 7
	for i := range n {
		if _, err := s.MaterializeSession(ctx, session("L", "yoga", fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("materialize %d: %v", i, err)
		}
	}
	if _, err := s.MaterializeSession(ctx, session("L", "spin", "")); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	removed, err := s.PurgeSessionsByLocationAndClass(ctx, "L", "yoga")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != n {
		t.Fatalf("removed %d, want %d", removed, n)
	}
	left, _ := s.ListSessions(ctx, store.Filter{LocationID: "L"})
	if len(left) != 1 || left[0].ClassID != "spin" {
		t.Fatalf("left = %+v", left)
	}

	removed, err = s.PurgeSessionsByLocationAndClass(ctx, "L", "yoga")
	if err != nil || removed != 0 {
		t.Fatalf("empty purge = %d, %v", removed, err)
	}
}

func testDigests(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	empty, err := s.LoadDigests(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("initial digests = %v, %v", empty, err)
	}
	want := model.DigestMap{"L": {"yoga": "d1", "spin": "d2"}, "M": {"row": "d3"}}
	if err := s.StoreDigests(ctx, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	next := want.Clone()
	next.Delete("M", "row")
	next.Set("L", "yoga", "d1b")
	if err := s.StoreDigests(ctx, next); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := s.LoadDigests(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d, _ := got.Get("L", "yoga"); d != "d1b" {
		t.Fatalf("yoga = %q", d)
	}
	if _, ok := got.Get("M", "row"); ok {
		t.Fatalf("deleted entry survived")
	}
	if len(got["L"]) != 2 {
		t.Fatalf("L = %v", got["L"])
	}
}

func testEnabled(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ids, err := s.EnabledLocations(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("initial = %v, %v", ids, err)
	}
	if err := s.SetEnabledLocations(ctx, []string{"b", " a", "b", ""}); err != nil {
		t.Fatalf("set: %v", err)
	}
	ids, err = s.EnabledLocations(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fmt.Sprint(ids) != "[b a]" {
		t.Fatalf("ids = %v", ids)
	}
}
