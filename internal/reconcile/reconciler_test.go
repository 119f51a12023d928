package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

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

type fakeSource struct {
	mu      sync.Mutex
	defs    map[string][]model.ClassDefinition
	defErr  map[string]error
	weeks   map[string]map[int][]model.Occurrence
	weekErr map[string]map[int]error
	fetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		defs:    map[string][]model.ClassDefinition{},
		defErr:  map[string]error{},
		weeks:   map[string]map[int][]model.Occurrence{},
		weekErr: map[string]map[int]error{},
	}
}

func (f *fakeSource) addOccurrence(locID string, week int, occ model.Occurrence) {
	if f.weeks[locID] == nil {
		f.weeks[locID] = map[int][]model.Occurrence{}
	}
	f.weeks[locID][week] = append(f.weeks[locID][week], occ)
}

func (f *fakeSource) FetchWeeklyOccurrences(_ context.Context, loc model.Location, week calendar.Week) ([]model.Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.weekErr[loc.ID][week.Index]; err != nil {
		return nil, err
	}
	return append([]model.Occurrence(nil), f.weeks[loc.ID][week.Index]...), nil
}

func (f *fakeSource) LoadRecurringDefinitions(_ context.Context, loc model.Location) ([]model.ClassDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ClassDefinition(nil), f.defs[loc.ID]...), f.defErr[loc.ID]
}

type fakeStore struct {
	mu              sync.Mutex
	sessions        map[string][]model.Session // location/class
	digests         model.DigestMap
	purgeCalls      int
	failMaterialize bool
	failPurge       bool
	seq             int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string][]model.Session{}}
}

func key(locID, classID string) string { return locID + "/" + classID }

func (s *fakeStore) MaterializeSession(_ context.Context, sess model.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMaterialize {
		return "", errors.New("disk full")
	}
	s.seq++
	k := key(sess.LocationID, sess.Class.ClassID)
	s.sessions[k] = append(s.sessions[k], sess)
	return fmt.Sprintf("s%d", s.seq), nil
}

func (s *fakeStore) PurgeSessionsByLocationAndClass(_ context.Context, locationID, classID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPurge {
		return 0, errors.New("connection reset")
	}
	s.purgeCalls++
	k := key(locationID, classID)
	n := len(s.sessions[k])
	delete(s.sessions, k)
	return n, nil
}

func (s *fakeStore) LoadDigests(context.Context) (model.DigestMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digests.Clone(), nil
}

func (s *fakeStore) StoreDigests(_ context.Context, m model.DigestMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = m.Clone()
	return nil
}

func (s *fakeStore) group(locID, classID string) []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]model.Session(nil), s.sessions[key(locID, classID)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var locL = model.Location{ID: "L", ExternalID: "101", Name: "Downtown"}

func yogaDef() model.ClassDefinition {
	return model.ClassDefinition{
		ClassID:    "yoga",
		LocationID: "L",
		Title:      "Yoga",
		Instructor: "Jane",
		Studio:     "A",
		Category:   "Mind Body",
		Recurrence: model.RecurrenceWeekly,
		Pattern:    model.Pattern{Day: "Monday", Start: calendar.Clock{Hour: 9}, End: calendar.Clock{Hour: 10}},
		StartDate:  calendar.Date{Year: 2024, Month: time.January, Day: 1},
	}
}

func yogaOcc(id, date string) model.Occurrence {
	return model.Occurrence{
		ID:                 id,
		Title:              "Yoga",
		OriginalInstructor: "Jane",
		Studio:             "A",
		Category:           "Mind Body",
		Date:               date,
		Time:               "9:00am-10:00am",
	}
}

func newTestReconciler(t *testing.T, src *fakeSource, st *fakeStore, opts Options) *Reconciler {
	t.Helper()
	if opts.Location == nil {
		opts.Location = chicago(t)
	}
	if opts.Now == nil {
		now := time.Date(2024, time.February, 28, 10, 0, 0, 0, opts.Location)
		opts.Now = func() time.Time { return now }
	}
	return New(src, src, st, st, opts)
}

func findOverride(t *testing.T, sessions []model.Session, date calendar.Date) model.Session {
	t.Helper()
	for _, s := range sessions {
		if s.Derived && s.Class.StartDate == date {
			return s
		}
	}
	t.Fatalf("no derived session on %s in %+v", date, sessions)
	return model.Session{}
}

func findBase(t *testing.T, sessions []model.Session) model.Session {
	t.Helper()
	for _, s := range sessions {
		if !s.Derived {
			return s
		}
	}
	t.Fatalf("no base session in %+v", sessions)
	return model.Session{}
}

func TestCycleCancellationAndSubstitution(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	canceled := yogaOcc("501", "Monday, March 10")
	canceled.Canceled = true
	canceled.Title = "CANCELLED: Yoga"
	src.addOccurrence("L", 2, canceled)
	sub := yogaOcc("502", "Monday, March 17")
	sub.SubInstructor = "Bob"
	src.addOccurrence("L", 3, sub)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})

	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if report.ClassesEmitted != 1 || report.SessionsWritten != 3 {
		t.Fatalf("emitted=%d written=%d, want 1 and 3", report.ClassesEmitted, report.SessionsWritten)
	}

	sessions := st.group("L", "yoga")
	cancel := findOverride(t, sessions, calendar.Date{Year: 2024, Month: time.March, Day: 10})
	if cancel.Class.Title != "CANCELLED: Yoga" || !cancel.Canceled {
		t.Fatalf("cancel override = %+v", cancel)
	}
	if cancel.Key != OverrideKey(2, "501") {
		t.Fatalf("cancel key = %q", cancel.Key)
	}
	subbed := findOverride(t, sessions, calendar.Date{Year: 2024, Month: time.March, Day: 17})
	if subbed.Class.Instructor != "Bob (Sub For: Jane)" {
		t.Fatalf("sub instructor = %q", subbed.Class.Instructor)
	}
	if subbed.Canceled {
		t.Fatalf("substitution must not be canceled")
	}

	base := findBase(t, sessions)
	if len(base.Class.Exclusions) != 2 {
		t.Fatalf("base exclusions = %+v", base.Class.Exclusions)
	}
	// March 10 2024 is the spring-forward day in Chicago: a 23 hour interval.
	first := base.Class.Exclusions[0]
	if first.Value() != "2024-03-10T06:00:00" || first.EndValue() != "2024-03-11T05:00:00" {
		t.Fatalf("cancel exclusion = %s..%s", first.Value(), first.EndValue())
	}
	second := base.Class.Exclusions[1]
	if second.Value() != "2024-03-17T05:00:00" || second.EndValue() != "2024-03-18T05:00:00" {
		t.Fatalf("sub exclusion = %s..%s", second.Value(), second.EndValue())
	}
}

func TestCycleIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	occ := yogaOcc("501", "Monday, March 10")
	occ.Canceled = true
	src.addOccurrence("L", 2, occ)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	firstDigests := st.digests.Clone()
	purges := st.purgeCalls

	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if st.purgeCalls != purges {
		t.Fatalf("second run purged %d times", st.purgeCalls-purges)
	}
	if report.ClassesUnchanged != 1 || report.ClassesEmitted != 0 || report.ClassesPurged != 0 {
		t.Fatalf("second report = %+v", report)
	}
	d1, _ := firstDigests.Get("L", "yoga")
	d2, _ := st.digests.Get("L", "yoga")
	if d1 == "" || d1 != d2 {
		t.Fatalf("digest moved: %q -> %q", d1, d2)
	}
}

func TestVanishedClassIsPurgedExactlyOnce(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if len(st.group("L", "yoga")) != 1 {
		t.Fatalf("base session not written")
	}

	src.defs["L"] = nil
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if report.ClassesPurged != 1 || report.SessionsPurged != 1 {
		t.Fatalf("vanish report = %+v", report)
	}
	if len(st.group("L", "yoga")) != 0 {
		t.Fatalf("sessions left after purge")
	}
	if _, ok := st.digests.Get("L", "yoga"); ok {
		t.Fatalf("digest entry not removed")
	}

	calls := st.purgeCalls
	report = rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if st.purgeCalls != calls || report.ClassesPurged != 0 {
		t.Fatalf("vanished class purged again")
	}
}

func TestPersistenceFailureDoesNotAdvanceDigest(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	st := newFakeStore()
	st.failMaterialize = true
	rec := newTestReconciler(t, src, st, Options{})

	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	var perr *PersistenceError
	if len(report.Errors) != 1 || !errors.As(report.Errors[0], &perr) {
		t.Fatalf("errors = %v", report.Errors)
	}
	if ErrorKind(report.Errors[0]) != "persistence" {
		t.Fatalf("kind = %q", ErrorKind(report.Errors[0]))
	}
	if _, ok := st.digests.Get("L", "yoga"); ok {
		t.Fatalf("digest advanced despite failed write")
	}

	st.failMaterialize = false
	report = rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if report.ClassesEmitted != 1 || !report.OK() {
		t.Fatalf("retry report = %+v", report)
	}
	if _, ok := st.digests.Get("L", "yoga"); !ok {
		t.Fatalf("digest not recorded after retry")
	}
}

func TestPurgeFailureKeepsPreviousDigest(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	before, _ := st.digests.Get("L", "yoga")

	changed := yogaDef()
	changed.Studio = "B"
	src.defs["L"] = []model.ClassDefinition{changed}
	st.failPurge = true
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if report.OK() {
		t.Fatalf("expected purge error")
	}
	after, _ := st.digests.Get("L", "yoga")
	if after != before {
		t.Fatalf("digest advanced past failed purge")
	}
}

func TestSourceFailureIsIsolatedPerLocation(t *testing.T) {
	locM := model.Location{ID: "M", ExternalID: "202"}
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	spin := yogaDef()
	spin.ClassID, spin.LocationID, spin.Title = "spin", "M", "Spin"
	src.defs["M"] = []model.ClassDefinition{spin}

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{Weeks: 2})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL, locM})

	src.defs["M"] = nil
	src.defErr["M"] = errors.New("503 service unavailable")
	src.weekErr["L"] = map[int]error{1: errors.New("timeout")}
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL, locM})

	if fmt.Sprint(report.LocationsProcessed) != "[L]" || fmt.Sprint(report.LocationsFailed) != "[M]" {
		t.Fatalf("processed=%v failed=%v", report.LocationsProcessed, report.LocationsFailed)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("errors = %v", report.Errors)
	}
	for _, err := range report.Errors {
		if ErrorKind(err) != "source_unavailable" {
			t.Fatalf("kind of %v = %q", err, ErrorKind(err))
		}
	}
	if _, ok := st.digests.Get("M", "spin"); !ok {
		t.Fatalf("failed location lost its digest")
	}
	if len(st.group("M", "spin")) != 1 {
		t.Fatalf("failed location's sessions were purged")
	}
}

func TestAllWeeksFailingFailsLocation(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	src.weekErr["L"] = map[int]error{0: errors.New("down"), 1: errors.New("down")}
	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{Weeks: 2})

	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if len(report.LocationsProcessed) != 0 || len(report.LocationsFailed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if st.purgeCalls != 0 {
		t.Fatalf("failed location touched the store")
	}
}

func TestDuplicateOccurrencePayloadCollapses(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	occ := yogaOcc("501", "Monday, March 10")
	occ.Canceled = true
	src.addOccurrence("L", 1, occ)
	dup := occ
	dup.ID = "777"
	src.addOccurrence("L", 2, dup)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})

	sessions := st.group("L", "yoga")
	derived := 0
	for _, s := range sessions {
		if s.Derived {
			derived++
		}
	}
	if derived != 1 || report.SessionsCollapsed != 1 {
		t.Fatalf("derived=%d collapsed=%d", derived, report.SessionsCollapsed)
	}
	if base := findBase(t, sessions); len(base.Class.Exclusions) != 1 {
		t.Fatalf("exclusions = %+v", base.Class.Exclusions)
	}
}

func TestMonthlyDefinitionActualization(t *testing.T) {
	loc := chicago(t)
	monthly := yogaDef()
	monthly.ClassID = "brunch"
	monthly.Title = "Brunch Flow"
	monthly.Recurrence = model.RecurrenceMonthly
	monthly.Pattern.Day = ""
	monthly.StartDate = calendar.Date{Year: 2024, Month: time.January, Day: 15}

	idle := monthly
	idle.ClassID = "idle"
	idle.Title = "Idle Flow"

	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{monthly, idle}
	occ := yogaOcc("900", "Friday, March 15")
	occ.Title = "Brunch Flow"
	src.addOccurrence("L", 2, occ)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{Location: loc})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if !report.OK() {
		t.Fatalf("errors: %v", report.Errors)
	}

	brunch := st.group("L", "brunch")
	if len(brunch) != 1 || !brunch[0].Derived {
		t.Fatalf("actualized monthly sessions = %+v", brunch)
	}
	if brunch[0].Class.Recurrence != model.RecurrenceNone {
		t.Fatalf("override recurrence = %v", brunch[0].Class.Recurrence)
	}

	idleSessions := st.group("L", "idle")
	if len(idleSessions) != 1 || idleSessions[0].Derived {
		t.Fatalf("unmatched monthly must keep its definition: %+v", idleSessions)
	}
	if len(idleSessions[0].Class.Exclusions) == 0 {
		t.Fatalf("monthly definition written without gap exclusions")
	}
}

func TestInvalidPatternSkipsDerivation(t *testing.T) {
	bad := yogaDef()
	bad.Pattern.Day = "Tuesday" // 2024-01-01 is a Monday
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{bad}
	occ := yogaOcc("501", "Monday, March 10")
	occ.Canceled = true
	src.addOccurrence("L", 2, occ)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})

	if len(report.Errors) != 1 || ErrorKind(report.Errors[0]) != "invalid_pattern" {
		t.Fatalf("errors = %v", report.Errors)
	}
	sessions := st.group("L", "yoga")
	if len(sessions) != 1 || sessions[0].Derived || len(sessions[0].Class.Exclusions) != 0 {
		t.Fatalf("invalid class should be written unmodified, got %+v", sessions)
	}
}

func TestMalformedOccurrenceIsSkipped(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	broken := yogaOcc("", "Monday, March 10")
	broken.Canceled = true
	src.addOccurrence("L", 2, broken)
	good := yogaOcc("502", "Monday, March 17")
	good.SubInstructor = "Bob"
	src.addOccurrence("L", 3, good)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})

	var merr *MalformedOccurrenceError
	if len(report.Errors) != 1 || !errors.As(report.Errors[0], &merr) || merr.Field != "id" {
		t.Fatalf("errors = %v", report.Errors)
	}
	if report.SessionsWritten != 2 {
		t.Fatalf("written = %d, want base + substitution", report.SessionsWritten)
	}
}

func TestSessionCapPerLocation(t *testing.T) {
	src := newFakeSource()
	a, b := yogaDef(), yogaDef()
	a.ClassID, a.Title = "a", "Alpha"
	b.ClassID, b.Title = "b", "Beta"
	src.defs["L"] = []model.ClassDefinition{b, a}

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{MaxSessionsPerLocation: 1})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if report.SessionsWritten != 1 {
		t.Fatalf("written = %d", report.SessionsWritten)
	}
	if len(st.group("L", "a")) != 1 || len(st.group("L", "b")) != 0 {
		t.Fatalf("cap should keep the first class in id order")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{DryRun: true})
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if report.ClassesEmitted != 1 || report.SessionsWritten != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(st.group("L", "yoga")) != 0 || st.digests != nil {
		t.Fatalf("dry run reached the store")
	}
	if rec.Running() {
		t.Fatalf("phase not reset to idle")
	}
	if last, ok := rec.LastReport(); !ok || last.ClassesEmitted != 1 {
		t.Fatalf("last report not recorded")
	}
}

func TestEnabledOnly(t *testing.T) {
	all := []model.Location{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if got := EnabledOnly(all, nil); len(got) != 3 {
		t.Fatalf("empty selection must mean all, got %v", got)
	}
	got := EnabledOnly(all, []string{"c", " a"})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("got %v", got)
	}
}

func TestFailedRewriteForcesReemission(t *testing.T) {
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	occ := yogaOcc("501", "Monday, March 10")
	occ.Canceled = true
	src.addOccurrence("L", 2, occ)

	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if len(st.group("L", "yoga")) != 2 {
		t.Fatalf("first cycle sessions = %+v", st.group("L", "yoga"))
	}

	src.weeks["L"] = nil
	st.failMaterialize = true
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if len(report.Errors) != 1 || ErrorKind(report.Errors[0]) != "persistence" {
		t.Fatalf("errors = %v", report.Errors)
	}
	if len(st.group("L", "yoga")) != 0 {
		t.Fatalf("purge did not run before the failed write")
	}
	if _, ok := st.digests.Get("L", "yoga"); ok {
		t.Fatalf("digest survived a purge whose rewrite failed")
	}

	// Back to the first cycle's schedule: its digest must not look unchanged.
	src.addOccurrence("L", 2, occ)
	st.failMaterialize = false
	report = rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if !report.OK() || report.ClassesEmitted != 1 || report.ClassesUnchanged != 0 {
		t.Fatalf("recovery report = %+v", report)
	}
	if len(st.group("L", "yoga")) != 2 {
		t.Fatalf("sessions not restored: %+v", st.group("L", "yoga"))
	}
}

func TestUnreadableDefinitionKeepsStoredClass(t *testing.T) {
	spin := yogaDef()
	spin.ClassID, spin.Title = "spin", "Spin"
	src := newFakeSource()
	src.defs["L"] = []model.ClassDefinition{yogaDef()}
	st := newFakeStore()
	rec := newTestReconciler(t, src, st, Options{})
	rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	before, ok := st.digests.Get("L", "yoga")
	if !ok {
		t.Fatalf("first cycle stored no digest")
	}

	src.defs["L"] = []model.ClassDefinition{spin}
	src.defErr["L"] = model.DefinitionErrors{{Index: 0, ClassID: "yoga", Err: errors.New(`unknown recurrence "fortnightly"`)}}
	report := rec.RunReconciliationCycle(context.Background(), []model.Location{locL})

	if fmt.Sprint(report.LocationsProcessed) != "[L]" {
		t.Fatalf("processed = %v failed = %v", report.LocationsProcessed, report.LocationsFailed)
	}
	var perr *InvalidPatternError
	if len(report.Errors) != 1 || !errors.As(report.Errors[0], &perr) || perr.ClassID != "yoga" {
		t.Fatalf("errors = %v", report.Errors)
	}
	if report.ClassesPurged != 0 || len(st.group("L", "yoga")) != 1 {
		t.Fatalf("unreadable class was purged: %+v", report)
	}
	if after, _ := st.digests.Get("L", "yoga"); after != before {
		t.Fatalf("digest moved: %q -> %q", before, after)
	}
	if len(st.group("L", "spin")) != 1 {
		t.Fatalf("readable class not written")
	}

	// A rejected entry without a class id could be any stored class.
	src.defErr["L"] = model.DefinitionErrors{{Index: 1, Err: errors.New("not an object")}}
	report = rec.RunReconciliationCycle(context.Background(), []model.Location{locL})
	if fmt.Sprint(report.LocationsFailed) != "[L]" || len(st.group("L", "yoga")) != 1 {
		t.Fatalf("anonymous rejection: failed = %v yoga = %d", report.LocationsFailed, len(st.group("L", "yoga")))
	}
}

func TestOverrideKeysDoNotCollide(t *testing.T) {
	loc := chicago(t)
	if OverrideKey(1, "234") == OverrideKey(12, "34") {
		t.Fatalf("keys collide: %q", OverrideKey(1, "234"))
	}

	ws := calendar.Weeks(time.Date(2024, time.February, 28, 10, 0, 0, 0, loc), loc, 13)
	first := yogaOcc("234", "Monday, March 4")
	first.Canceled = true
	second := yogaOcc("34", "Monday, May 20")
	second.Canceled = true
	d := Derive(yogaDef(), []WeekOccurrences{
		{Week: ws[1], Occurrences: []model.Occurrence{first}},
		{Week: ws[12], Occurrences: []model.Occurrence{second}},
	}, loc)
	if len(d.Errors) != 0 {
		t.Fatalf("errors = %v", d.Errors)
	}
	if len(d.Overrides) != 2 {
		t.Fatalf("got %d overrides, want 2: %+v", len(d.Overrides), d.Overrides)
	}
}

func TestDefaultLocationIsSourceTimezone(t *testing.T) {
	chicago(t)
	rec := New(newFakeSource(), newFakeSource(), newFakeStore(), newFakeStore(), Options{})
	if got := rec.opts.Location.String(); got != calendar.SourceTimezone {
		t.Fatalf("default location = %q", got)
	}
}
