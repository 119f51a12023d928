package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"classsync/internal/calendar"
	appLog "classsync/internal/log"
	"classsync/internal/model"
)

// OccurrenceSource returns the concrete occurrences of one location/week.
type OccurrenceSource interface {
	FetchWeeklyOccurrences(ctx context.Context, loc model.Location, week calendar.Week) ([]model.Occurrence, error)
}

// DefinitionSource returns the recurring catalog of one location.
type DefinitionSource interface {
	LoadRecurringDefinitions(ctx context.Context, loc model.Location) ([]model.ClassDefinition, error)
}

// DigestStore persists the digest map between cycles.
type DigestStore interface {
	LoadDigests(ctx context.Context) (model.DigestMap, error)
	StoreDigests(ctx context.Context, digests model.DigestMap) error
}

// SessionStore materialises and purges sessions. Purge must be safe to call
// when nothing matches.
type SessionStore interface {
	MaterializeSession(ctx context.Context, s model.Session) (string, error)
	PurgeSessionsByLocationAndClass(ctx context.Context, locationID, classID string) (int, error)
}

// Phase is the reconciler's position within a cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseMatching
	PhaseDeriving
	PhaseHashing
	PhaseEmitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseMatching:
		return "matching"
	case PhaseDeriving:
		return "deriving"
	case PhaseHashing:
		return "hashing"
	case PhaseEmitting:
		return "emitting"
	default:
		return "unknown"
	}
}

// Options tunes a Reconciler. Zero values pick the defaults.
type Options struct {
	Location               *time.Location
	Weeks                  int
	LookaheadMonths        int
	FetchConcurrency       int
	DeriveConcurrency      int
	MaxSessionsPerLocation int
	DryRun                 bool
	Now                    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		loc, err := calendar.LoadLocation("")
		if err != nil {
			appLog.Warn("source timezone unavailable, using UTC", "err", err)
			loc = time.UTC
		}
		o.Location = loc
	}
	if o.Weeks <= 0 {
		o.Weeks = calendar.DefaultWeeks
	}
	if o.LookaheadMonths <= 0 {
		o.LookaheadMonths = calendar.LookaheadMonths
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 4
	}
	if o.DeriveConcurrency <= 0 {
		o.DeriveConcurrency = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Reconciler runs reconciliation cycles. Callers must not start a cycle
// while another is running; Running reports that.
type Reconciler struct {
	occurrences OccurrenceSource
	definitions DefinitionSource
	digests     DigestStore
	sessions    SessionStore
	opts        Options

	phase atomic.Int32

	mu   sync.Mutex
	last *Report
}

func New(occ OccurrenceSource, defs DefinitionSource, digests DigestStore, sessions SessionStore, opts Options) *Reconciler {
	return &Reconciler{
		occurrences: occ,
		definitions: defs,
		digests:     digests,
		sessions:    sessions,
		opts:        opts.withDefaults(),
	}
}

// Phase returns the current phase.
func (r *Reconciler) Phase() Phase { return Phase(r.phase.Load()) }

// Running reports whether a cycle is in progress.
func (r *Reconciler) Running() bool { return r.Phase() != PhaseIdle }

// LastReport returns the report of the most recent finished cycle.
func (r *Reconciler) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

func (r *Reconciler) setPhase(p Phase) {
	r.phase.Store(int32(p))
	appLog.Debug("reconcile phase", "phase", p.String())
}

// EnabledOnly filters all down to the enabled ids, keeping catalog order.
// An empty selection means every location.
func EnabledOnly(all []model.Location, enabled []string) []model.Location {
	if len(enabled) == 0 {
		return slices.Clone(all)
	}
	want := make(map[string]struct{}, len(enabled))
	for _, id := range enabled {
		want[strings.TrimSpace(id)] = struct{}{}
	}
	var out []model.Location
	for _, l := range all {
		if _, ok := want[l.ID]; ok {
			out = append(out, l)
		}
	}
	return out
}

// locationInput is everything fetched for one location.
type locationInput struct {
	location    model.Location
	definitions []model.ClassDefinition
	weeks       []WeekOccurrences
	errs        []error
	failed      bool
	// unreadable lists classes whose catalog entry did not decode; their
	// previous sessions and digest are left alone.
	unreadable []string
}

// pendingSession is one session awaiting emission. Pattern exclusions are
// expanded only at write time so the digest does not drift daily.
type pendingSession struct {
	session model.Session
	expand  bool
}

type classGroup struct {
	locationID string
	classID    string
	sessions   []pendingSession
	horizon    string
}

func (g classGroup) plain() []model.Session {
	out := make([]model.Session, 0, len(g.sessions))
	for _, p := range g.sessions {
		out = append(out, p.session)
	}
	return out
}

// RunReconciliationCycle fetches, matches, derives, hashes and emits the
// given locations. It never fails as a whole; problems are in the report.
func (r *Reconciler) RunReconciliationCycle(ctx context.Context, locations []model.Location) Report {
	now := r.opts.Now()
	report := Report{StartedAt: now, DryRun: r.opts.DryRun}
	defer func() {
		report.FinishedAt = r.opts.Now()
		r.setPhase(PhaseIdle)
		r.mu.Lock()
		snapshot := report
		r.last = &snapshot
		r.mu.Unlock()
	}()

	loc := r.opts.Location
	weeks := calendar.Weeks(now, loc, r.opts.Weeks)
	appLog.Info("reconcile cycle start", "locations", len(locations), "weeks", len(weeks), "now", now.In(loc).Format(time.RFC3339))

	previous, err := r.digests.LoadDigests(ctx)
	if err != nil {
		report.addErr(&PersistenceError{Op: "load digests", Err: err})
		for _, l := range locations {
			report.LocationsFailed = append(report.LocationsFailed, l.ID)
		}
		appLog.Error("reconcile cycle aborted", err)
		return report
	}
	if previous == nil {
		previous = model.DigestMap{}
	}

	r.setPhase(PhaseFetching)
	inputs := r.fetch(ctx, locations, weeks)

	var processed []*locationInput
	for _, in := range inputs {
		for _, err := range in.errs {
			report.addErr(err)
		}
		if in.failed {
			report.LocationsFailed = append(report.LocationsFailed, in.location.ID)
			continue
		}
		processed = append(processed, in)
		report.LocationsProcessed = append(report.LocationsProcessed, in.location.ID)
	}

	r.setPhase(PhaseMatching)
	derivations, derrs := r.derive(ctx, processed)
	for _, err := range derrs {
		report.addErr(err)
	}

	r.setPhase(PhaseDeriving)
	groups := make(map[string][]classGroup, len(processed))
	for i, in := range processed {
		g, collapsed := r.merge(in.location.ID, derivations[i], now)
		groups[in.location.ID] = g
		report.SessionsCollapsed += collapsed
	}

	r.setPhase(PhaseHashing)
	current := model.DigestMap{}
	byKey := make(map[[2]string]classGroup)
	processedIDs := make([]string, 0, len(processed))
	for _, in := range processed {
		processedIDs = append(processedIDs, in.location.ID)
		for _, g := range groups[in.location.ID] {
			current.Set(g.locationID, g.classID, Digest(g.plain(), g.horizon))
			byKey[[2]string{g.locationID, g.classID}] = g
		}
		for _, classID := range in.unreadable {
			if _, ok := current.Get(in.location.ID, classID); ok {
				continue
			}
			if d, ok := previous.Get(in.location.ID, classID); ok {
				current.Set(in.location.ID, classID, d)
			}
		}
	}
	changes := Plan(previous, current, processedIDs)

	r.setPhase(PhaseEmitting)
	next := previous.Clone()
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			report.addErr(&PersistenceError{LocationID: ch.LocationID, ClassID: ch.ClassID, Op: "emit", Err: err})
			break
		}
		r.emit(ctx, ch, byKey[[2]string{ch.LocationID, ch.ClassID}], next, now, &report)
	}

	if !r.opts.DryRun {
		if err := r.digests.StoreDigests(ctx, next); err != nil {
			report.addErr(&PersistenceError{Op: "store digests", Err: err})
			appLog.Error("store digests failed", err)
		}
	}

	appLog.Info("reconcile cycle done",
		"processed", len(report.LocationsProcessed),
		"failed", len(report.LocationsFailed),
		"emitted", report.ClassesEmitted,
		"purged", report.ClassesPurged,
		"unchanged", report.ClassesUnchanged,
		"written", report.SessionsWritten,
		"errors", len(report.Errors),
	)
	return report
}

// fetch loads definitions and every week for each location with bounded
// concurrency. Each goroutine writes only its own slot.
func (r *Reconciler) fetch(ctx context.Context, locations []model.Location, weeks []calendar.Week) []*locationInput {
	inputs := make([]*locationInput, len(locations))
	defErrs := make([]error, len(locations))
	badDefs := make([]model.DefinitionErrors, len(locations))
	weekOcc := make([][][]model.Occurrence, len(locations))
	weekErrs := make([][]error, len(locations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.FetchConcurrency)

	for i, l := range locations {
		inputs[i] = &locationInput{location: l}
		weekOcc[i] = make([][]model.Occurrence, len(weeks))
		weekErrs[i] = make([]error, len(weeks))

		g.Go(func() error {
			defs, err := r.definitions.LoadRecurringDefinitions(gctx, l)
			var bad model.DefinitionErrors
			if err != nil && (!errors.As(err, &bad) || !attributable(bad)) {
				defErrs[i] = &SourceUnavailableError{LocationID: l.ID, Week: -1, Err: err}
				return nil
			}
			inputs[i].definitions = defs
			badDefs[i] = bad
			return nil
		})
		for j, w := range weeks {
			g.Go(func() error {
				occ, err := r.occurrences.FetchWeeklyOccurrences(gctx, l, w)
				if err != nil {
					weekErrs[i][j] = &SourceUnavailableError{LocationID: l.ID, Week: w.Index, Err: err}
					return nil
				}
				weekOcc[i][j] = occ
				return nil
			})
		}
	}
	_ = g.Wait()

	for i, in := range inputs {
		if defErrs[i] != nil {
			in.errs = append(in.errs, defErrs[i])
			in.failed = true
			appLog.Warn("definitions unavailable", "location", in.location.ID, "err", defErrs[i])
		}
		for _, d := range badDefs[i] {
			in.errs = append(in.errs, &InvalidPatternError{LocationID: in.location.ID, ClassID: d.ClassID, Err: d.Err})
			in.unreadable = append(in.unreadable, d.ClassID)
			appLog.Warn("class definition unreadable, keeping stored sessions", "location", in.location.ID, "class", d.ClassID, "err", d.Err)
		}
		failedWeeks := 0
		for j, w := range weeks {
			if weekErrs[i][j] != nil {
				failedWeeks++
				in.errs = append(in.errs, weekErrs[i][j])
				appLog.Warn("week unavailable, treated as empty", "location", in.location.ID, "week", w.Index, "err", weekErrs[i][j])
			}
			valid, bad := validOccurrences(in.location.ID, w.Index, weekOcc[i][j])
			in.errs = append(in.errs, bad...)
			in.weeks = append(in.weeks, WeekOccurrences{Week: w, Occurrences: valid})
		}
		if len(weeks) > 0 && failedWeeks == len(weeks) {
			in.failed = true
		}
		appLog.Debug("location fetched", "location", in.location.ID, "definitions", len(in.definitions), "failed_weeks", failedWeeks, "failed", in.failed)
	}
	return inputs
}

// attributable reports whether every rejected entry names its class. An
// anonymous rejection could be any stored class, so the location cannot be
// reconciled safely.
func attributable(bad model.DefinitionErrors) bool {
	for _, d := range bad {
		if d.ClassID == "" {
			return false
		}
	}
	return true
}

// validOccurrences drops occurrences missing a required field.
func validOccurrences(locationID string, week int, occ []model.Occurrence) ([]model.Occurrence, []error) {
	out := make([]model.Occurrence, 0, len(occ))
	var errs []error
	for _, o := range occ {
		field := ""
		switch {
		case strings.TrimSpace(o.ID) == "":
			field = "id"
		case strings.TrimSpace(o.Title) == "":
			field = "title"
		case strings.TrimSpace(o.Date) == "":
			field = "date"
		case strings.TrimSpace(o.Time) == "":
			field = "time"
		}
		if field != "" {
			err := &MalformedOccurrenceError{LocationID: locationID, Week: week, OccurrenceID: o.ID, Field: field, Err: errors.New("missing")}
			appLog.Warn("skipping malformed occurrence", "location", locationID, "week", week, "id", o.ID, "field", field)
			errs = append(errs, err)
			continue
		}
		out = append(out, o)
	}
	return out, errs
}

// patternError reports whether def's day/start date pair can be trusted.
func patternError(def model.ClassDefinition) error {
	switch def.Recurrence {
	case model.RecurrenceWeekly, model.RecurrenceBiweekly:
		_, err := calendar.ValidatePattern(def.Pattern.Day, def.StartDate)
		return err
	case model.RecurrenceMonthly, model.RecurrenceDaily:
		if strings.TrimSpace(def.Pattern.Day) == "" {
			return nil
		}
		_, err := calendar.ParseWeekday(def.Pattern.Day)
		return err
	default:
		return nil
	}
}

type derived struct {
	Derivation
	valid bool
}

// derive runs Derive for every definition in parallel. Output slots are
// indexed by (location, definition), so workers never share a slot.
func (r *Reconciler) derive(ctx context.Context, inputs []*locationInput) ([][]derived, []error) {
	out := make([][]derived, len(inputs))
	for i, in := range inputs {
		out[i] = make([]derived, len(in.definitions))
	}

	var g errgroup.Group
	g.SetLimit(r.opts.DeriveConcurrency)
	for i, in := range inputs {
		for j, def := range in.definitions {
			if def.LocationID == "" {
				def.LocationID = in.location.ID
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					out[i][j] = derived{Derivation: Derivation{Definition: def.Clone()}}
					return nil
				}
				if err := patternError(def); err != nil {
					out[i][j] = derived{Derivation: Derivation{
						Definition: def.Clone(),
						Errors:     []error{&InvalidPatternError{LocationID: def.LocationID, ClassID: def.ClassID, Err: err}},
					}}
					return nil
				}
				out[i][j] = derived{Derivation: Derive(def, in.weeks, r.opts.Location), valid: true}
				return nil
			})
		}
	}
	_ = g.Wait()

	var errs []error
	for _, row := range out {
		for _, d := range row {
			for _, err := range d.Errors {
				appLog.Warn("derivation problem", "kind", ErrorKind(err), "err", err)
				errs = append(errs, err)
			}
		}
	}
	return out, errs
}

// merge builds the class groups of one location. Definitions are taken in
// catalog order; an override key already claimed by an earlier definition
// is dropped. Identical session content is written once per location, and
// the per-location cap is applied in class order.
func (r *Reconciler) merge(locationID string, ds []derived, now time.Time) ([]classGroup, int) {
	horizon := now.In(r.opts.Location).Format("2006-01")
	claimed := make(map[string]struct{})
	byClass := make(map[string]*classGroup)
	var order []string

	group := func(classID string) *classGroup {
		g, ok := byClass[classID]
		if !ok {
			g = &classGroup{locationID: locationID, classID: classID}
			byClass[classID] = g
			order = append(order, classID)
		}
		return g
	}

	for _, d := range ds {
		def := d.Definition
		g := group(def.ClassID)
		if d.valid && (def.Recurrence == model.RecurrenceBiweekly || def.Recurrence == model.RecurrenceMonthly) {
			g.horizon = horizon
		}
		for _, o := range d.Overrides {
			if _, dup := claimed[o.Key]; dup {
				appLog.Debug("override already claimed", "location", locationID, "class", def.ClassID, "key", o.Key)
				continue
			}
			claimed[o.Key] = struct{}{}
			g.sessions = append(g.sessions, pendingSession{session: o})
		}
		if d.Actualized {
			continue
		}
		g.sessions = append(g.sessions, pendingSession{
			session: model.Session{LocationID: locationID, Class: def},
			expand:  d.valid,
		})
	}

	sort.Strings(order)
	seen := make(map[string]struct{})
	collapsed, written := 0, 0
	out := make([]classGroup, 0, len(order))
	for _, classID := range order {
		g := byClass[classID]
		kept := g.sessions[:0]
		for _, p := range g.sessions {
			h := SessionHash(p.session)
			if _, dup := seen[h]; dup {
				collapsed++
				continue
			}
			if r.opts.MaxSessionsPerLocation > 0 && written >= r.opts.MaxSessionsPerLocation {
				continue
			}
			seen[h] = struct{}{}
			written++
			kept = append(kept, p)
		}
		g.sessions = kept
		if len(g.sessions) == 0 {
			continue
		}
		out = append(out, *g)
	}
	if r.opts.MaxSessionsPerLocation > 0 && written >= r.opts.MaxSessionsPerLocation {
		appLog.Warn("session cap reached", "location", locationID, "cap", r.opts.MaxSessionsPerLocation)
	}
	return out, collapsed
}

// emit applies one planned change. The digest in next only moves once the
// purge and every write for the class succeeded. A write failing after a
// successful purge drops the digest so the next cycle re-emits the class.
func (r *Reconciler) emit(ctx context.Context, ch Change, g classGroup, next model.DigestMap, now time.Time, report *Report) {
	logKV := []any{"location", ch.LocationID, "class", ch.ClassID, "action", ch.Action.String()}

	switch ch.Action {
	case ActionUnchanged:
		report.ClassesUnchanged++
		return
	case ActionVanished:
		if r.opts.DryRun {
			appLog.Info("dry run: would purge", logKV...)
			report.ClassesPurged++
			return
		}
		n, err := r.sessions.PurgeSessionsByLocationAndClass(ctx, ch.LocationID, ch.ClassID)
		if err != nil {
			report.addErr(&PersistenceError{LocationID: ch.LocationID, ClassID: ch.ClassID, Op: "purge", Err: err})
			appLog.Error("purge failed", err, logKV...)
			return
		}
		report.ClassesPurged++
		report.SessionsPurged += n
		next.Delete(ch.LocationID, ch.ClassID)
		appLog.Info("class vanished, purged", append(logKV, "sessions", n)...)
		return
	}

	if r.opts.DryRun {
		appLog.Info("dry run: would write", append(logKV, "sessions", len(g.sessions))...)
		report.ClassesEmitted++
		report.SessionsWritten += len(g.sessions)
		return
	}

	// New classes are purged too: a previous cycle may have written part of
	// the group before failing.
	n, err := r.sessions.PurgeSessionsByLocationAndClass(ctx, ch.LocationID, ch.ClassID)
	if err != nil {
		report.addErr(&PersistenceError{LocationID: ch.LocationID, ClassID: ch.ClassID, Op: "purge", Err: err})
		appLog.Error("purge failed", err, logKV...)
		return
	}
	report.SessionsPurged += n
	if ch.Action == ActionChanged || n > 0 {
		report.ClassesPurged++
	}

	for _, p := range g.sessions {
		s := p.session
		if p.expand {
			s.Class = s.Class.Clone()
			s.Class.Exclusions = SessionExclusions(s.Class, now, r.opts.Location, r.opts.LookaheadMonths)
		}
		if _, err := r.sessions.MaterializeSession(ctx, s); err != nil {
			report.addErr(&PersistenceError{LocationID: ch.LocationID, ClassID: ch.ClassID, Op: fmt.Sprintf("materialize %q", s.Key), Err: err})
			appLog.Error("materialize failed", err, logKV...)
			// The old sessions are gone; a kept digest would hide that forever.
			next.Delete(ch.LocationID, ch.ClassID)
			return
		}
		report.SessionsWritten++
	}
	report.ClassesEmitted++
	next.Set(ch.LocationID, ch.ClassID, ch.Digest)
	appLog.Debug("class emitted", append(logKV, "sessions", len(g.sessions), "purged", n)...)
}
