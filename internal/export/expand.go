// Package export projects stored sessions into concrete calendar instances
// and renders them as iCalendar for the schedules page and feed readers.
package export

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"classsync/internal/calendar"
	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/normalize"
)

const defaultMaxInstancesPerSession = 500

// ExpandConfig controls projection.
type ExpandConfig struct {
	// Location is the source timezone sessions are defined in.
	Location *time.Location
	// RangeStart / RangeEnd bound instance start times, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time
	// MaxInstancesPerSession caps one session's projection. Zero means 500.
	MaxInstancesPerSession int
}

// Instance is one concrete meeting of a session.
type Instance struct {
	UID         string
	SessionID   string
	LocationID  string
	ClassID     string
	Title       string
	Instructor  string
	Studio      string
	Category    string
	Description string
	Start       time.Time
	End         time.Time
	Canceled    bool
	Derived     bool
	RegLink     string
}

// ExpandResult carries the instances plus the sessions that hit the cap.
type ExpandResult struct {
	Instances         []Instance
	TruncatedSessions []string
}

// Expand projects sessions into instances inside the configured range.
// Weekly and biweekly sessions repeat on their pattern day (biweekly off
// weeks are carried as exclusions), daily and monthly repeat every day
// (monthly gaps are exclusions), and one-offs occur once. Instances that
// start inside an exclusion interval are dropped.
func Expand(sessions []model.Stored, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxInstancesPerSession <= 0 {
		cfg.MaxInstancesPerSession = defaultMaxInstancesPerSession
	}

	for _, st := range sessions {
		starts, truncated, err := instanceStarts(st.Session.Class, cfg)
		if err != nil {
			appLog.Warn("expand: skipping session", "id", st.ID, "class", st.ClassID, "err", err)
			continue
		}
		if truncated {
			result.TruncatedSessions = append(result.TruncatedSessions, st.ID)
			appLog.Warn("expand: instances truncated", "id", st.ID, "cap", cfg.MaxInstancesPerSession)
		}
		for _, start := range starts {
			result.Instances = append(result.Instances, makeInstance(st, start, cfg.Location))
		}
	}

	sort.SliceStable(result.Instances, func(i, j int) bool {
		a, b := result.Instances[i], result.Instances[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.UID < b.UID
	})
	return result, nil
}

func instanceStarts(c model.ClassDefinition, cfg ExpandConfig) ([]time.Time, bool, error) {
	if c.StartDate.IsZero() {
		return nil, false, errors.New("no start date")
	}
	dtstart := calendar.At(c.StartDate, c.Pattern.Start, cfg.Location)

	if c.Recurrence == model.RecurrenceNone {
		if dtstart.Before(cfg.RangeStart) || dtstart.After(cfg.RangeEnd) || excluded(c.Exclusions, dtstart) {
			return nil, false, nil
		}
		return []time.Time{dtstart}, false, nil
	}

	opt := rrule.ROption{Dtstart: dtstart, Freq: rrule.DAILY}
	switch c.Recurrence {
	case model.RecurrenceWeekly, model.RecurrenceBiweekly:
		wd, err := c.Pattern.Weekday()
		if err != nil {
			return nil, false, err
		}
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rruleWeekday(wd)}
	case model.RecurrenceDaily, model.RecurrenceMonthly:
		opt.Freq = rrule.DAILY
	}
	if !c.EndDate.IsZero() {
		opt.Until = calendar.At(c.EndDate, c.Pattern.End, cfg.Location)
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, false, err
	}

	var out []time.Time
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(cfg.RangeEnd) {
			break
		}
		if t.Before(cfg.RangeStart) || excluded(c.Exclusions, t) {
			continue
		}
		if len(out) == cfg.MaxInstancesPerSession {
			return out, true, nil
		}
		out = append(out, t)
	}
	return out, false, nil
}

func excluded(ex []model.Exclusion, t time.Time) bool {
	for _, e := range ex {
		if e.Contains(t) {
			return true
		}
	}
	return false
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func makeInstance(st model.Stored, start time.Time, loc *time.Location) Instance {
	c := st.Session.Class
	end := calendar.At(calendar.DateOf(start.In(loc)), c.Pattern.End, loc)
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	return Instance{
		UID:         st.ID + "-" + start.UTC().Format("20060102T150405Z"),
		SessionID:   st.ID,
		LocationID:  st.Session.LocationID,
		ClassID:     st.ClassID,
		Title:       normalize.CleanTitle(c.Title),
		Instructor:  c.Instructor,
		Studio:      c.Studio,
		Category:    c.Category,
		Description: c.Description,
		Start:       start,
		End:         end,
		Canceled:    st.Session.Canceled,
		Derived:     st.Session.Derived,
		RegLink:     st.Session.RegLink(),
	}
}
