package reconcile

import (
	"encoding/json"
	"time"
)

// Report summarises one reconciliation cycle. It is always returned, even
// when every location failed; callers decide whether Errors is fatal.
type Report struct {
	StartedAt          time.Time
	FinishedAt         time.Time
	DryRun             bool
	LocationsProcessed []string
	LocationsFailed    []string
	ClassesEmitted     int
	ClassesPurged      int
	ClassesUnchanged   int
	SessionsWritten    int
	SessionsPurged     int
	SessionsCollapsed  int
	Errors             []error
}

// OK reports whether the cycle finished without any error.
func (r Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) addErr(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

type reportError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (r Report) MarshalJSON() ([]byte, error) {
	errs := make([]reportError, 0, len(r.Errors))
	for _, err := range r.Errors {
		errs = append(errs, reportError{Kind: ErrorKind(err), Message: err.Error()})
	}
	processed := r.LocationsProcessed
	if processed == nil {
		processed = []string{}
	}
	failed := r.LocationsFailed
	if failed == nil {
		failed = []string{}
	}
	return json.Marshal(struct {
		StartedAt          time.Time     `json:"started_at"`
		FinishedAt         time.Time     `json:"finished_at"`
		DurationMS         int64         `json:"duration_ms"`
		DryRun             bool          `json:"dry_run,omitempty"`
		LocationsProcessed []string      `json:"locations_processed"`
		LocationsFailed    []string      `json:"locations_failed"`
		ClassesEmitted     int           `json:"classes_emitted"`
		ClassesPurged      int           `json:"classes_purged"`
		ClassesUnchanged   int           `json:"classes_unchanged"`
		SessionsWritten    int           `json:"sessions_written"`
		SessionsPurged     int           `json:"sessions_purged"`
		SessionsCollapsed  int           `json:"sessions_collapsed"`
		Errors             []reportError `json:"errors"`
	}{
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		DurationMS:         r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		DryRun:             r.DryRun,
		LocationsProcessed: processed,
		LocationsFailed:    failed,
		ClassesEmitted:     r.ClassesEmitted,
		ClassesPurged:      r.ClassesPurged,
		ClassesUnchanged:   r.ClassesUnchanged,
		SessionsWritten:    r.SessionsWritten,
		SessionsPurged:     r.SessionsPurged,
		SessionsCollapsed:  r.SessionsCollapsed,
		Errors:             errs,
	})
}
