package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classsync/internal/calendar"
)

// RegistrationBaseURL prefixes a reservation id to form the sign-up link.
const RegistrationBaseURL = "https://www.groupexpro.com/gxp/reservations/start/index/"

// Recurrence is the cadence of a class definition.
type Recurrence int

const (
	RecurrenceNone Recurrence = iota
	RecurrenceDaily
	RecurrenceWeekly
	RecurrenceBiweekly
	RecurrenceMonthly
)

var recurrenceNames = map[Recurrence]string{
	RecurrenceNone:     "none",
	RecurrenceDaily:    "daily",
	RecurrenceWeekly:   "weekly",
	RecurrenceBiweekly: "biweekly",
	RecurrenceMonthly:  "monthly",
}

func (r Recurrence) String() string {
	if s, ok := recurrenceNames[r]; ok {
		return s
	}
	return "recurrence(" + strconv.Itoa(int(r)) + ")"
}

// ParseRecurrence maps the catalog's "recurring" value. Empty means none.
func ParseRecurrence(s string) (Recurrence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RecurrenceNone, nil
	}
	for r, name := range recurrenceNames {
		if name == s {
			return r, nil
		}
	}
	return RecurrenceNone, fmt.Errorf("unknown recurrence %q", s)
}

func (r Recurrence) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Recurrence) UnmarshalText(b []byte) error {
	parsed, err := ParseRecurrence(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Pattern is the weekly slot of a class in source wall-clock time.
type Pattern struct {
	Day   string         `json:"day"`
	Start calendar.Clock `json:"start_time"`
	End   calendar.Clock `json:"end_time"`
}

// Weekday resolves Day; unknown names are an *calendar.InvalidPatternError.
func (p Pattern) Weekday() (time.Weekday, error) {
	return calendar.ParseWeekday(p.Day)
}

// TimeRange is the formatted range the upstream shows for this slot.
func (p Pattern) TimeRange() string {
	return calendar.FormatRange(p.Start, p.End)
}

// Location is a site that publishes a schedule upstream.
type Location struct {
	ID         string `yaml:"id" json:"id"`
	ExternalID string `yaml:"external_id" json:"external_id"`
	Name       string `yaml:"name" json:"name"`
}

// ClassDefinition is a locally known recurring class.
type ClassDefinition struct {
	ClassID       string        `json:"class_id"`
	LocationID    string        `json:"location_id"`
	Title         string        `json:"title"`
	Instructor    string        `json:"instructor"`
	Studio        string        `json:"studio"`
	Category      string        `json:"category"`
	Description   string        `json:"description"`
	Recurrence    Recurrence    `json:"recurring"`
	Pattern       Pattern       `json:"patterns"`
	StartDate     calendar.Date `json:"start_date"`
	EndDate       calendar.Date `json:"end_date"`
	Exclusions    []Exclusion   `json:"exclusions,omitempty"`
	ReservationID string        `json:"reservation_id,omitempty"`
}

// DefinitionError is one catalog entry that could not be turned into a
// ClassDefinition. ClassID is empty when the entry did not even name one.
type DefinitionError struct {
	Index   int
	ClassID string
	Err     error
}

func (e DefinitionError) Error() string {
	if e.ClassID == "" {
		return fmt.Sprintf("definition #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("definition #%d (class %s): %v", e.Index, e.ClassID, e.Err)
}

func (e DefinitionError) Unwrap() error { return e.Err }

// DefinitionErrors is returned next to the entries of a catalog that did
// decode.
type DefinitionErrors []DefinitionError

func (es DefinitionErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Clone returns a copy that shares no slices with d.
func (d ClassDefinition) Clone() ClassDefinition {
	if d.Exclusions != nil {
		d.Exclusions = append([]Exclusion(nil), d.Exclusions...)
	}
	return d
}

// Exclusion is a half-open interval [Start, End) on which a recurring
// definition does not project. Bounds are held in UTC.
type Exclusion struct {
	Start time.Time
	End   time.Time
}

// NewExclusion converts zoned bounds to UTC.
func NewExclusion(start, end time.Time) Exclusion {
	return Exclusion{Start: start.UTC(), End: end.UTC()}
}

func (e Exclusion) Value() string    { return e.Start.UTC().Format(calendar.StorageLayout) }
func (e Exclusion) EndValue() string { return e.End.UTC().Format(calendar.StorageLayout) }

// Contains reports whether t falls inside [Start, End).
func (e Exclusion) Contains(t time.Time) bool {
	return !t.Before(e.Start) && t.Before(e.End)
}

type exclusionJSON struct {
	Value    string `json:"value"`
	EndValue string `json:"end_value"`
}

func (e Exclusion) MarshalJSON() ([]byte, error) {
	return json.Marshal(exclusionJSON{Value: e.Value(), EndValue: e.EndValue()})
}

func (e *Exclusion) UnmarshalJSON(b []byte) error {
	var raw exclusionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	start, err := time.ParseInLocation(calendar.StorageLayout, raw.Value, time.UTC)
	if err != nil {
		return fmt.Errorf("exclusion value: %w", err)
	}
	end, err := time.ParseInLocation(calendar.StorageLayout, raw.EndValue, time.UTC)
	if err != nil {
		return fmt.Errorf("exclusion end_value: %w", err)
	}
	*e = Exclusion{Start: start, End: end}
	return nil
}

// Occurrence is one concrete meeting reported upstream for a location/week.
type Occurrence struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	OriginalInstructor string `json:"original_instructor"`
	SubInstructor      string `json:"sub_instructor"`
	Studio             string `json:"studio"`
	Category           string `json:"category"`
	Date               string `json:"date"`
	Time               string `json:"time"`
	Canceled           bool   `json:"canceled"`
	ReservationID      string `json:"reservation_id"`
}

// UnmarshalJSON accepts the upstream's loose typing: numeric ids and
// "true"/"false" strings for canceled.
func (o *Occurrence) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID                 json.RawMessage `json:"id"`
		Title              string          `json:"title"`
		OriginalInstructor string          `json:"original_instructor"`
		SubInstructor      string          `json:"sub_instructor"`
		Studio             string          `json:"studio"`
		Category           string          `json:"category"`
		Date               string          `json:"date"`
		Time               string          `json:"time"`
		Canceled           json.RawMessage `json:"canceled"`
		ReservationID      json.RawMessage `json:"reservation_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*o = Occurrence{
		ID:                 looseString(raw.ID),
		Title:              raw.Title,
		OriginalInstructor: raw.OriginalInstructor,
		SubInstructor:      raw.SubInstructor,
		Studio:             raw.Studio,
		Category:           raw.Category,
		Date:               raw.Date,
		Time:               raw.Time,
		ReservationID:      looseString(raw.ReservationID),
	}
	switch strings.ToLower(looseString(raw.Canceled)) {
	case "true", "1", "yes":
		o.Canceled = true
	}
	return nil
}

func looseString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// Session is one unit handed to the session store: either a base recurring
// definition (with its exclusions) or a derived one-off override.
type Session struct {
	LocationID string          `json:"location_id"`
	Key        string          `json:"key,omitempty"`
	Derived    bool            `json:"derived"`
	Canceled   bool            `json:"canceled,omitempty"`
	Class      ClassDefinition `json:"class"`
}

// RegLink returns the sign-up URL, or "" when the class has no reservation id.
func (s Session) RegLink() string {
	if strings.TrimSpace(s.Class.ReservationID) == "" {
		return ""
	}
	return RegistrationBaseURL + s.Class.ReservationID
}

// Stored is a session as persisted, with the id the store assigned.
type Stored struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	CreatedAt time.Time `json:"created_at"`
	Session   Session   `json:"session"`
}

// DigestMap is locationID -> classID -> digest of the reconciled class group.
type DigestMap map[string]map[string]string

// Get returns the digest for a class, if any.
func (m DigestMap) Get(locationID, classID string) (string, bool) {
	d, ok := m[locationID][classID]
	return d, ok
}

// Set records a digest, creating the location entry on demand.
func (m DigestMap) Set(locationID, classID, digest string) {
	if m[locationID] == nil {
		m[locationID] = make(map[string]string)
	}
	m[locationID][classID] = digest
}

// Delete drops a class digest and the location entry once it is empty.
func (m DigestMap) Delete(locationID, classID string) {
	delete(m[locationID], classID)
	if len(m[locationID]) == 0 {
		delete(m, locationID)
	}
}

// Clone deep-copies the map.
func (m DigestMap) Clone() DigestMap {
	out := make(DigestMap, len(m))
	for loc, classes := range m {
		inner := make(map[string]string, len(classes))
		for class, digest := range classes {
			inner[class] = digest
		}
		out[loc] = inner
	}
	return out
}
