package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"classsync/internal/model"
)

// canonicalSession fixes the field order fed into the digest. Field order
// in this struct is part of the digest format: reordering it invalidates
// every stored digest.
type canonicalSession struct {
	Key           string      `json:"key"`
	Derived       bool        `json:"derived"`
	Canceled      bool        `json:"canceled"`
	ClassID       string      `json:"class_id"`
	Title         string      `json:"title"`
	Instructor    string      `json:"instructor"`
	Studio        string      `json:"studio"`
	Category      string      `json:"category"`
	Description   string      `json:"description"`
	Recurrence    string      `json:"recurrence"`
	Day           string      `json:"day"`
	StartTime     string      `json:"start_time"`
	EndTime       string      `json:"end_time"`
	StartDate     string      `json:"start_date"`
	EndDate       string      `json:"end_date"`
	ReservationID string      `json:"reservation_id"`
	Exclusions    [][2]string `json:"exclusions"`
}

type canonicalGroup struct {
	Horizon  string             `json:"horizon,omitempty"`
	Sessions []canonicalSession `json:"sessions"`
}

func canonical(s model.Session) canonicalSession {
	c := s.Class
	ex := make([][2]string, 0, len(c.Exclusions))
	for _, e := range c.Exclusions {
		ex = append(ex, [2]string{e.Value(), e.EndValue()})
	}
	sort.Slice(ex, func(i, j int) bool {
		if ex[i][0] != ex[j][0] {
			return ex[i][0] < ex[j][0]
		}
		return ex[i][1] < ex[j][1]
	})
	return canonicalSession{
		Key:           s.Key,
		Derived:       s.Derived,
		Canceled:      s.Canceled,
		ClassID:       c.ClassID,
		Title:         c.Title,
		Instructor:    c.Instructor,
		Studio:        c.Studio,
		Category:      c.Category,
		Description:   c.Description,
		Recurrence:    c.Recurrence.String(),
		Day:           c.Pattern.Day,
		StartTime:     c.Pattern.Start.String(),
		EndTime:       c.Pattern.End.String(),
		StartDate:     c.StartDate.String(),
		EndDate:       c.EndDate.String(),
		ReservationID: c.ReservationID,
		Exclusions:    ex,
	}
}

func less(a, b canonicalSession) bool {
	if a.Derived != b.Derived {
		return !a.Derived
	}
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if a.StartDate != b.StartDate {
		return a.StartDate < b.StartDate
	}
	return a.Title < b.Title
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain strings, bools and slices reach here.
		panic("reconcile: canonical form not serializable: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest fingerprints one (location, class) group. Input order does not
// matter. horizon is mixed in for groups whose stored exclusions depend on
// the current date (biweekly/monthly), so they are refreshed when it moves.
func Digest(sessions []model.Session, horizon string) string {
	group := canonicalGroup{Horizon: horizon, Sessions: make([]canonicalSession, 0, len(sessions))}
	for _, s := range sessions {
		group.Sessions = append(group.Sessions, canonical(s))
	}
	sort.SliceStable(group.Sessions, func(i, j int) bool { return less(group.Sessions[i], group.Sessions[j]) })
	return hashJSON(group)
}

// SessionHash fingerprints one session's content; two sessions with the same
// hash are duplicates and only one is written.
func SessionHash(s model.Session) string {
	c := canonical(s)
	c.Key = ""
	return hashJSON(c)
}

// Action is what the emitter must do with one class group.
type Action int

const (
	ActionUnchanged Action = iota
	ActionNew
	ActionChanged
	ActionVanished
)

func (a Action) String() string {
	switch a {
	case ActionUnchanged:
		return "unchanged"
	case ActionNew:
		return "new"
	case ActionChanged:
		return "changed"
	case ActionVanished:
		return "vanished"
	default:
		return "unknown"
	}
}

// Change is one planned emitter step.
type Change struct {
	LocationID string
	ClassID    string
	Action     Action
	Digest     string
	Previous   string
}

// Plan compares current digests against the previous map for the locations
// processed this cycle. Locations not in processed are left alone, so a
// location whose fetch failed never has its sessions purged.
func Plan(previous, current model.DigestMap, processed []string) []Change {
	var changes []Change
	for _, locID := range processed {
		prev := previous[locID]
		cur := current[locID]
		for classID, digest := range cur {
			old, ok := prev[classID]
			switch {
			case !ok:
				changes = append(changes, Change{LocationID: locID, ClassID: classID, Action: ActionNew, Digest: digest})
			case old != digest:
				changes = append(changes, Change{LocationID: locID, ClassID: classID, Action: ActionChanged, Digest: digest, Previous: old})
			default:
				changes = append(changes, Change{LocationID: locID, ClassID: classID, Action: ActionUnchanged, Digest: digest, Previous: old})
			}
		}
		for classID, old := range prev {
			if _, ok := cur[classID]; !ok {
				changes = append(changes, Change{LocationID: locID, ClassID: classID, Action: ActionVanished, Previous: old})
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].LocationID != changes[j].LocationID {
			return changes[i].LocationID < changes[j].LocationID
		}
		return changes[i].ClassID < changes[j].ClassID
	})
	return changes
}
