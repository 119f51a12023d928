// Package normalize canonicalizes class fields so a local definition and an
// upstream occurrence can be compared. Everything here is a pure function.
package normalize

import (
	"regexp"
	"strings"

	"classsync/internal/model"
)

// CancelMarker is the token the upstream prefixes to canceled titles and the
// token derived cancellation sessions carry.
const CancelMarker = "CANCELLED:"

// trademark matches the registered-trademark family, including the UTF-8
// mojibake "Â®" and an ASCII "(R)", together with any whitespace before it.
var trademark = regexp.MustCompile(`\s*(?:Â®|®|\([Rr]\))`)

// Field trims and case-folds a free-text field.
func Field(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Title is Field plus trademark collapsing.
func Title(s string) string {
	return Field(trademark.ReplaceAllString(strings.TrimSpace(s), "®"))
}

// StripCancelMarker drops the leading token of a canceled title
// ("CANCELLED: Yoga" -> "Yoga"). Single-word titles are returned unchanged.
func StripCancelMarker(title string) string {
	title = strings.TrimSpace(title)
	_, rest, ok := strings.Cut(title, " ")
	if !ok {
		return title
	}
	return strings.TrimSpace(rest)
}

// CleanTitle removes the stray "Â" byte that double-encoded feeds leave in
// front of the ® glyph. It is applied to titles before they are displayed.
func CleanTitle(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "Â", ""))
}

// CancelledTitle is the display title of a cancellation override.
func CancelledTitle(title string) string {
	return CancelMarker + " " + strings.TrimSpace(title)
}

// SubInstructor is the display instructor of a substitution override.
func SubInstructor(sub, original string) string {
	return strings.TrimSpace(sub) + " (Sub For: " + strings.TrimSpace(original) + ")"
}

// TitlesMatch compares a definition title against an occurrence title. For
// canceled occurrences the marker-stripped title is also accepted, and a
// definition title carrying the marker is stripped the same way.
func TitlesMatch(defTitle string, occ model.Occurrence) bool {
	def := Title(defTitle)
	occTitle := Title(occ.Title)
	if occTitle == def {
		return true
	}
	if !occ.Canceled || strings.TrimSpace(occ.Title) == "" {
		return false
	}
	stripped := Title(StripCancelMarker(occ.Title))
	if stripped == def {
		return true
	}
	return stripped == Title(StripCancelMarker(defTitle)) && HasCancelMarker(defTitle)
}

// HasCancelMarker reports whether a title starts with the cancellation token.
func HasCancelMarker(title string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(title), " ")
	return strings.EqualFold(first, CancelMarker)
}

// Equivalent is the field-by-field equivalence between a definition and an
// occurrence: title (with the cancellation strip), instructor against the
// occurrence's original instructor, studio, category and the time range
// synthesized from the definition's pattern. Any mismatch is a non-match.
func Equivalent(def model.ClassDefinition, occ model.Occurrence) bool {
	return TitlesMatch(def.Title, occ) &&
		Field(def.Instructor) == Field(occ.OriginalInstructor) &&
		Field(def.Studio) == Field(occ.Studio) &&
		Field(def.Category) == Field(occ.Category) &&
		Field(def.Pattern.TimeRange()) == Field(occ.Time)
}
