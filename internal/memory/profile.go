package memory

import (
	"sort"
	"strings"
	"time"
)

// Well-known profile fields.
const (
	// FieldLocale selects the hotline list shown in crisis replies.
	FieldLocale   = "locale"
	FieldName     = "name"
	FieldAgeGroup = "age_group"

	defaultLocale = "zh-CN"
)

// AgeGroups are the accepted values of FieldAgeGroup.
var AgeGroups = []string{"adolescent", "young_adult", "middle_adult", "senior"}

// AgeGroup returns the stored age group, if any.
func (p Profile) AgeGroup() string {
	return strings.TrimSpace(p.Fields[FieldAgeGroup].Value)
}

// NewProfile returns the default profile for a user with no stored state.
func NewProfile(userID string) Profile {
	return Profile{
		UserID:      userID,
		Fields:      map[string]Field{},
		Tags:        []string{},
		Themes:      []string{},
		RiskHistory: []RiskEvent{},
		Assessments: []AssessmentRecord{},
	}
}

// Locale returns the profile locale or zh-CN.
func (p Profile) Locale() string { return p.LocaleOr("") }

// LocaleOr returns the locale stored on the profile, then fallback, then zh-CN.
func (p Profile) LocaleOr(fallback string) string {
	if f, ok := p.Fields[FieldLocale]; ok && strings.TrimSpace(f.Value) != "" {
		return strings.TrimSpace(f.Value)
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return defaultLocale
}

// Clone deep-copies p so callers can never alias stored state.
func (p Profile) Clone() Profile {
	out := p
	out.Fields = make(map[string]Field, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	out.Tags = append([]string{}, p.Tags...)
	out.Themes = append([]string{}, p.Themes...)
	out.RiskHistory = append([]RiskEvent{}, p.RiskHistory...)
	out.Assessments = append([]AssessmentRecord{}, p.Assessments...)
	return out
}

// Merge applies d to p without touching p. Fields resolve last-writer-wins
// (ties go to the greater value), tags and themes are set unions, and risk
// events and assessment records are unions keyed by ID. The result does not
// depend on the order in which deltas are merged.
func Merge(p Profile, d ProfileDelta) Profile {
	out := p.Clone()
	for k, f := range d.Fields {
		cur, ok := out.Fields[k]
		if !ok || fieldNewer(f, cur) {
			out.Fields[k] = f
		}
	}
	out.Tags = unionStrings(out.Tags, d.Tags)
	out.Themes = unionStrings(out.Themes, d.Themes)
	out.RiskHistory = mergeRiskEvents(out.RiskHistory, d.RiskEvents)
	out.Assessments = mergeAssessments(out.Assessments, d.Assessments)
	return out
}

func fieldNewer(a, b Field) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Value > b.Value
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func mergeRiskEvents(a, b []RiskEvent) []RiskEvent {
	byID := make(map[string]RiskEvent, len(a)+len(b))
	for _, list := range [][]RiskEvent{a, b} {
		for _, ev := range list {
			if prev, ok := byID[ev.ID]; ok && !riskLess(ev, prev) {
				continue
			}
			byID[ev.ID] = ev
		}
	}
	out := make([]RiskEvent, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return riskLess(out[i], out[j]) })
	return out
}

func riskLess(a, b RiskEvent) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Level.Rank() > b.Level.Rank()
}

func mergeAssessments(a, b []AssessmentRecord) []AssessmentRecord {
	byID := make(map[string]AssessmentRecord, len(a)+len(b))
	for _, list := range [][]AssessmentRecord{a, b} {
		for _, rec := range list {
			if prev, ok := byID[rec.ID]; ok && !assessmentLess(rec, prev) {
				continue
			}
			byID[rec.ID] = rec
		}
	}
	out := make([]AssessmentRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return assessmentLess(out[i], out[j]) })
	return out
}

func assessmentLess(a, b AssessmentRecord) bool {
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.Before(b.CompletedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Score < b.Score
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// reverseTurns flips newest-first query results into chronological order.
func reverseTurns(items []Turn) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
