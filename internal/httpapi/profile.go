package httpapi

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/minghe/internal/memory"
)

// profileUpdate carries the user-editable part of a profile. Nil fields are
// left untouched; preferences and tags are added, never removed.
type profileUpdate struct {
	Name        *string  `json:"name"`
	AgeGroup    *string  `json:"age_group"`
	Locale      *string  `json:"locale"`
	Preferences []string `json:"preferences"`
	Tags        []string `json:"tags"`
}

// delta validates u and converts it into a profile merge stamped at now.
func (u profileUpdate) delta(now time.Time) (memory.ProfileDelta, string) {
	d := memory.ProfileDelta{Fields: map[string]memory.Field{}}
	set := func(key string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			d.Fields[key] = memory.Field{Value: strings.TrimSpace(*v), UpdatedAt: now}
		}
	}
	set(memory.FieldName, u.Name)
	set(memory.FieldLocale, u.Locale)
	set(memory.FieldAgeGroup, u.AgeGroup)
	if f, ok := d.Fields[memory.FieldAgeGroup]; ok && !slices.Contains(memory.AgeGroups, f.Value) {
		return memory.ProfileDelta{}, "age_group must be one of " + strings.Join(memory.AgeGroups, ", ")
	}

	for _, p := range u.Preferences {
		if p = strings.TrimSpace(p); p != "" {
			d.Tags = append(d.Tags, "pref:"+p)
		}
	}
	for _, tag := range u.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			d.Tags = append(d.Tags, tag)
		}
	}
	if d.Empty() {
		return memory.ProfileDelta{}, "nothing to update"
	}
	return d, ""
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory not configured")
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req profileUpdate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	delta, problem := req.delta(time.Now().UTC())
	if problem != "" {
		respondError(w, http.StatusBadRequest, "invalid_request", problem)
		return
	}
	profile, err := s.users.MergeProfile(r.Context(), userID, delta)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}
