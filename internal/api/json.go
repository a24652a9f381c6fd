package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

var problemTable = []struct {
	err    error
	status int
	title  string
}{
	{model.ErrNotFound, http.StatusNotFound, "Not Found"},
	{model.ErrInvalidInput, http.StatusBadRequest, "Invalid Input"},
	{model.ErrDriverUnavailable, http.StatusConflict, "Driver Unavailable"},
	{model.ErrNoDriverAvailable, http.StatusConflict, "No Driver Available"},
	{model.ErrInvalidTransition, http.StatusConflict, "Invalid Transition"},
	{model.ErrVersionConflict, http.StatusConflict, "Version Conflict"},
	{model.ErrSuperseded, http.StatusConflict, "Superseded"},
	{auth.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
}

// problemFor maps a service error to its HTTP status and title.
func problemFor(err error) (int, string) {
	for _, p := range problemTable {
		if errors.Is(err, p.err) {
			return p.status, p.title
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}

// writeError renders err as a problem. Only 5xx are logged; everything else
// is a normal per-request outcome.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := problemFor(err)
	detail := err.Error()
	if status >= 500 {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		detail = ""
	}
	writeProblem(w, status, title, detail, r.URL.Path)
}
