package api

import (
	"net/http"
	"time"

	"fleetdispatch/internal/buildinfo"
)

// DebugJSON reports build metadata and a few runtime facts. Secrets are never
// included.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Info(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"authMode": s.auth.Mode(),
		"zones":    s.svc.Zones().Len(),
		"rateLimit": map[string]any{
			"rps":   s.limits.RPS,
			"burst": s.limits.Burst,
		},
	})
}
