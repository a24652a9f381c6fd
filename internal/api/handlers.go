package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fleetdispatch/internal/assign"
	"fleetdispatch/internal/dispatch"
	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

// Jobs

func (s *Server) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var in dispatch.JobInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.svc.CreateJob(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// the token is only ever handed out here
	writeJSON(w, http.StatusCreated, struct {
		model.Job
		TrackingToken string `json:"trackingToken"`
	}{j, j.TrackingToken})
}

func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := store.JobFilter{DriverID: r.URL.Query().Get("driverId"), Cursor: r.URL.Query().Get("cursor"), Limit: limit}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			js := model.JobStatus(st)
			if !js.Valid() {
				s.writeError(w, r, fmt.Errorf("status %q: %w", st, model.ErrInvalidInput))
				return
			}
			f.Statuses = append(f.Statuses, js)
		}
	}
	items, next, err := s.svc.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.CanActAs(j.DriverID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this job", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type assignBody struct {
	DriverID  string `json:"driverId,omitempty"`
	VehicleID string `json:"vehicleId,omitempty"`
	Reassign  bool   `json:"reassign,omitempty"`
}

// AssignHandler assigns a job. Losing a concurrent race is reported as 409
// with outcome already_assigned and the winning job.
func (s *Server) AssignHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var body assignBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.svc.Assign(r.Context(), assign.Request{JobID: r.PathValue("id"), DriverID: body.DriverID, VehicleID: body.VehicleID, Reassign: body.Reassign})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Outcome == assign.AlreadyAssigned {
		writeJSON(w, http.StatusConflict, map[string]any{"outcome": res.Outcome, "job": res.Job})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) SuggestionsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	items, err := s.svc.SuggestDrivers(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	items, err := s.svc.ListAssignments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// JobActionHandler handles POST /v1/jobs/{id}/start|complete|cancel. Drivers
// may start and complete their own jobs; cancelling takes a dispatcher.
func (s *Server) JobActionHandler(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.CanDispatch() {
		j, err := s.svc.GetJob(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if action == "cancel" || !p.CanActAs(j.DriverID) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized to "+action+" this job", r.URL.Path)
			return
		}
	}
	var j model.Job
	switch action {
	case "start":
		j, err = s.svc.StartJob(r.Context(), id)
	case "complete":
		j, err = s.svc.CompleteJob(r.Context(), id)
	case "cancel":
		j, err = s.svc.CancelJob(r.Context(), id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+action, r.URL.Path)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// Routes

func (s *Server) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	items, err := s.svc.ListRoutes(r.Context(), r.URL.Query().Get("day"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var req dispatch.OptimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	routes, err := s.svc.Optimize(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimizedRoutes": routes})
}

func (s *Server) ApplyOptimizedHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var body struct {
		Routes []dispatch.ApplyRoute `json:"routes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	routes, err := s.svc.ApplyOptimized(r.Context(), body.Routes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

// Drivers

func (s *Server) ListDriversHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	f := store.DriverFilter{IncludeRetired: queryBool(r, "includeRetired")}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			ds := model.DriverStatus(st)
			if !ds.Valid() {
				s.writeError(w, r, fmt.Errorf("status %q: %w", st, model.ErrInvalidInput))
				return
			}
			f.Statuses = append(f.Statuses, ds)
		}
	}
	items, err := s.svc.ListDrivers(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetDriverHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDriver(w, r, id) {
		return
	}
	d, err := s.svc.GetDriver(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) PutDriverHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var d model.Driver
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	d.ID = r.PathValue("id")
	saved, err := s.svc.UpsertDriver(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) DriverStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDriver(w, r, id) {
		return
	}
	var body struct {
		Status model.DriverStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.SetDriverStatus(r.Context(), id, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) EndShiftHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDriver(w, r, id) {
		return
	}
	d, err := s.svc.EndShift(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) DriverRouteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDriver(w, r, id) {
		return
	}
	rt, err := s.svc.GetRoute(r.Context(), id, r.URL.Query().Get("day"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) ReoptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	rt, err := s.svc.Reoptimize(r.Context(), r.PathValue("id"), "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// Vehicles

func (s *Server) ListVehiclesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	items, err := s.svc.ListVehicles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetVehicleHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	v, err := s.svc.GetVehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) PutVehicleHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var v model.Vehicle
	if err := decodeJSON(r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	v.ID = r.PathValue("id")
	saved, err := s.svc.UpsertVehicle(r.Context(), v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Zones

func (s *Server) ListZonesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	items, err := s.svc.ListZones(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) CreateZoneHandler(w http.ResponseWriter, r *http.Request) {
	s.saveZone(w, r, "", http.StatusCreated)
}

func (s *Server) PutZoneHandler(w http.ResponseWriter, r *http.Request) {
	s.saveZone(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) saveZone(w http.ResponseWriter, r *http.Request, id string, status int) {
	if !s.requireDispatcher(w, r) {
		return
	}
	var z model.Zone
	if err := decodeJSON(r, &z); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id != "" {
		z.ID = id
	}
	saved, err := s.svc.UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, saved)
}

func (s *Server) GetZoneHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	z, err := s.svc.GetZone(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) DeleteZoneHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	if err := s.svc.DeleteZone(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ResolveZoneHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	lat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := queryFloat(r, "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	z, err := s.svc.ResolveZone(model.LatLng{Lat: lat, Lng: lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// Telemetry

type pingResult struct {
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
	Update   *eta.Update `json:"update,omitempty"`
}

// PingsHandler accepts one ping object or an array of them. A stale ping is
// not an error: it is acknowledged with accepted=false.
func (s *Server) PingsHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read body: %v: %w", err, model.ErrInvalidInput))
		return
	}
	raw = bytes.TrimSpace(raw)
	batch := len(raw) > 0 && raw[0] == '['
	var pings []model.Ping
	if batch {
		err = json.Unmarshal(raw, &pings)
	} else {
		var one model.Ping
		err = json.Unmarshal(raw, &one)
		pings = []model.Ping{one}
	}
	if err != nil {
		s.writeError(w, r, fmt.Errorf("invalid JSON: %v: %w", err, model.ErrInvalidInput))
		return
	}
	for _, pg := range pings {
		if !p.CanActAs(pg.DriverID) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "cannot report location for driver "+pg.DriverID, r.URL.Path)
			return
		}
	}
	results := make([]pingResult, 0, len(pings))
	for _, pg := range pings {
		up, err := s.svc.IngestPing(r.Context(), pg, "http")
		switch {
		case err == nil:
			results = append(results, pingResult{Accepted: true, Update: &up})
		case errors.Is(err, model.ErrStaleLocation):
			results = append(results, pingResult{Reason: err.Error()})
		case !batch:
			s.writeError(w, r, err)
			return
		default:
			results = append(results, pingResult{Reason: err.Error()})
		}
	}
	if !batch {
		writeJSON(w, http.StatusAccepted, results[0])
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// TrackHandler serves the public tracking view; the token is the credential.
func (s *Server) TrackHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Track(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, v)
}

// Alerts

func (s *Server) ListAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := store.AlertFilter{
		Type:     model.AlertType(r.URL.Query().Get("type")),
		OpenOnly: queryBool(r, "open"),
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	}
	items, next, err := s.svc.ListAlerts(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) AlertReadHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	a, err := s.svc.MarkAlertRead(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) AlertResolveHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireDispatcher(w, r) {
		return
	}
	a, err := s.svc.ResolveAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Admin

// SweepHandler runs a sweep on demand: POST /v1/admin/sweeps/alerts|eta.
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.PathValue("kind") {
	case "alerts":
		rep, err := s.svc.SweepAlerts(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	case "eta":
		n, err := s.svc.SweepETA(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"markedStale": n})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown sweep "+r.PathValue("kind"), r.URL.Path)
	}
}

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, next, err := s.svc.ListWebhookDeliveries(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}
