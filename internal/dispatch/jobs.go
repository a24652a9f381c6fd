package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"fleetdispatch/internal/assign"
	"fleetdispatch/internal/events"
	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/route"
	"fleetdispatch/internal/store"
)

// JobInput is the intake payload for a new job.
type JobInput struct {
	ID                string              `json:"id,omitempty"`
	CustomerName      string              `json:"customerName"`
	PickupAddress     string              `json:"pickupAddress"`
	DeliveryAddress   string              `json:"deliveryAddress"`
	Coordinates       *model.LatLng       `json:"coordinates"`
	PickupCoordinates *model.LatLng       `json:"pickupCoordinates,omitempty"`
	Priority          model.JobPriority   `json:"priority"`
	ScheduledDate     *time.Time          `json:"scheduledDate"`
	OrderPriority     model.OrderPriority `json:"orderPriority,omitempty"`
	TimeWindow        *model.TimeWindow   `json:"timeWindow,omitempty"`
	TimeAtStopMinutes int                 `json:"timeAtStopMinutes,omitempty"`
}

func validPoint(p *model.LatLng) bool {
	return p == nil || (math.Abs(p.Lat) <= 90 && math.Abs(p.Lng) <= 180)
}

func (in *JobInput) validate() error {
	var problems []string
	if strings.TrimSpace(in.CustomerName) == "" {
		problems = append(problems, "customerName is required")
	}
	if strings.TrimSpace(in.DeliveryAddress) == "" {
		problems = append(problems, "deliveryAddress is required")
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if !in.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %q is not one of low, medium, high, urgent", in.Priority))
	}
	if in.OrderPriority == "" {
		in.OrderPriority = model.OrderAuto
	}
	if !in.OrderPriority.Valid() {
		problems = append(problems, fmt.Sprintf("orderPriority %q is not one of first, auto, last", in.OrderPriority))
	}
	if !validPoint(in.Coordinates) || !validPoint(in.PickupCoordinates) {
		problems = append(problems, "coordinates out of range")
	}
	if in.TimeWindow != nil && !in.TimeWindow.End.After(in.TimeWindow.Start) {
		problems = append(problems, "timeWindow end must be after start")
	}
	if in.TimeAtStopMinutes < 0 {
		problems = append(problems, "timeAtStopMinutes must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), model.ErrInvalidInput)
	}
	return nil
}

// newTrackingToken returns 32 random bytes, base64url encoded.
func newTrackingToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateJob validates the intake, resolves the delivery zone and stores a
// pending job with a fresh tracking token. A point outside every zone is not
// an error; the job simply has no zone and needs a manual or global pick.
func (s *Service) CreateJob(ctx context.Context, in JobInput) (model.Job, error) {
	if err := in.validate(); err != nil {
		return model.Job{}, err
	}
	token, err := newTrackingToken()
	if err != nil {
		return model.Job{}, fmt.Errorf("tracking token: %w", err)
	}
	j := model.Job{
		ID:                in.ID,
		CustomerName:      in.CustomerName,
		PickupAddress:     in.PickupAddress,
		DeliveryAddress:   in.DeliveryAddress,
		Coordinates:       in.Coordinates,
		PickupCoordinates: in.PickupCoordinates,
		Priority:          in.Priority,
		Status:            model.JobPending,
		OrderPriority:     in.OrderPriority,
		TimeWindow:        in.TimeWindow,
		TimeAtStopMinutes: in.TimeAtStopMinutes,
		TrackingToken:     token,
	}
	if in.ScheduledDate != nil {
		j.ScheduledDate = in.ScheduledDate.UTC()
	} else {
		j.ScheduledDate = s.now().UTC()
	}
	if j.Coordinates != nil {
		if z, err := s.zones.Resolve(*j.Coordinates); err == nil {
			j.ZoneID = z.ID
		} else {
			s.log.Info().Str("customer", j.CustomerName).Float64("lat", j.Coordinates.Lat).Float64("lng", j.Coordinates.Lng).Msg("delivery point outside all zones")
		}
	}
	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return model.Job{}, err
	}
	s.log.Info().Str("job_id", created.ID).Str("zone_id", created.ZoneID).Str("priority", string(created.Priority)).Msg("job created")
	return created, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (model.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, string, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) ListAssignments(ctx context.Context, jobID string) ([]model.Assignment, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListAssignments(ctx, jobID)
}

// SuggestDrivers ranks eligible drivers for a job.
func (s *Service) SuggestDrivers(ctx context.Context, jobID string) ([]assign.Suggestion, error) {
	return s.engine.Suggest(ctx, jobID)
}

// Assign runs the assignment engine and publishes the outcome.
func (s *Service) Assign(ctx context.Context, req assign.Request) (assign.Result, error) {
	res, err := s.engine.Assign(ctx, req)
	method := "auto"
	if req.DriverID != "" {
		method = string(model.MethodManual)
	}
	if err != nil {
		metrics.Assignments.WithLabelValues(method, errorLabel(err)).Inc()
		return res, err
	}
	if res.Outcome == assign.Assigned {
		method = string(res.Assignment.Method)
	}
	metrics.Assignments.WithLabelValues(method, string(res.Outcome)).Inc()
	if res.Outcome != assign.Assigned {
		return res, nil
	}
	payload := map[string]any{"job": res.Job, "assignment": res.Assignment}
	s.publish(events.DriverTopic(res.Assignment.DriverID), events.JobAssigned, payload)
	if res.PreviousDriverID != "" {
		s.publish(events.DriverTopic(res.PreviousDriverID), events.JobAssigned, payload)
	}
	s.emit(ctx, events.JobAssigned, payload)
	return res, nil
}

// StartJob moves an assigned job to in_progress.
func (s *Service) StartJob(ctx context.Context, id string) (model.Job, error) {
	return s.transitionJob(ctx, id, []model.JobStatus{model.JobAssigned}, func(j *model.Job) {
		j.Status = model.JobInProgress
	}, nil)
}

// CompleteJob closes an in-progress job and marks its remaining stops arrived.
func (s *Service) CompleteJob(ctx context.Context, id string) (model.Job, error) {
	return s.transitionJob(ctx, id, []model.JobStatus{model.JobInProgress}, func(j *model.Job) {
		j.Status = model.JobCompleted
	}, func(ctx context.Context, prev model.Job) error {
		return s.markJobStopsArrived(ctx, prev.DriverID, prev)
	})
}

// CancelJob cancels an open job, releasing its driver and stops.
func (s *Service) CancelJob(ctx context.Context, id string) (model.Job, error) {
	return s.transitionJob(ctx, id, []model.JobStatus{model.JobPending, model.JobAssigned, model.JobInProgress}, func(j *model.Job) {
		j.Status = model.JobCancelled
		j.DriverID, j.VehicleID = "", ""
	}, func(ctx context.Context, prev model.Job) error {
		if prev.DriverID == "" {
			return nil
		}
		return s.RemoveJob(ctx, prev.DriverID, prev.ID)
	})
}

// transitionJob applies mutate under the job driver's lock and commits with
// a version check. Route side effects run in after, still under the lock,
// only once the job write has landed. The driver's availability is
// re-synced afterwards.
func (s *Service) transitionJob(ctx context.Context, id string, from []model.JobStatus, mutate func(*model.Job), after func(context.Context, model.Job) error) (model.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return j, err
	}
	unlock, err := s.reg.Lock(ctx, j.DriverID)
	if err != nil {
		return model.Job{}, err
	}
	defer unlock()
	cur, err := s.store.GetJob(ctx, id)
	if err != nil {
		return cur, err
	}
	if cur.DriverID != j.DriverID {
		return cur, fmt.Errorf("job %s was reassigned concurrently: %w", id, model.ErrVersionConflict)
	}
	allowed := false
	for _, st := range from {
		allowed = allowed || cur.Status == st
	}
	if !allowed {
		return cur, fmt.Errorf("job %s is %s: %w", id, cur.Status, model.ErrInvalidTransition)
	}
	driverID := cur.DriverID
	next := cur
	mutate(&next)
	saved, err := s.store.UpdateJob(ctx, next, cur.Version)
	if err != nil {
		return saved, err
	}
	if after != nil {
		if err := after(ctx, cur); err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Str("driver_id", driverID).Msg("update route after job transition")
		}
	}
	if driverID != "" {
		if _, err := s.reg.SyncStatus(ctx, driverID); err != nil {
			s.log.Warn().Err(err).Str("driver_id", driverID).Msg("sync driver status")
		}
		s.publish(events.DriverTopic(driverID), events.JobStatus, saved)
	}
	s.emit(ctx, events.JobStatus, saved)
	s.log.Info().Str("job_id", id).Str("from", string(cur.Status)).Str("to", string(saved.Status)).Msg("job status changed")
	return saved, nil
}

func (s *Service) markJobStopsArrived(ctx context.Context, driverID string, j model.Job) error {
	r, err := s.store.GetRoute(ctx, driverID, dayOf(j.ScheduledDate, s.now()))
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	now := s.now().UTC()
	changed := false
	for i := range r.Stops {
		st := &r.Stops[i]
		if st.JobID != j.ID || st.State == model.StopArrived {
			continue
		}
		st.State = model.StopArrived
		if st.ActualArrival == nil {
			st.ActualArrival = &now
		}
		changed = true
	}
	if !changed {
		return nil
	}
	_, err = s.store.SaveRoute(ctx, r, r.Version)
	return err
}

// TrackingView is what a tracking token holder may see.
type TrackingView struct {
	JobID        string          `json:"jobId"`
	Status       model.JobStatus `json:"status"`
	Driver       *TrackedDriver  `json:"driver,omitempty"`
	Vehicle      *TrackedVehicle `json:"vehicle,omitempty"`
	ETA          *time.Time      `json:"eta,omitempty"`
	ETAStale     bool            `json:"etaStale"`
	LastLocation *model.Location `json:"lastLocation,omitempty"`
}

type TrackedDriver struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TrackedVehicle struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Track resolves a tracking token to the public view of its job.
func (s *Service) Track(ctx context.Context, token string) (TrackingView, error) {
	j, err := s.store.GetJobByToken(ctx, token)
	if err != nil {
		return TrackingView{}, err
	}
	v := TrackingView{JobID: j.ID, Status: j.Status}
	if j.DriverID == "" {
		return v, nil
	}
	if d, err := s.store.GetDriver(ctx, j.DriverID); err == nil {
		v.Driver = &TrackedDriver{ID: d.ID, Name: d.Name}
		v.LastLocation = d.CurrentLocation
	}
	if j.VehicleID != "" {
		if veh, err := s.store.GetVehicle(ctx, j.VehicleID); err == nil {
			v.Vehicle = &TrackedVehicle{ID: veh.ID, Type: veh.Type}
		}
	}
	if r, err := s.store.GetRoute(ctx, j.DriverID, dayOf(j.ScheduledDate, s.now())); err == nil {
		for _, st := range r.Stops {
			if st.JobID == j.ID && st.Kind == model.StopDelivery {
				v.ETA, v.ETAStale = st.EstimatedArrival, st.ETAStale
			}
		}
	}
	return v, nil
}

// AddJob implements assign.RoutePlanner: the job's stops join the driver's
// route for its scheduled day and the open stops are re-sequenced.
func (s *Service) AddJob(ctx context.Context, driverID string, j model.Job) error {
	r, err := s.loadRoute(ctx, driverID, dayOf(j.ScheduledDate, s.now()))
	if err != nil {
		return err
	}
	if !route.AddJob(&r, j) {
		return nil
	}
	if err := s.resequence(ctx, &r); err != nil {
		return err
	}
	saved, err := s.store.SaveRoute(ctx, r, r.Version)
	if err != nil {
		return err
	}
	s.publish(events.DriverTopic(driverID), events.RouteOptimized, saved)
	return nil
}

// RemoveJob implements assign.RoutePlanner.
func (s *Service) RemoveJob(ctx context.Context, driverID, jobID string) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	r, err := s.store.GetRoute(ctx, driverID, dayOf(j.ScheduledDate, s.now()))
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !route.RemoveJob(&r, jobID) {
		return nil
	}
	res := s.opt.Evaluate(route.Input{Start: s.driverPoint(ctx, driverID), Stops: r.OpenStops(), Mode: r.Mode, DepartAt: s.now()})
	route.Apply(&r, res, r.Mode, s.now())
	saved, err := s.store.SaveRoute(ctx, r, r.Version)
	if err != nil {
		return err
	}
	s.publish(events.DriverTopic(driverID), events.RouteOptimized, saved)
	return nil
}

func errorLabel(err error) string {
	for _, e := range []struct {
		err   error
		label string
	}{
		{model.ErrNotFound, "not_found"},
		{model.ErrDriverUnavailable, "driver_unavailable"},
		{model.ErrNoDriverAvailable, "no_driver_available"},
		{model.ErrInvalidTransition, "invalid_transition"},
		{model.ErrInvalidInput, "invalid_input"},
		{model.ErrVersionConflict, "version_conflict"},
		{model.ErrSuperseded, "superseded"},
	} {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	return "error"
}
