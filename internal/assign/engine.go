// Package assign matches jobs to drivers. Manual picks are validated,
// automatic picks are scored, and every commit is a compare-and-set on the
// job version taken under the affected drivers' locks.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fleetdispatch/internal/geo"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/registry"
	"fleetdispatch/internal/store"
)

type Config struct {
	// ProximityWeight adds weight/(1+km to pickup) to the performance score.
	ProximityWeight   float64 `json:"proximity_weight"`
	ZoneAutoAssign    bool    `json:"zone_auto_assign"`
	MaxAssignAttempts int     `json:"max_assign_attempts"`
}

func (c *Config) SetDefaults() {
	if c.MaxAssignAttempts <= 0 {
		c.MaxAssignAttempts = 3
	}
}

func (c Config) Validate() error {
	if c.ProximityWeight < 0 {
		return fmt.Errorf("dispatch.proximity_weight must be >= 0: %w", model.ErrInvalidInput)
	}
	return nil
}

// ZoneResolver is satisfied by *geo.Index.
type ZoneResolver interface {
	Resolve(p model.LatLng) (model.Zone, error)
}

// RoutePlanner keeps driver routes in step with assignments. It is called
// while the engine holds the lock of every driver involved.
type RoutePlanner interface {
	AddJob(ctx context.Context, driverID string, j model.Job) error
	RemoveJob(ctx context.Context, driverID, jobID string) error
}

type Outcome string

const (
	Assigned        Outcome = "assigned"
	AlreadyAssigned Outcome = "already_assigned"
)

type Request struct {
	JobID     string
	DriverID  string
	VehicleID string
	// Reassign allows moving a job that already has a driver. Without it an
	// assigned job reports AlreadyAssigned.
	Reassign bool
}

type Result struct {
	Outcome    Outcome          `json:"outcome"`
	Job        model.Job        `json:"job"`
	Assignment model.Assignment `json:"assignment"`
	// PreviousDriverID is set on a reassignment.
	PreviousDriverID string `json:"previousDriverId,omitempty"`
}

// Suggestion is one ranked candidate for a job.
type Suggestion struct {
	DriverID   string  `json:"driverId"`
	Score      float64 `json:"score"`
	ActiveJobs int     `json:"activeJobs"`
	DistanceKm float64 `json:"distanceKm,omitempty"`
}

type Engine struct {
	cfg     Config
	store   store.Store
	reg     *registry.Registry
	zones   ZoneResolver
	planner RoutePlanner
	log     zerolog.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, s store.Store, reg *registry.Registry, zones ZoneResolver, planner RoutePlanner, log zerolog.Logger) *Engine {
	cfg.SetDefaults()
	return &Engine{cfg: cfg, store: s, reg: reg, zones: zones, planner: planner, log: log, now: time.Now}
}

type selection struct {
	method         model.AssignMethod
	candidate      registry.Candidate
	score          float64
	zoneID         string
	fallback       bool
	fallbackReason string
}

// Assign commits one assignment for req.JobID. Losing a concurrent race is
// reported as Outcome AlreadyAssigned with the winner's job, not an error.
func (e *Engine) Assign(ctx context.Context, req Request) (Result, error) {
	job, err := e.store.GetJob(ctx, req.JobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status != model.JobPending && job.Status != model.JobAssigned {
		return Result{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, model.ErrInvalidTransition)
	}

	if job.DriverID != "" && !req.Reassign {
		return Result{Outcome: AlreadyAssigned, Job: job}, nil
	}
	if req.DriverID != "" {
		if req.DriverID == job.DriverID {
			return Result{Outcome: AlreadyAssigned, Job: job}, nil
		}
		d, err := e.reg.Get(ctx, req.DriverID)
		if err != nil {
			return Result{}, err
		}
		n, err := e.reg.ActiveJobs(ctx, d.ID)
		if err != nil {
			return Result{}, err
		}
		sel := selection{method: model.MethodManual, candidate: registry.Candidate{Driver: d, ActiveJobs: n}, score: e.score(d, job), zoneID: job.ZoneID}
		res, err := e.commit(ctx, job, sel, req.VehicleID)
		return e.raced(ctx, job, res, err)
	}

	var zone *model.Zone
	if e.cfg.ZoneAutoAssign && job.Coordinates != nil && e.zones != nil {
		z, err := e.zones.Resolve(*job.Coordinates)
		if err != nil {
			return Result{}, fmt.Errorf("job %s: no zone covers the delivery point, manual assignment required: %w", job.ID, err)
		}
		zone = &z
	}

	exclude := map[string]bool{}
	if job.DriverID != "" {
		exclude[job.DriverID] = true
	}
	for attempt := 0; attempt < e.cfg.MaxAssignAttempts; attempt++ {
		sel, err := e.choose(ctx, job, zone, exclude)
		if err != nil {
			return e.raced(ctx, job, Result{}, err)
		}
		res, err := e.commit(ctx, job, sel, req.VehicleID)
		if errors.Is(err, model.ErrDriverUnavailable) {
			// lost the driver's last slot to another job; try the next one
			e.log.Debug().Str("job_id", job.ID).Str("driver_id", sel.candidate.Driver.ID).Msg("candidate became unavailable")
			exclude[sel.candidate.Driver.ID] = true
			continue
		}
		return res, err
	}
	return e.raced(ctx, job, Result{}, fmt.Errorf("job %s after %d attempts: %w", job.ID, e.cfg.MaxAssignAttempts, model.ErrNoDriverAvailable))
}

// raced turns an availability failure into AlreadyAssigned when the job moved
// on while we were selecting; a concurrent winner may have taken the slot.
func (e *Engine) raced(ctx context.Context, job model.Job, res Result, err error) (Result, error) {
	if !errors.Is(err, model.ErrDriverUnavailable) && !errors.Is(err, model.ErrNoDriverAvailable) {
		return res, err
	}
	cur, gerr := e.store.GetJob(ctx, job.ID)
	if gerr != nil || cur.Version == job.Version {
		return res, err
	}
	return Result{Outcome: AlreadyAssigned, Job: cur}, nil
}

// choose picks the best candidate, restricted to the zone roster when a zone
// is given and falling back to all drivers with an explicit reason.
func (e *Engine) choose(ctx context.Context, job model.Job, zone *model.Zone, exclude map[string]bool) (selection, error) {
	if zone != nil {
		reason := fmt.Sprintf("zone %s has no assigned drivers", zone.ID)
		if len(zone.AssignedDrivers) > 0 {
			cands, err := e.reg.Candidates(ctx, zone.AssignedDrivers, exclude)
			if err != nil {
				return selection{}, err
			}
			if len(cands) > 0 {
				best := e.rank(job, cands)[0]
				return selection{method: model.MethodZoneAuto, candidate: best, score: e.score(best.Driver, job), zoneID: zone.ID}, nil
			}
			reason = fmt.Sprintf("no eligible driver in zone %s", zone.ID)
		}
		sel, err := e.chooseAny(ctx, job, exclude)
		if err != nil {
			return sel, err
		}
		sel.zoneID, sel.fallback, sel.fallbackReason = zone.ID, true, reason
		return sel, nil
	}
	return e.chooseAny(ctx, job, exclude)
}

func (e *Engine) chooseAny(ctx context.Context, job model.Job, exclude map[string]bool) (selection, error) {
	cands, err := e.reg.Candidates(ctx, nil, exclude)
	if err != nil {
		return selection{}, err
	}
	if len(cands) == 0 {
		return selection{}, fmt.Errorf("job %s: %w", job.ID, model.ErrNoDriverAvailable)
	}
	best := e.rank(job, cands)[0]
	return selection{method: model.MethodAutoSuggest, candidate: best, score: e.score(best.Driver, job), zoneID: job.ZoneID}, nil
}

// Suggest ranks every eligible driver for the job without assigning.
func (e *Engine) Suggest(ctx context.Context, jobID string) ([]Suggestion, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cands, err := e.reg.Candidates(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	ranked := e.rank(job, cands)
	out := make([]Suggestion, 0, len(ranked))
	for _, c := range ranked {
		s := Suggestion{DriverID: c.Driver.ID, Score: e.score(c.Driver, job), ActiveJobs: c.ActiveJobs}
		if km, ok := distanceKm(c.Driver, job); ok {
			s.DistanceKm = km
		}
		out = append(out, s)
	}
	return out, nil
}

// rank orders candidates by score descending, then fewest active jobs, then
// driver id.
func (e *Engine) rank(job model.Job, cands []registry.Candidate) []registry.Candidate {
	out := append([]registry.Candidate(nil), cands...)
	scores := make(map[string]float64, len(out))
	for _, c := range out {
		scores[c.Driver.ID] = e.score(c.Driver, job)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if sa, sb := scores[a.Driver.ID], scores[b.Driver.ID]; sa != sb {
			return sa > sb
		}
		if a.ActiveJobs != b.ActiveJobs {
			return a.ActiveJobs < b.ActiveJobs
		}
		return a.Driver.ID < b.Driver.ID
	})
	return out
}

func (e *Engine) score(d model.Driver, job model.Job) float64 {
	s := d.PerformanceScore
	if e.cfg.ProximityWeight > 0 {
		if km, ok := distanceKm(d, job); ok {
			s += e.cfg.ProximityWeight / (1 + km)
		}
	}
	return s
}

func distanceKm(d model.Driver, job model.Job) (float64, bool) {
	target := job.PickupCoordinates
	if target == nil {
		target = job.Coordinates
	}
	if d.CurrentLocation == nil || target == nil {
		return 0, false
	}
	return geo.HaversineMeters(d.CurrentLocation.Point(), *target) / 1000, true
}

func (e *Engine) commit(ctx context.Context, job model.Job, sel selection, vehicleID string) (Result, error) {
	driverID := sel.candidate.Driver.ID
	unlock, err := e.reg.Lock(ctx, driverID, job.DriverID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	// re-validate under the lock; the candidate snapshot may be stale
	d, err := e.reg.Get(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	active, err := e.reg.ActiveJobs(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	if err := registry.CheckAssignable(d, active); err != nil {
		return Result{}, err
	}
	if vehicleID == "" {
		if v, err := e.store.VehicleForDriver(ctx, driverID); err == nil {
			vehicleID = v.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	} else if _, err := e.store.GetVehicle(ctx, vehicleID); err != nil {
		return Result{}, err
	}

	prevDriver := job.DriverID
	next := job
	next.Status = model.JobAssigned
	next.DriverID = driverID
	next.VehicleID = vehicleID
	saved, a, err := e.store.AssignJob(ctx, next, job.Version, model.Assignment{
		JobID:          job.ID,
		DriverID:       driverID,
		VehicleID:      vehicleID,
		AssignedAt:     e.now().UTC(),
		Method:         sel.method,
		Score:          sel.score,
		ZoneID:         sel.zoneID,
		Fallback:       sel.fallback,
		FallbackReason: sel.fallbackReason,
	})
	if errors.Is(err, model.ErrVersionConflict) {
		if saved.ID == "" {
			if saved, err = e.store.GetJob(ctx, job.ID); err != nil {
				return Result{}, err
			}
		}
		e.log.Info().Str("job_id", job.ID).Str("driver_id", driverID).Msg("lost assignment race")
		return Result{Outcome: AlreadyAssigned, Job: saved}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if prevDriver != "" && prevDriver != driverID {
		if e.planner != nil {
			if err := e.planner.RemoveJob(ctx, prevDriver, job.ID); err != nil {
				e.log.Warn().Err(err).Str("job_id", job.ID).Str("driver_id", prevDriver).Msg("remove stops from previous route")
			}
		}
		if _, err := e.reg.SyncStatus(ctx, prevDriver); err != nil {
			e.log.Warn().Err(err).Str("driver_id", prevDriver).Msg("sync driver status")
		}
	}
	if e.planner != nil {
		if err := e.planner.AddJob(ctx, driverID, saved); err != nil {
			e.log.Warn().Err(err).Str("job_id", job.ID).Str("driver_id", driverID).Msg("add stops to route")
		}
	}
	if _, err := e.reg.SyncStatus(ctx, driverID); err != nil {
		e.log.Warn().Err(err).Str("driver_id", driverID).Msg("sync driver status")
	}

	e.log.Info().
		Str("job_id", job.ID).
		Str("driver_id", driverID).
		Str("method", string(sel.method)).
		Float64("score", sel.score).
		Bool("fallback", sel.fallback).
		Msg("job assigned")
	return Result{Outcome: Assigned, Job: saved, Assignment: a, PreviousDriverID: prevDriver}, nil
}

var _ ZoneResolver = (*geo.Index)(nil)
