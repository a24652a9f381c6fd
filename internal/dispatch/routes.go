package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleetdispatch/internal/events"
	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/route"
)

func (s *Service) loadRoute(ctx context.Context, driverID, day string) (model.Route, error) {
	r, err := s.store.GetRoute(ctx, driverID, day)
	if isNotFound(err) {
		return model.Route{DriverID: driverID, Day: day, Mode: s.opt.Config().Mode, NextLoadSeq: 1, Stops: []model.Stop{}}, nil
	}
	return r, err
}

func (s *Service) driverPoint(ctx context.Context, driverID string) *model.LatLng {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil || d.CurrentLocation == nil {
		return nil
	}
	p := d.CurrentLocation.Point()
	return &p
}

// resequence optimizes r's open stops in place. Hitting the time budget keeps
// the best order found so far.
func (s *Service) resequence(ctx context.Context, r *model.Route) error {
	cfg := s.opt.Config()
	octx, cancel := context.WithTimeout(ctx, cfg.OptimizeTimeout)
	defer cancel()
	mode := r.Mode
	if !mode.Valid() {
		mode = cfg.Mode
	}
	start := time.Now()
	res, err := s.opt.Optimize(octx, route.Input{Start: s.driverPoint(ctx, r.DriverID), Stops: r.OpenStops(), Mode: mode, DepartAt: s.now()})
	metrics.OptimizationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	route.Apply(r, res, mode, s.now())
	return nil
}

func (s *Service) GetRoute(ctx context.Context, driverID, day string) (model.Route, error) {
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		return model.Route{}, err
	}
	if day == "" {
		day = s.today()
	}
	return s.loadRoute(ctx, driverID, day)
}

type OptimizeRequest struct {
	JobIDs    []string               `json:"jobIds"`
	DriverIDs []string               `json:"driverIds,omitempty"`
	Mode      model.OptimizationMode `json:"mode"`
	Day       string                 `json:"day,omitempty"`
}

// OptimizedRoute is a preview; RouteVersion must be echoed back to apply it.
type OptimizedRoute struct {
	DriverID      string                 `json:"driverId"`
	Day           string                 `json:"day"`
	Jobs          []string               `json:"jobs"`
	Stops         []model.Stop           `json:"stops"`
	EstimatedTime float64                `json:"estimatedTime"` // minutes, driving plus dwell
	TotalDistance float64                `json:"totalDistance"`
	Efficiency    float64                `json:"efficiency"`
	Mode          model.OptimizationMode `json:"mode"`
	Partial       bool                   `json:"partial"`
	RouteVersion  int                    `json:"routeVersion"`
}

type routeKey struct{ driverID, day string }

// Optimize computes, without committing, a new order for every route that
// holds one of req.JobIDs, or for the listed drivers' routes, or for every
// route of the day.
func (s *Service) Optimize(ctx context.Context, req OptimizeRequest) ([]OptimizedRoute, error) {
	if req.Mode != "" && !req.Mode.Valid() {
		return nil, fmt.Errorf("mode %q is not one of strictLIFO, balanced, fastest: %w", req.Mode, model.ErrInvalidInput)
	}
	day := req.Day
	if day == "" {
		day = s.today()
	}
	var keys []routeKey
	seen := map[routeKey]bool{}
	add := func(k routeKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	switch {
	case len(req.JobIDs) > 0:
		for _, id := range req.JobIDs {
			j, err := s.store.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			if j.DriverID == "" || !j.Status.Open() {
				return nil, fmt.Errorf("job %s is %s without an active route: %w", id, j.Status, model.ErrInvalidInput)
			}
			add(routeKey{j.DriverID, dayOf(j.ScheduledDate, s.now())})
		}
	case len(req.DriverIDs) > 0:
		for _, id := range req.DriverIDs {
			if _, err := s.store.GetDriver(ctx, id); err != nil {
				return nil, err
			}
			add(routeKey{id, day})
		}
	default:
		routes, err := s.store.ListRoutes(ctx, day)
		if err != nil {
			return nil, err
		}
		for _, r := range routes {
			add(routeKey{r.DriverID, r.Day})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].driverID != keys[j].driverID {
			return keys[i].driverID < keys[j].driverID
		}
		return keys[i].day < keys[j].day
	})

	out := make([]OptimizedRoute, 0, len(keys))
	for _, k := range keys {
		r, err := s.loadRoute(ctx, k.driverID, k.day)
		if err != nil {
			return nil, err
		}
		mode := req.Mode
		if mode == "" {
			mode = r.Mode
		}
		if !mode.Valid() {
			mode = s.opt.Config().Mode
		}
		octx, cancel := context.WithTimeout(ctx, s.opt.Config().OptimizeTimeout)
		start := time.Now()
		res, err := s.opt.Optimize(octx, route.Input{Start: s.driverPoint(ctx, k.driverID), Stops: r.OpenStops(), Mode: mode, DepartAt: s.now()})
		cancel()
		metrics.OptimizationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		metrics.Optimizations.WithLabelValues(string(mode), "preview").Inc()
		out = append(out, preview(r, res, mode))
	}
	return out, nil
}

func preview(r model.Route, res route.Result, mode model.OptimizationMode) OptimizedRoute {
	var jobs []string
	seen := map[string]bool{}
	dwell := 0
	for _, st := range res.Stops {
		if !seen[st.JobID] {
			seen[st.JobID] = true
			jobs = append(jobs, st.JobID)
		}
		dwell += st.TimeAtStop
	}
	return OptimizedRoute{
		DriverID:      r.DriverID,
		Day:           r.Day,
		Jobs:          jobs,
		Stops:         res.Stops,
		EstimatedTime: res.TotalDuration/60 + float64(dwell),
		TotalDistance: res.TotalDistance,
		Efficiency:    res.EfficiencyScore,
		Mode:          mode,
		Partial:       res.Partial,
		RouteVersion:  r.Version,
	}
}

// ApplyRoute commits a previewed order. Stops lists stop keys (jobId/kind)
// of every open stop in the desired sequence.
type ApplyRoute struct {
	DriverID     string                 `json:"driverId"`
	Day          string                 `json:"day"`
	RouteVersion int                    `json:"routeVersion"`
	Stops        []string               `json:"stops"`
	Mode         model.OptimizationMode `json:"mode,omitempty"`
}

// ApplyOptimized commits previews atomically with respect to the drivers
// involved: every route is checked before any is written. A route whose
// version or open stop set moved since the preview is a conflict.
func (s *Service) ApplyOptimized(ctx context.Context, routes []ApplyRoute) ([]model.Route, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes to apply: %w", model.ErrInvalidInput)
	}
	ids := make([]string, 0, len(routes))
	for _, a := range routes {
		if a.DriverID == "" {
			return nil, fmt.Errorf("driverId is required: %w", model.ErrInvalidInput)
		}
		if a.Mode != "" && !a.Mode.Valid() {
			return nil, fmt.Errorf("mode %q: %w", a.Mode, model.ErrInvalidInput)
		}
		ids = append(ids, a.DriverID)
	}
	// supersede any drift re-optimization in flight for these drivers
	for _, id := range ids {
		_, t := s.coord.Begin(ctx, id)
		defer s.coord.Done(t)
	}
	unlock, err := s.reg.Lock(ctx, ids...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	staged := make([]model.Route, 0, len(routes))
	for _, a := range routes {
		day := a.Day
		if day == "" {
			day = s.today()
		}
		cur, err := s.store.GetRoute(ctx, a.DriverID, day)
		if err != nil {
			return nil, err
		}
		if cur.Version != a.RouteVersion {
			return nil, fmt.Errorf("route %s/%s is at version %d, preview was %d: %w", a.DriverID, day, cur.Version, a.RouteVersion, model.ErrVersionConflict)
		}
		open := cur.OpenStops()
		byKey := make(map[string]model.Stop, len(open))
		for _, st := range open {
			byKey[st.Key()] = st
		}
		ordered := make([]model.Stop, 0, len(a.Stops))
		for _, k := range a.Stops {
			st, ok := byKey[k]
			if !ok {
				break
			}
			ordered = append(ordered, st)
		}
		if len(ordered) != len(a.Stops) || !route.SameStops(ordered, open) {
			return nil, fmt.Errorf("route %s/%s stop set changed since preview: %w", a.DriverID, day, model.ErrVersionConflict)
		}
		mode := a.Mode
		if mode == "" {
			mode = cur.Mode
		}
		res := s.opt.Evaluate(route.Input{Start: s.driverPoint(ctx, a.DriverID), Stops: ordered, Mode: mode, DepartAt: s.now()})
		route.Apply(&cur, res, mode, s.now())
		staged = append(staged, cur)
	}

	out := make([]model.Route, 0, len(staged))
	for _, r := range staged {
		saved, err := s.store.SaveRoute(ctx, r, r.Version)
		if err != nil {
			return out, err
		}
		metrics.Optimizations.WithLabelValues(string(saved.Mode), "applied").Inc()
		s.publish(events.DriverTopic(saved.DriverID), events.RouteOptimized, saved)
		s.emit(ctx, events.RouteOptimized, saved)
		out = append(out, saved)
	}
	return out, nil
}

// Reoptimize re-sequences a driver's route for today. Only the newest request
// per driver commits; an older one that finishes later, or one whose base
// route changed meanwhile, returns ErrSuperseded.
func (s *Service) Reoptimize(ctx context.Context, driverID string, reason string) (model.Route, error) {
	cctx, t := s.coord.Begin(ctx, driverID)
	defer s.coord.Done(t)

	day := s.today()
	snap, err := s.store.GetRoute(cctx, driverID, day)
	if err != nil {
		return model.Route{}, err
	}
	mode := snap.Mode
	if !mode.Valid() {
		mode = s.opt.Config().Mode
	}
	octx, cancel := context.WithTimeout(cctx, s.opt.Config().OptimizeTimeout)
	start := time.Now()
	res, err := s.opt.Optimize(octx, route.Input{Start: s.driverPoint(cctx, driverID), Stops: snap.OpenStops(), Mode: mode, DepartAt: s.now()})
	cancel()
	metrics.OptimizationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case cctx.Err() != nil && ctx.Err() == nil:
			metrics.Optimizations.WithLabelValues(string(mode), "superseded").Inc()
			return model.Route{}, fmt.Errorf("optimize %s: %w", driverID, model.ErrSuperseded)
		case !errors.Is(err, context.DeadlineExceeded):
			metrics.Optimizations.WithLabelValues(string(mode), "error").Inc()
			return model.Route{}, err
		}
	}

	unlock, err := s.reg.Lock(ctx, driverID)
	if err != nil {
		return model.Route{}, err
	}
	defer unlock()
	if !s.coord.Current(t) {
		metrics.Optimizations.WithLabelValues(string(mode), "superseded").Inc()
		return model.Route{}, fmt.Errorf("optimize %s: %w", driverID, model.ErrSuperseded)
	}
	cur, err := s.store.GetRoute(ctx, driverID, day)
	if err != nil {
		return model.Route{}, err
	}
	if cur.Version != snap.Version {
		metrics.Optimizations.WithLabelValues(string(mode), "superseded").Inc()
		return model.Route{}, fmt.Errorf("route %s changed during optimization: %w", driverID, model.ErrSuperseded)
	}
	route.Apply(&cur, res, mode, s.now())
	saved, err := s.store.SaveRoute(ctx, cur, cur.Version)
	if err != nil {
		return model.Route{}, err
	}
	result := "applied"
	if res.Partial {
		result = "partial"
	}
	metrics.Optimizations.WithLabelValues(string(mode), result).Inc()
	s.log.Info().
		Str("driver_id", driverID).
		Str("reason", reason).
		Str("mode", string(mode)).
		Float64("efficiency", saved.EfficiencyScore).
		Bool("partial", saved.Partial).
		Int("version", saved.Version).
		Msg("route re-optimized")
	s.publish(events.DriverTopic(driverID), events.RouteOptimized, saved)
	s.emit(ctx, events.RouteOptimized, saved)
	return saved, nil
}

// reoptimizeAsync runs Reoptimize in the background; superseded runs are
// expected and only logged at debug.
func (s *Service) reoptimizeAsync(driverID, reason string) {
	s.goBackground(func(ctx context.Context) {
		_, err := s.Reoptimize(ctx, driverID, reason)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrSuperseded), errors.Is(err, context.Canceled):
			s.log.Debug().Err(err).Str("driver_id", driverID).Msg("re-optimization discarded")
		default:
			s.log.Warn().Err(err).Str("driver_id", driverID).Msg("re-optimization failed")
		}
	})
}

// ListRoutes returns every route for a day.
func (s *Service) ListRoutes(ctx context.Context, day string) ([]model.Route, error) {
	if day == "" {
		day = s.today()
	}
	return s.store.ListRoutes(ctx, day)
}
