package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/events"
	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

// IngestPing applies one location sample: the driver's position is updated,
// route stops advance and ETAs are recomputed. A drift past the threshold
// schedules a background re-optimization.
func (s *Service) IngestPing(ctx context.Context, p model.Ping, source string) (eta.Update, error) {
	up, err := s.ingest(ctx, p)
	result := "accepted"
	switch {
	case errors.Is(err, model.ErrStaleLocation):
		result = "stale"
	case err != nil:
		result = errorLabel(err)
	case up.Drift != nil:
		result = "drift"
	}
	metrics.Pings.WithLabelValues(source, result).Inc()
	if err != nil {
		return up, err
	}
	s.publish(events.DriverTopic(p.DriverID), events.ETAUpdated, up)
	if up.Drift != nil {
		s.log.Info().
			Str("driver_id", p.DriverID).
			Str("stop", up.Drift.StopKey).
			Dur("by", up.Drift.By).
			Msg("eta drift")
		s.reoptimizeAsync(p.DriverID, "eta_drift")
	}
	return up, nil
}

func (s *Service) ingest(ctx context.Context, p model.Ping) (eta.Update, error) {
	if err := s.tracker.Check(p); err != nil {
		return eta.Update{}, err
	}
	unlock, err := s.reg.Lock(ctx, p.DriverID)
	if err != nil {
		return eta.Update{}, err
	}
	defer unlock()
	d, err := s.reg.Get(ctx, p.DriverID)
	if err != nil {
		return eta.Update{}, err
	}
	if d.Retired {
		return eta.Update{}, fmt.Errorf("driver %s is retired: %w", d.ID, model.ErrInvalidInput)
	}

	var rp *model.Route
	r, err := s.store.GetRoute(ctx, p.DriverID, store.Day(p.Timestamp))
	switch {
	case err == nil:
		rp = &r
	case !isNotFound(err):
		return eta.Update{}, err
	}
	up, err := s.tracker.Observe(p, rp)
	if err != nil {
		return up, err
	}
	if err := s.reg.UpdateLocation(ctx, p.DriverID, up.Location); err != nil {
		return up, err
	}
	if rp != nil && (up.Target != nil || len(up.Arrived) > 0) {
		if _, err := s.store.SaveRoute(ctx, *rp, rp.Version); err != nil {
			return up, err
		}
	}
	return up, nil
}

// SweepETA flags the ETAs of drivers that stopped reporting as stale and
// raises an eta_stale alert for each. It returns the number of routes marked.
func (s *Service) SweepETA(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("eta").Observe(time.Since(start).Seconds())
	}()
	routes, err := s.store.ListRoutes(ctx, s.today())
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, r := range routes {
		if len(r.OpenStops()) == 0 {
			continue
		}
		d, err := s.store.GetDriver(ctx, r.DriverID)
		if err != nil {
			continue
		}
		var since time.Time
		switch {
		case d.CurrentLocation != nil:
			since = d.CurrentLocation.At
		case r.LastOptimizedAt != nil:
			since = *r.LastOptimizedAt
		}
		if !s.tracker.IsStale(d.ID, since) {
			continue
		}
		ok, err := s.markStale(ctx, r.DriverID, r.Day)
		if err != nil {
			return marked, err
		}
		if !ok {
			continue
		}
		marked++
		if _, _, err := s.alerts.Raise(ctx, model.Alert{
			Type:       model.AlertETAStale,
			Severity:   model.SeverityMedium,
			EntityType: "driver",
			EntityID:   d.ID,
			Message:    fmt.Sprintf("no location from driver %s since %s", d.ID, since.UTC().Format(time.RFC3339)),
		}); err != nil {
			return marked, err
		}
	}
	return marked, nil
}

func (s *Service) markStale(ctx context.Context, driverID, day string) (bool, error) {
	unlock, err := s.reg.Lock(ctx, driverID)
	if err != nil {
		return false, err
	}
	defer unlock()
	r, err := s.store.GetRoute(ctx, driverID, day)
	if err != nil {
		return false, err
	}
	if !eta.MarkStale(&r) {
		return false, nil
	}
	saved, err := s.store.SaveRoute(ctx, r, r.Version)
	if err != nil {
		return false, err
	}
	s.publish(events.DriverTopic(driverID), events.ETAUpdated, saved)
	return true, nil
}
