package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fleetdispatch/internal/alert"
	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

// Drivers

func (s *Service) UpsertDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	if d.Status == "" {
		d.Status = model.DriverOffline
	}
	if !d.Status.Valid() {
		problems = append(problems, fmt.Sprintf("status %q is not one of available, on_break, busy, offline", d.Status))
	}
	if d.PerformanceScore < 0 || d.PerformanceScore > 5 {
		problems = append(problems, "performanceScore must be within 0..5")
	}
	if d.MaxConcurrentJobs == 0 {
		d.MaxConcurrentJobs = 1
	}
	if d.MaxConcurrentJobs < 1 {
		problems = append(problems, "maxConcurrentJobs must be >= 1")
	}
	if d.CurrentLocation != nil && !validPoint(&model.LatLng{Lat: d.CurrentLocation.Lat, Lng: d.CurrentLocation.Lng}) {
		problems = append(problems, "currentLocation out of range")
	}
	if len(problems) > 0 {
		return model.Driver{}, fmt.Errorf("%s: %w", strings.Join(problems, "; "), model.ErrInvalidInput)
	}
	unlock, err := s.reg.Lock(ctx, d.ID)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()
	saved, err := s.store.UpsertDriver(ctx, d)
	if err != nil {
		return saved, err
	}
	if saved.Retired {
		s.tracker.Forget(saved.ID)
	}
	return saved, nil
}

func (s *Service) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	return s.store.GetDriver(ctx, id)
}

func (s *Service) ListDrivers(ctx context.Context, f store.DriverFilter) ([]model.Driver, error) {
	return s.store.ListDrivers(ctx, f)
}

// SetDriverStatus changes a driver's availability. Going available clears a
// recorded shift end, and capacity is re-applied afterwards.
func (s *Service) SetDriverStatus(ctx context.Context, id string, status model.DriverStatus) (model.Driver, error) {
	unlock, err := s.reg.Lock(ctx, id)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()
	d, err := s.reg.SetStatus(ctx, id, status)
	if err != nil {
		return d, err
	}
	if status == model.DriverAvailable && d.ShiftEndedAt != nil {
		if d, err = s.reg.EndShift(ctx, id, nil); err != nil {
			return d, err
		}
	}
	if status == model.DriverAvailable {
		return s.reg.SyncStatus(ctx, id)
	}
	return d, nil
}

// EndShift takes the driver offline. Jobs still assigned stay with the driver
// and surface through the driver_shift_end alert.
func (s *Service) EndShift(ctx context.Context, id string) (model.Driver, error) {
	unlock, err := s.reg.Lock(ctx, id)
	if err != nil {
		return model.Driver{}, err
	}
	defer unlock()
	now := s.now().UTC()
	if _, err := s.reg.EndShift(ctx, id, &now); err != nil {
		return model.Driver{}, err
	}
	d, err := s.reg.SetStatus(ctx, id, model.DriverOffline)
	if err != nil {
		return d, err
	}
	s.log.Info().Str("driver_id", id).Msg("shift ended")
	return d, nil
}

// Vehicles

func (s *Service) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.Type) == "" {
		return model.Vehicle{}, fmt.Errorf("vehicle id and type are required: %w", model.ErrInvalidInput)
	}
	if v.Capacity < 0 {
		return model.Vehicle{}, fmt.Errorf("capacity must be >= 0: %w", model.ErrInvalidInput)
	}
	if v.OwnerDriverID != "" {
		if _, err := s.store.GetDriver(ctx, v.OwnerDriverID); err != nil {
			return model.Vehicle{}, fmt.Errorf("owner driver %s: %w", v.OwnerDriverID, err)
		}
	}
	return s.store.UpsertVehicle(ctx, v)
}

func (s *Service) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	return s.store.GetVehicle(ctx, id)
}

func (s *Service) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	return s.store.ListVehicles(ctx)
}

// Zones

// UpsertZone stores a zone and swaps in a rebuilt index.
func (s *Service) UpsertZone(ctx context.Context, z model.Zone) (model.Zone, error) {
	if strings.TrimSpace(z.ID) == "" {
		return model.Zone{}, fmt.Errorf("zone id is required: %w", model.ErrInvalidInput)
	}
	if len(z.Polygon) < 3 {
		return model.Zone{}, fmt.Errorf("zone %s polygon needs at least 3 vertices: %w", z.ID, model.ErrInvalidInput)
	}
	for _, v := range z.Polygon {
		if !validPoint(&v) {
			return model.Zone{}, fmt.Errorf("zone %s vertex out of range: %w", z.ID, model.ErrInvalidInput)
		}
	}
	if z.MaxDeliveryHours < 0 {
		return model.Zone{}, fmt.Errorf("maxDeliveryHours must be >= 0: %w", model.ErrInvalidInput)
	}
	saved, err := s.store.UpsertZone(ctx, z)
	if err != nil {
		return saved, err
	}
	return saved, s.RebuildZones(ctx)
}

func (s *Service) DeleteZone(ctx context.Context, id string) error {
	if err := s.store.DeleteZone(ctx, id); err != nil {
		return err
	}
	return s.RebuildZones(ctx)
}

func (s *Service) GetZone(ctx context.Context, id string) (model.Zone, error) {
	return s.store.GetZone(ctx, id)
}

func (s *Service) ListZones(ctx context.Context) ([]model.Zone, error) {
	return s.store.ListZones(ctx)
}

// ResolveZone returns the zone a point belongs to.
func (s *Service) ResolveZone(p model.LatLng) (model.Zone, error) {
	if !validPoint(&p) {
		return model.Zone{}, fmt.Errorf("point out of range: %w", model.ErrInvalidInput)
	}
	return s.zones.Resolve(p)
}

// RebuildZones reloads every zone from the store into a fresh index snapshot.
func (s *Service) RebuildZones(ctx context.Context) error {
	zones, err := s.store.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	s.zones.Rebuild(zones)
	metrics.ZonesLoaded.Set(float64(s.zones.Len()))
	s.log.Debug().Int("zones", len(zones)).Msg("zone index rebuilt")
	return nil
}

// Alerts

func (s *Service) ListAlerts(ctx context.Context, f store.AlertFilter) ([]model.Alert, string, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, "", fmt.Errorf("alert type %q: %w", f.Type, model.ErrInvalidInput)
	}
	return s.store.ListAlerts(ctx, f)
}

func (s *Service) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

func (s *Service) MarkAlertRead(ctx context.Context, id string) (model.Alert, error) {
	return s.alerts.MarkRead(ctx, id)
}

func (s *Service) ResolveAlert(ctx context.Context, id string) (model.Alert, error) {
	return s.alerts.Resolve(ctx, id)
}

// SweepAlerts runs the escalation triggers once.
func (s *Service) SweepAlerts(ctx context.Context) (alert.SweepReport, error) {
	start := time.Now()
	rep, err := s.alerts.Sweep(ctx)
	metrics.SweepDuration.WithLabelValues("alerts").Observe(time.Since(start).Seconds())
	if err != nil {
		return rep, err
	}
	if rep.Raised > 0 {
		s.log.Info().Int("evaluated", rep.Evaluated).Int("raised", rep.Raised).Int("suppressed", rep.Suppressed).Msg("alert sweep")
	}
	return rep, nil
}

// Webhooks

func (s *Service) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]store.WebhookDelivery, string, error) {
	switch status {
	case "", "pending", "delivered", "failed":
	default:
		return nil, "", fmt.Errorf("status %q: %w", status, model.ErrInvalidInput)
	}
	return s.store.ListWebhookDeliveries(ctx, status, cursor, limit)
}
