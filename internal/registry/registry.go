// Package registry is the queryable view of drivers used by assignment and
// tracking, plus the per-driver lock every mutating operation goes through.
package registry

import (
	"context"
	"fmt"
	"time"

	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

type Candidate struct {
	Driver     model.Driver
	ActiveJobs int
}

type Registry struct {
	store store.Store
	locks Locker
}

func New(s store.Store, l Locker) *Registry {
	if l == nil {
		l = NewLocalLocker()
	}
	return &Registry{store: s, locks: l}
}

// Lock serializes all mutations of the given drivers' routes and assignments.
func (r *Registry) Lock(ctx context.Context, driverIDs ...string) (func(), error) {
	keys := make([]string, 0, len(driverIDs))
	for _, id := range driverIDs {
		if id != "" {
			keys = append(keys, "driver:"+id)
		}
	}
	return LockAll(ctx, r.locks, keys...)
}

func (r *Registry) Get(ctx context.Context, id string) (model.Driver, error) {
	return r.store.GetDriver(ctx, id)
}

func (r *Registry) ActiveJobs(ctx context.Context, id string) (int, error) {
	return r.store.CountActiveJobs(ctx, id)
}

// CheckAssignable rejects offline drivers and drivers at capacity.
func CheckAssignable(d model.Driver, active int) error {
	if d.Retired || d.Status == model.DriverOffline {
		return fmt.Errorf("driver %s is %s: %w", d.ID, d.Status, model.ErrDriverUnavailable)
	}
	if active >= max(d.MaxConcurrentJobs, 1) {
		return fmt.Errorf("driver %s at capacity (%d/%d): %w", d.ID, active, d.MaxConcurrentJobs, model.ErrDriverUnavailable)
	}
	return nil
}

// Candidates lists drivers eligible for automatic selection: available or
// on break, below capacity, optionally restricted to ids.
func (r *Registry) Candidates(ctx context.Context, ids []string, exclude map[string]bool) ([]Candidate, error) {
	f := store.DriverFilter{Statuses: []model.DriverStatus{model.DriverAvailable, model.DriverOnBreak}}
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		f.IDs = ids
	}
	drivers, err := r.store.ListDrivers(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if exclude[d.ID] {
			continue
		}
		n, err := r.store.CountActiveJobs(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if CheckAssignable(d, n) != nil {
			continue
		}
		out = append(out, Candidate{Driver: d, ActiveJobs: n})
	}
	return out, nil
}

// SyncStatus flips available drivers at capacity to busy and busy drivers
// below capacity back to available. Callers hold the driver lock.
func (r *Registry) SyncStatus(ctx context.Context, id string) (model.Driver, error) {
	d, err := r.store.GetDriver(ctx, id)
	if err != nil {
		return d, err
	}
	n, err := r.store.CountActiveJobs(ctx, id)
	if err != nil {
		return d, err
	}
	capacity := max(d.MaxConcurrentJobs, 1)
	switch {
	case d.Status == model.DriverAvailable && n >= capacity:
		return r.store.SetDriverStatus(ctx, id, model.DriverBusy)
	case d.Status == model.DriverBusy && n < capacity:
		return r.store.SetDriverStatus(ctx, id, model.DriverAvailable)
	}
	return d, nil
}

func (r *Registry) SetStatus(ctx context.Context, id string, status model.DriverStatus) (model.Driver, error) {
	if !status.Valid() {
		return model.Driver{}, fmt.Errorf("driver status %q: %w", status, model.ErrInvalidInput)
	}
	return r.store.SetDriverStatus(ctx, id, status)
}

func (r *Registry) UpdateLocation(ctx context.Context, id string, loc model.Location) error {
	return r.store.SetDriverLocation(ctx, id, loc)
}

// EndShift records the shift end time; a nil time clears it.
func (r *Registry) EndShift(ctx context.Context, id string, at *time.Time) (model.Driver, error) {
	return r.store.SetDriverShiftEnd(ctx, id, at)
}
