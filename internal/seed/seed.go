// Package seed loads drivers, vehicles and zones from a YAML file.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fleetdispatch/internal/model"
)

type File struct {
	Drivers  []Driver  `yaml:"drivers"`
	Vehicles []Vehicle `yaml:"vehicles"`
	Zones    []Zone    `yaml:"zones"`
}

type Driver struct {
	ID                string    `yaml:"id"`
	Name              string    `yaml:"name"`
	Status            string    `yaml:"status"`
	Zone              string    `yaml:"zone"`
	PerformanceScore  float64   `yaml:"performance_score"`
	MaxConcurrentJobs int       `yaml:"max_concurrent_jobs"`
	Location          []float64 `yaml:"location"` // [lat, lng]
}

type Vehicle struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Capacity int    `yaml:"capacity"`
	Owner    string `yaml:"owner"`
}

type Zone struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Priority         int         `yaml:"priority"`
	MaxDeliveryHours float64     `yaml:"max_delivery_hours"`
	Drivers          []string    `yaml:"drivers"`
	Polygon          [][]float64 `yaml:"polygon"` // [[lat, lng], ...]
}

// Target is satisfied by *dispatch.Service, which validates every record.
type Target interface {
	UpsertDriver(ctx context.Context, d model.Driver) (model.Driver, error)
	UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	UpsertZone(ctx context.Context, z model.Zone) (model.Zone, error)
}

type Summary struct {
	Drivers, Vehicles, Zones int
}

func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return File{}, fmt.Errorf("decode seed: %w", err)
	}
	return f, nil
}

func LoadFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer fh.Close()
	return Parse(fh)
}

func point(v []float64) (model.LatLng, error) {
	if len(v) != 2 {
		return model.LatLng{}, fmt.Errorf("point %v must be [lat, lng]: %w", v, model.ErrInvalidInput)
	}
	return model.LatLng{Lat: v[0], Lng: v[1]}, nil
}

// Apply upserts drivers first, then vehicles (which reference owners), then
// zones (which reference drivers). It stops at the first invalid record.
func (f File) Apply(ctx context.Context, t Target) (Summary, error) {
	var sum Summary
	now := time.Now().UTC()
	for _, d := range f.Drivers {
		md := model.Driver{
			ID:                d.ID,
			Name:              d.Name,
			Status:            model.DriverStatus(d.Status),
			AssignedZone:      d.Zone,
			PerformanceScore:  d.PerformanceScore,
			MaxConcurrentJobs: d.MaxConcurrentJobs,
		}
		if d.Location != nil {
			p, err := point(d.Location)
			if err != nil {
				return sum, fmt.Errorf("driver %s: %w", d.ID, err)
			}
			md.CurrentLocation = &model.Location{Lat: p.Lat, Lng: p.Lng, At: now}
		}
		if _, err := t.UpsertDriver(ctx, md); err != nil {
			return sum, fmt.Errorf("driver %s: %w", d.ID, err)
		}
		sum.Drivers++
	}
	for _, v := range f.Vehicles {
		if _, err := t.UpsertVehicle(ctx, model.Vehicle{ID: v.ID, Type: v.Type, Capacity: v.Capacity, OwnerDriverID: v.Owner}); err != nil {
			return sum, fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
		sum.Vehicles++
	}
	for _, z := range f.Zones {
		mz := model.Zone{ID: z.ID, Name: z.Name, Priority: z.Priority, MaxDeliveryHours: z.MaxDeliveryHours, AssignedDrivers: z.Drivers}
		for _, v := range z.Polygon {
			p, err := point(v)
			if err != nil {
				return sum, fmt.Errorf("zone %s: %w", z.ID, err)
			}
			mz.Polygon = append(mz.Polygon, p)
		}
		if _, err := t.UpsertZone(ctx, mz); err != nil {
			return sum, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		sum.Zones++
	}
	return sum, nil
}
