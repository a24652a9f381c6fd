package geo

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"fleetdispatch/internal/model"
)

type indexedZone struct {
	zone                           model.Zone
	area                           float64
	minLat, maxLat, minLng, maxLng float64
}

func (z indexedZone) inBounds(p model.LatLng) bool {
	return p.Lat >= z.minLat && p.Lat <= z.maxLat && p.Lng >= z.minLng && p.Lng <= z.maxLng
}

// snapshot is immutable once published.
type snapshot struct {
	zones   []indexedZone // sorted by priority, area, id
	byID    map[string]model.Zone
	builtAt time.Time
}

// Index resolves points to zones. Readers see a consistent snapshot; Rebuild
// replaces the whole snapshot at once.
type Index struct {
	snap atomic.Pointer[snapshot]
}

func NewIndex(zones []model.Zone) *Index {
	x := &Index{}
	x.Rebuild(zones)
	return x
}

// Rebuild indexes zones from scratch. Zones with fewer than three vertices are
// kept for lookup by id but never match a point.
func (x *Index) Rebuild(zones []model.Zone) {
	s := &snapshot{byID: make(map[string]model.Zone, len(zones)), builtAt: time.Now()}
	for _, z := range zones {
		z.Polygon = append([]model.LatLng(nil), z.Polygon...)
		z.AssignedDrivers = append([]string(nil), z.AssignedDrivers...)
		s.byID[z.ID] = z
		if len(z.Polygon) < 3 {
			continue
		}
		iz := indexedZone{zone: z, area: AreaSqMeters(z.Polygon),
			minLat: z.Polygon[0].Lat, maxLat: z.Polygon[0].Lat, minLng: z.Polygon[0].Lng, maxLng: z.Polygon[0].Lng}
		for _, v := range z.Polygon[1:] {
			iz.minLat = min(iz.minLat, v.Lat)
			iz.maxLat = max(iz.maxLat, v.Lat)
			iz.minLng = min(iz.minLng, v.Lng)
			iz.maxLng = max(iz.maxLng, v.Lng)
		}
		s.zones = append(s.zones, iz)
	}
	sort.Slice(s.zones, func(i, j int) bool {
		a, b := s.zones[i], s.zones[j]
		if a.zone.Priority != b.zone.Priority {
			return a.zone.Priority < b.zone.Priority
		}
		if a.area != b.area {
			return a.area < b.area
		}
		return a.zone.ID < b.zone.ID
	})
	x.snap.Store(s)
}

// Resolve returns the containing zone with the lowest priority number, ties
// broken by smallest area. Points outside every zone yield model.ErrNotFound.
func (x *Index) Resolve(p model.LatLng) (model.Zone, error) {
	s := x.snap.Load()
	if s != nil {
		for _, z := range s.zones {
			if z.inBounds(p) && Contains(z.zone.Polygon, p) {
				return z.zone, nil
			}
		}
	}
	return model.Zone{}, fmt.Errorf("zone for %.6f,%.6f: %w", p.Lat, p.Lng, model.ErrNotFound)
}

// Zone returns a zone by id from the current snapshot.
func (x *Index) Zone(id string) (model.Zone, bool) {
	s := x.snap.Load()
	if s == nil {
		return model.Zone{}, false
	}
	z, ok := s.byID[id]
	return z, ok
}

// Len is the number of zones in the current snapshot.
func (x *Index) Len() int {
	s := x.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.byID)
}

// BuiltAt is when the current snapshot was built.
func (x *Index) BuiltAt() time.Time {
	if s := x.snap.Load(); s != nil {
		return s.builtAt
	}
	return time.Time{}
}
