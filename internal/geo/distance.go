// Package geo provides distance helpers and the zone index used to resolve
// delivery points to dispatch zones.
package geo

import (
	"math"

	"fleetdispatch/internal/model"
)

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b model.LatLng) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func rad(d float64) float64 { return d * math.Pi / 180 }

// Contains reports whether p lies inside poly using ray casting. The polygon
// is implicitly closed; fewer than three vertices never contain anything.
func Contains(poly []model.LatLng, p model.LatLng) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
	}
	return inside
}

// AreaSqMeters approximates the polygon area with the shoelace formula on an
// equirectangular projection centred on the polygon. Only used to order
// overlapping zones, so the projection error is irrelevant.
func AreaSqMeters(poly []model.LatLng) float64 {
	n := len(poly)
	if n < 3 {
		return 0
	}
	var lat0 float64
	for _, v := range poly {
		lat0 += v.Lat
	}
	k := math.Cos(rad(lat0 / float64(n)))
	sum := 0.0
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[(i+1)%n]
		ax, ay := rad(a.Lng)*k*earthRadiusM, rad(a.Lat)*earthRadiusM
		bx, by := rad(b.Lng)*k*earthRadiusM, rad(b.Lat)*earthRadiusM
		sum += ax*by - bx*ay
	}
	return math.Abs(sum) / 2
}
