// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geo wraps github.com/paulmach/orb for the two geometric
// operations the alert engine and position processor need: great-circle
// distance (odometer accumulation, towing threshold) and polygon
// containment (geofence enter/exit).
package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"fleetwatch/internal/model"
)

// DistanceMeters returns the great-circle distance between two WGS84 points
// in meters. orb/geo.Distance implements a haversine-class formula, which
// spec.md section 4.3 explicitly accepts.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	a := orb.Point{lon1, lat1}
	b := orb.Point{lon2, lat2}
	return geo.Distance(a, b)
}

// DistanceKM is DistanceMeters converted to kilometers.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceMeters(lat1, lon1, lat2, lon2) / 1000.0
}

// Polygon builds an orb.Polygon from a closed WGS84 ring.
func Polygon(ring []model.LatLon) orb.Polygon {
	r := make(orb.Ring, 0, len(ring))
	for _, p := range ring {
		r = append(r, orb.Point{p.Lon, p.Lat})
	}
	return orb.Polygon{r}
}

// Contains reports whether point (lat, lon) falls inside poly. Containment
// is evaluated on the planar projection of the ring, which is accurate
// enough for the city/region-scale geofences this system targets.
func Contains(poly orb.Polygon, lat, lon float64) bool {
	return planar.PolygonContains(poly, orb.Point{lon, lat})
}
