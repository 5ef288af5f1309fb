// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package geo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func TestDistanceKMBetweenKnownCities(t *testing.T) {
	// London to Paris is approximately 344 km great-circle.
	km := DistanceKM(51.5074, -0.1278, 48.8566, 2.3522)
	require.InDelta(t, 344, km, 5)
}

func TestDistanceMetersZeroForSamePoint(t *testing.T) {
	require.Equal(t, 0.0, DistanceMeters(10, 20, 10, 20))
}

func TestContainsInsideAndOutsideSquare(t *testing.T) {
	ring := []model.LatLon{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}, {Lat: 0, Lon: 0},
	}
	poly := Polygon(ring)

	require.True(t, Contains(poly, 0.5, 0.5))
	require.False(t, Contains(poly, 5, 5))
}
