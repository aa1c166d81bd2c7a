package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters_SamePointIsZero(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{-6.2088, 106.8456},
		{90, 0},
		{-90, 180},
		{51.5007, -0.1246},
	}
	for _, p := range points {
		assert.Equal(t, 0.0, DistanceMeters(p[0], p[1], p[0], p[1]))
	}
}

func TestDistanceMeters_Symmetric(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
	}{
		{"jakarta short hop", -6.2088, 106.8456, -6.2100, 106.8456},
		{"across antimeridian", 10, 179.9, 10, -179.9},
		{"pole to equator", 90, 0, 0, 45},
		{"antipodal", 0, 0, 0, 180},
		{"london paris", 51.5074, -0.1278, 48.8566, 2.3522},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab := DistanceMeters(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			ba := DistanceMeters(tc.lat2, tc.lon2, tc.lat1, tc.lon1)
			assert.InDelta(t, ab, ba, 1e-6)
		})
	}
}

func TestDistanceMeters_KnownDistances(t *testing.T) {
	// 0.001 degree of longitude at the equator
	assert.InDelta(t, 111.19, DistanceMeters(0, 0, 0, 0.001), 0.05)

	// half the circumference
	assert.InDelta(t, math.Pi*EarthRadiusMeters, DistanceMeters(0, 0, 0, 180), 1)

	// roughly 343km between London and Paris
	d := DistanceMeters(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 343_500, d, 1_500)
}
