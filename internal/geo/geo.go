// Package geo implements the geofence check used to gate enrollment.
//
// Distances are great-circle (haversine); a flat Euclidean approximation is
// not acceptable at radii of tens of meters across latitudes.
package geo

import (
	"errors"
	"math"

	"github.com/umahmood/haversine"
)

// ErrInvalidCoordinate rejects malformed latitude/longitude pairs.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a finite, in-range pair.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Distance returns the great-circle distance between two coordinates in meters.
func Distance(a, b Coordinate) (float64, error) {
	if !a.Valid() || !b.Valid() {
		return 0, ErrInvalidCoordinate
	}
	_, km := haversine.Distance(
		haversine.Coord{Lat: a.Lat, Lon: a.Lon},
		haversine.Coord{Lat: b.Lat, Lon: b.Lon},
	)
	return km * 1000, nil
}

// WithinRadius reports whether point lies within radiusMeters of center.
func WithinRadius(center, point Coordinate, radiusMeters float64) (bool, error) {
	m, err := Distance(center, point)
	if err != nil {
		return false, err
	}
	return m <= radiusMeters, nil
}
