package geo

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type GeoSuite struct {
	suite.Suite
}

func TestGeoSuite(t *testing.T) {
	suite.Run(t, new(GeoSuite))
}

func (s *GeoSuite) TestDistance() {
	s.Run("zero distance for identical points", func() {
		p := Coordinate{Lat: 16.5062, Lon: 80.6480}
		m, err := Distance(p, p)
		s.NoError(err)
		s.InDelta(0, m, 0.01)
	})

	s.Run("known city pair within one percent", func() {
		// Vijayawada to Guntur, roughly 31.7 km great-circle.
		a := Coordinate{Lat: 16.5062, Lon: 80.6480}
		b := Coordinate{Lat: 16.3067, Lon: 80.4365}
		m, err := Distance(a, b)
		s.NoError(err)
		s.InDelta(31500, m, 3000)
	})

	s.Run("rejects out-of-range latitude", func() {
		_, err := Distance(Coordinate{Lat: 91, Lon: 0}, Coordinate{})
		s.ErrorIs(err, ErrInvalidCoordinate)
	})

	s.Run("rejects NaN longitude", func() {
		bad := Coordinate{Lat: 0, Lon: nan()}
		_, err := Distance(Coordinate{}, bad)
		s.ErrorIs(err, ErrInvalidCoordinate)
	})
}

func (s *GeoSuite) TestWithinRadius() {
	center := Coordinate{Lat: 16.5062, Lon: 80.6480}

	s.Run("point inside radius passes", func() {
		// ~22 meters north of center.
		point := Coordinate{Lat: 16.5064, Lon: 80.6480}
		ok, err := WithinRadius(center, point, 50)
		s.NoError(err)
		s.True(ok)
	})

	s.Run("point at 75m fails a 50m fence", func() {
		// One degree of latitude is ~111.32 km, so 75m is ~0.000674 degrees.
		point := Coordinate{Lat: center.Lat + 75.0/111320.0, Lon: center.Lon}
		ok, err := WithinRadius(center, point, 50)
		s.NoError(err)
		s.False(ok)

		m, err := Distance(center, point)
		s.NoError(err)
		s.InDelta(75, m, 2)
	})

	s.Run("malformed point is rejected not out-of-range", func() {
		_, err := WithinRadius(center, Coordinate{Lat: 0, Lon: 200}, 50)
		s.ErrorIs(err, ErrInvalidCoordinate)
	})
}

func nan() float64 {
	var zero float64
	return zero / zero
}
