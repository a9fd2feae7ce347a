// Package geo holds the short-range distance approximation used for stop
// proximity checks.
package geo

import (
	"math"

	"shuttle-tracker/internal/models"
)

const (
	kmPerDegreeLat     = 111.32  // km per degree of latitude
	earthCircumference = 40075.0 // km
	degreesInCircle    = 360.0
)

// DistanceMeters returns the distance between a and b in meters, treating the
// lat/lon deltas as locally planar. Longitude is scaled by the cosine of a's
// latitude. Only accurate at stop-radius scale (tens to hundreds of meters);
// do not use it for anything longer.
func DistanceMeters(a, b models.Coordinate) float64 {
	dlat := b.Latitude - a.Latitude
	dlon := b.Longitude - a.Longitude

	dlatKM := dlat * kmPerDegreeLat
	dlonKM := dlon * earthCircumference * math.Cos(a.Latitude*math.Pi/180) / degreesInCircle

	return math.Sqrt(dlatKM*dlatKM+dlonKM*dlonKM) * 1000
}

// Within reports whether b lies strictly inside radiusMeters of a
func Within(a, b models.Coordinate, radiusMeters float64) bool {
	return DistanceMeters(a, b) < radiusMeters
}
