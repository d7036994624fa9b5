// Package geo holds the coordinate predicates shared by the ingest
// pipeline, the topology resolver and the persistence loader.
package geo

import "math"

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	dPhi := (lat2 - lat1) * math.Pi / 180.0
	dLambda := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// CoordsZero reports whether a point is the (0, 0) sentinel.
func CoordsZero(lat, lon float64) bool {
	return math.Abs(lat) < 1e-6 && math.Abs(lon) < 1e-6
}

// ValidLatLon reports whether a pair is inside the WGS84 envelope.
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90.0 && lat <= 90.0 && lon >= -180.0 && lon <= 180.0
}

// Bounds describes the configured map envelope. RadiusKM <= 0 disables
// filtering entirely.
type Bounds struct {
	CenterLat float64
	CenterLon float64
	RadiusKM  float64
}

// Within reports whether the point lies inside the envelope.
func (b Bounds) Within(lat, lon float64) bool {
	if b.RadiusKM <= 0 {
		return true
	}
	return HaversineM(b.CenterLat, b.CenterLon, lat, lon) <= b.RadiusKM*1000.0
}
