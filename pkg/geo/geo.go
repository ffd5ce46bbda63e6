// Package geo provides great-circle helpers on WGS84 positions.
package geo

import (
	"math"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const earthRadiusMeters = 6371000.0

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b models.Position) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLat := lat2 - lat1
	dLon := rad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing returns the initial great-circle bearing from a to b in degrees
// [0, 360). ok is false when either end has no fix or the points coincide.
// The atan2 form gives the same angle as the spherical law of cosines
// without its acos rounding near 0 and 180 degrees.
func Bearing(a, b models.Position) (deg float64, ok bool) {
	if !a.HasFix() || !b.HasFix() || (a.Lat == b.Lat && a.Lon == b.Lon) {
		return 0, false
	}
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLon := rad(b.Lon - a.Lon)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg = math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	return deg, true
}
