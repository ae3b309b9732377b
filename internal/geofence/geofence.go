// Package geofence decides whether a position falls inside any of a user's ghost zones.
package geofence

import (
	"math"

	"waveos/go-presence/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6_371_000.0

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b model.Position) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLng := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// IsSuppressed reports whether broadcasting must be suppressed at pos.
// Inactive zones and zones with a non-positive radius never suppress.
func IsSuppressed(pos model.Position, zones []model.GhostZone) bool {
	_, ok := Containing(pos, zones)
	return ok
}

// Containing returns the first zone that contains pos.
func Containing(pos model.Position, zones []model.GhostZone) (model.GhostZone, bool) {
	for _, z := range zones {
		if !z.Active || z.RadiusMeters <= 0 {
			continue
		}
		if Distance(pos, z.Center) <= z.RadiusMeters {
			return z, true
		}
	}
	return model.GhostZone{}, false
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
