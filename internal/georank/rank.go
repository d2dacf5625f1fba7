// Package georank orders conversation lists so that geofenced groups the user
// is currently inside of surface first. It is pure: safe to call on every
// refresh with whatever list and fix are at hand.
package georank

import (
	"math"
	"sort"

	"github.com/beaconhq/beacon/internal/store"
)

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// Coords is a device position fix.
type Coords struct {
	Latitude  float64
	Longitude float64
}

// Distance returns the great-circle distance in kilometers between two points
// (haversine formula).
func Distance(a, b Coords) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// IsLocal reports whether c is a local group for a user at cur: a group
// conversation with a complete geofence whose radius covers the position.
// A nil fix (permission denied, no GPS) makes nothing local.
func IsLocal(c *store.Conversation, cur *Coords) bool {
	if cur == nil || !c.IsGroup {
		return false
	}
	if c.Latitude == nil || c.Longitude == nil || c.RadiusKm == nil {
		return false
	}
	center := Coords{Latitude: *c.Latitude, Longitude: *c.Longitude}
	return Distance(*cur, center) <= *c.RadiusKm
}

// Rank returns a new slice with local groups before everything else; within
// each partition conversations sort by UpdatedAt descending, ties keeping
// input order.
func Rank(convs []store.Conversation, cur *Coords) []store.Conversation {
	ranked := make([]store.Conversation, len(convs))
	copy(ranked, convs)

	local := make(map[string]bool, len(ranked))
	for i := range ranked {
		local[ranked[i].ID] = IsLocal(&ranked[i], cur)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := local[ranked[i].ID], local[ranked[j].ID]
		if li != lj {
			return li
		}
		return ranked[i].UpdatedAt > ranked[j].UpdatedAt
	})
	return ranked
}
