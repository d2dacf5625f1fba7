package geo

import (
	"context"
	"errors"

	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/georank"
)

// ErrPermissionDenied means the platform refused access to the device
// position. Callers fall back to ranking without a fix.
var ErrPermissionDenied = errors.New("geo: location permission denied")

// Locator supplies the current device position.
type Locator interface {
	Current(ctx context.Context) (*georank.Coords, error)
}

// StaticLocator serves a fixed position, for kiosk installs pinned in config
// and for tests. A nil location behaves like a denied permission.
type StaticLocator struct {
	coords *georank.Coords
}

// NewStaticLocator builds a locator from the configured fixed position.
func NewStaticLocator(loc *config.Location) *StaticLocator {
	if loc == nil {
		return &StaticLocator{}
	}
	return &StaticLocator{coords: &georank.Coords{Latitude: loc.Latitude, Longitude: loc.Longitude}}
}

func (s *StaticLocator) Current(_ context.Context) (*georank.Coords, error) {
	if s.coords == nil {
		return nil, ErrPermissionDenied
	}
	c := *s.coords
	return &c, nil
}
