package dispatch

import "context"

// GeoLocator is the Geo Index seam. Two concrete backends exist under
// internal/geo (in-memory grid, Redis GEO); cmd/server wires one of them
// through a small adapter so this package never imports internal/geo
// directly.
type GeoLocator interface {
	// UpdateDriver indexes or re-indexes a driver's position and eligible
	// vehicles. Called on every location update and status change while the
	// driver is AVAILABLE.
	UpdateDriver(ctx context.Context, driver Driver) error
	// RemoveDriver evicts a driver (going BUSY/OFFLINE).
	RemoveDriver(ctx context.Context, driverID string) error
	// FindCandidates runs the bounded-radius, scored query.
	FindCandidates(ctx context.Context, pickup Coordinate, class VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]CandidateDriver, error)
}
