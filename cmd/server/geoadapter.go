package main

import (
	"context"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/geo"
)

// gridGeoAdapter and redisGeoAdapter satisfy dispatch.GeoLocator over the
// two internal/geo backends, kept outside that package to avoid dispatch
// importing geo directly.

type gridGeoAdapter struct{ grid *geo.Grid }

func (a gridGeoAdapter) UpdateDriver(ctx context.Context, driver dispatch.Driver) error {
	a.grid.Upsert(toDriverMeta(driver))
	return nil
}

func (a gridGeoAdapter) RemoveDriver(ctx context.Context, driverID string) error {
	a.grid.Remove(driverID)
	return nil
}

func (a gridGeoAdapter) FindCandidates(ctx context.Context, pickup dispatch.Coordinate, class dispatch.VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]dispatch.CandidateDriver, error) {
	results := a.grid.FindCandidates(geo.Query{
		Lat:        pickup.Latitude,
		Lon:        pickup.Longitude,
		Class:      string(class),
		ComfortMin: comfortMin,
		PriceMax:   priceMax,
		RadiusKM:   radiusKM,
		Limit:      limit,
	})
	return toCandidateDrivers(results), nil
}

type redisGeoAdapter struct{ idx *geo.Index }

func (a redisGeoAdapter) UpdateDriver(ctx context.Context, driver dispatch.Driver) error {
	return a.idx.Upsert(ctx, toDriverMeta(driver))
}

func (a redisGeoAdapter) RemoveDriver(ctx context.Context, driverID string) error {
	return a.idx.Remove(ctx, driverID)
}

func (a redisGeoAdapter) FindCandidates(ctx context.Context, pickup dispatch.Coordinate, class dispatch.VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]dispatch.CandidateDriver, error) {
	results, err := a.idx.FindCandidates(ctx, geo.Query{
		Lat:        pickup.Latitude,
		Lon:        pickup.Longitude,
		Class:      string(class),
		ComfortMin: comfortMin,
		PriceMax:   priceMax,
		RadiusKM:   radiusKM,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return toCandidateDrivers(results), nil
}

func toDriverMeta(driver dispatch.Driver) geo.DriverMeta {
	vehicles := make([]geo.VehicleMeta, 0, len(driver.Vehicles))
	for _, v := range driver.Vehicles {
		if !v.Active {
			continue
		}
		vehicles = append(vehicles, geo.VehicleMeta{
			VehicleID: v.ID,
			Class:     string(v.Class),
			Comfort:   v.Comfort,
			Price:     v.Price,
		})
	}
	return geo.DriverMeta{
		DriverID: driver.ID,
		Lat:      driver.Location.Latitude,
		Lon:      driver.Location.Longitude,
		Vehicles: vehicles,
		Rating:   driver.Rating,
	}
}

func toCandidateDrivers(results []geo.Candidate) []dispatch.CandidateDriver {
	out := make([]dispatch.CandidateDriver, len(results))
	for i, c := range results {
		out[i] = dispatch.CandidateDriver{
			DriverID:   c.DriverID,
			DistanceKM: c.DistanceKM,
			Score:      c.Score,
			VehicleID:  c.VehicleID,
		}
	}
	return out
}
