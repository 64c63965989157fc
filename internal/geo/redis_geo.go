package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Index is the Redis-backed Geo Index backend: a GEO sorted set plus a
// companion JSON string key per driver carrying the eligibility metadata a GEOSEARCH
// result alone cannot express (vehicle class/comfort/price, rating).
// Supports multi-result ranked FindCandidates queries rather than a single
// nearest match.
type Index struct {
	client *redis.Client
	geoKey string
	metaKeyPrefix string
}

func NewIndex(client *redis.Client) *Index {
	return &Index{client: client, geoKey: "drivers:geo", metaKeyPrefix: "drivers:meta:"}
}

func (i *Index) metaKey(driverID string) string {
	return i.metaKeyPrefix + driverID
}

// Upsert stores the driver's position in the GEO set and its eligibility
// metadata as JSON in a companion string key.
func (i *Index) Upsert(ctx context.Context, meta DriverMeta) error {
	if err := i.client.GeoAdd(ctx, i.geoKey, &redis.GeoLocation{
		Name:      meta.DriverID,
		Longitude: meta.Lon,
		Latitude:  meta.Lat,
	}).Err(); err != nil {
		return fmt.Errorf("geoadd: %w", err)
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal driver meta: %w", err)
	}
	return i.client.Set(ctx, i.metaKey(meta.DriverID), payload, 0).Err()
}

// Remove evicts a driver from both the GEO set and its metadata key.
func (i *Index) Remove(ctx context.Context, driverID string) error {
	pipe := i.client.TxPipeline()
	pipe.ZRem(ctx, i.geoKey, driverID)
	pipe.Del(ctx, i.metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// FindCandidates runs a GEOSEARCH bounded by q.RadiusKM, then filters and
// scores results in-process against each driver's metadata key, mirroring
// the in-memory Grid's server-side filter pass.
func (i *Index) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Lon,
			Latitude:   q.Lat,
			Radius:     q.RadiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      0,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}

	var out []Candidate
	for _, r := range results {
		raw, err := i.client.Get(ctx, i.metaKey(r.Name)).Bytes()
		if err != nil {
			continue // driver evicted between geosearch and metadata fetch
		}
		var meta DriverMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		vehicle, ok := matchVehicle(meta.Vehicles, q.Class, q.ComfortMin, q.PriceMax)
		if !ok {
			continue
		}
		score := matchScore(vehicle.Comfort, q.ComfortMin, q.PriceMax, vehicle.Price, meta.Rating, r.Dist)
		out = append(out, Candidate{
			DriverID:   r.Name,
			VehicleID:  vehicle.VehicleID,
			DistanceKM: r.Dist,
			Score:      score,
		})
	}

	sortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
