package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"turbodriver/internal/dispatch"
)

// Postgres implements dispatch.Persistence plus read queries over the same
// tables; the REST handlers read from the Auction Engine, not from these.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables in schema.sql if they do not already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ApplySchema(ctx, pool)
}

func (p *Postgres) SaveRider(ctx context.Context, rider dispatch.Rider) error {
	prefs, err := json.Marshal(rider.Preferences)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO riders (id, name, phone, email, rating, total_rides, preferences, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	email = EXCLUDED.email,
	rating = EXCLUDED.rating,
	total_rides = EXCLUDED.total_rides,
	preferences = EXCLUDED.preferences,
	updated_at = NOW()
`, rider.ID, rider.Name, rider.Phone, rider.Email, rider.Rating, rider.TotalRides, prefs)
	return err
}

func (p *Postgres) SaveDriver(ctx context.Context, driver dispatch.Driver) error {
	vehicles, err := json.Marshal(driver.Vehicles)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO drivers (id, name, phone, email, latitude, longitude, status, rating, total_rides, vehicles, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	email = EXCLUDED.email,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	status = EXCLUDED.status,
	rating = EXCLUDED.rating,
	total_rides = EXCLUDED.total_rides,
	vehicles = EXCLUDED.vehicles,
	updated_at = EXCLUDED.updated_at
`, driver.ID, driver.Name, driver.Phone, driver.Email, driver.Location.Latitude, driver.Location.Longitude,
		driver.Status, driver.Rating, driver.TotalRides, vehicles, driver.UpdatedAt)
	return err
}

func (p *Postgres) SaveRideRequest(ctx context.Context, req dispatch.RideRequest) error {
	bids, err := json.Marshal(req.Bids)
	if err != nil {
		return err
	}
	var acceptedBid []byte
	if req.AcceptedBid != nil {
		if acceptedBid, err = json.Marshal(req.AcceptedBid); err != nil {
			return err
		}
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO ride_requests (
	id, rider_id, pickup_lat, pickup_lon, pickup_address,
	destination_lat, destination_lon, destination_address,
	requested_class, comfort_preference, fare_preference,
	status, bids, accepted_bid, created_at, updated_at, cancelled_at, cancellation_reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	bids = EXCLUDED.bids,
	accepted_bid = EXCLUDED.accepted_bid,
	updated_at = EXCLUDED.updated_at,
	cancelled_at = EXCLUDED.cancelled_at,
	cancellation_reason = EXCLUDED.cancellation_reason
`, req.ID, req.RiderID, req.Pickup.Latitude, req.Pickup.Longitude, req.Pickup.Address,
		req.Destination.Latitude, req.Destination.Longitude, req.Destination.Address,
		req.RequestedClass, req.ComfortPreference, req.FarePreference,
		req.Status, bids, acceptedBid, req.CreatedAt, req.UpdatedAt, req.CancelledAt, req.CancellationReason)
	return err
}

func (p *Postgres) GetRideRequest(ctx context.Context, id string) (dispatch.RideRequest, bool, error) {
	var req dispatch.RideRequest
	var bidsRaw, acceptedRaw []byte
	err := p.pool.QueryRow(ctx, `
SELECT id, rider_id, pickup_lat, pickup_lon, pickup_address,
	destination_lat, destination_lon, destination_address,
	requested_class, comfort_preference, fare_preference,
	status, bids, accepted_bid, created_at, updated_at, cancelled_at, cancellation_reason
FROM ride_requests WHERE id = $1
`, id).Scan(&req.ID, &req.RiderID, &req.Pickup.Latitude, &req.Pickup.Longitude, &req.Pickup.Address,
		&req.Destination.Latitude, &req.Destination.Longitude, &req.Destination.Address,
		&req.RequestedClass, &req.ComfortPreference, &req.FarePreference,
		&req.Status, &bidsRaw, &acceptedRaw, &req.CreatedAt, &req.UpdatedAt, &req.CancelledAt, &req.CancellationReason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dispatch.RideRequest{}, false, nil
		}
		return dispatch.RideRequest{}, false, err
	}
	if len(bidsRaw) > 0 {
		if err := json.Unmarshal(bidsRaw, &req.Bids); err != nil {
			return dispatch.RideRequest{}, false, err
		}
	}
	if len(acceptedRaw) > 0 {
		req.AcceptedBid = &dispatch.Bid{}
		if err := json.Unmarshal(acceptedRaw, req.AcceptedBid); err != nil {
			return dispatch.RideRequest{}, false, err
		}
	}
	return req, true, nil
}

func (p *Postgres) ListRideRequestsByRider(ctx context.Context, riderID string, limit, offset int) ([]dispatch.RideRequest, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, rider_id, pickup_lat, pickup_lon, pickup_address,
	destination_lat, destination_lon, destination_address,
	requested_class, comfort_preference, fare_preference,
	status, bids, accepted_bid, created_at, updated_at, cancelled_at, cancellation_reason
FROM ride_requests
WHERE rider_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, riderID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.RideRequest
	for rows.Next() {
		var req dispatch.RideRequest
		var bidsRaw, acceptedRaw []byte
		if err := rows.Scan(&req.ID, &req.RiderID, &req.Pickup.Latitude, &req.Pickup.Longitude, &req.Pickup.Address,
			&req.Destination.Latitude, &req.Destination.Longitude, &req.Destination.Address,
			&req.RequestedClass, &req.ComfortPreference, &req.FarePreference,
			&req.Status, &bidsRaw, &acceptedRaw, &req.CreatedAt, &req.UpdatedAt, &req.CancelledAt, &req.CancellationReason); err != nil {
			return nil, err
		}
		if len(bidsRaw) > 0 {
			if err := json.Unmarshal(bidsRaw, &req.Bids); err != nil {
				return nil, err
			}
		}
		if len(acceptedRaw) > 0 {
			req.AcceptedBid = &dispatch.Bid{}
			if err := json.Unmarshal(acceptedRaw, req.AcceptedBid); err != nil {
				return nil, err
			}
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) CountRideRequestsByRider(ctx context.Context, riderID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ride_requests WHERE rider_id = $1`, riderID).Scan(&count)
	return count, err
}

// PurgeTerminalOlderThan deletes COMPLETED/CANCELLED requests past the
// retention window.
func (p *Postgres) PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
DELETE FROM ride_requests
WHERE status IN ('COMPLETED', 'CANCELLED') AND updated_at < $1
`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}
