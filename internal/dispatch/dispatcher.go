package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DispatchConfig holds the Dispatcher's radius/candidate-count knobs.
type DispatchConfig struct {
	DefaultRadiusKM float64
	MaxRadiusKM     float64
	MaxCandidates   int
}

// Dispatcher selects candidate drivers for a newly-PENDING request, pushes
// rideRequest:new to them, and emits rideRequest:removed when the request
// leaves BIDDING.
type Dispatcher struct {
	geo    GeoLocator
	bus    *EventBus
	cfg    DispatchConfig
	logger *zap.Logger
}

func NewDispatcher(geo GeoLocator, bus *EventBus, cfg DispatchConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRadiusKM <= 0 {
		cfg.DefaultRadiusKM = 10
	}
	if cfg.MaxRadiusKM <= 0 {
		cfg.MaxRadiusKM = 50
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &Dispatcher{geo: geo, bus: bus, cfg: cfg, logger: logger}
}

// Dispatch queries the Geo Index for candidates, retries once after a short
// delay on zero results, and fans out rideRequest:new to each candidate and
// to the global room. Returns the candidate driver ids that were notified
// (possibly empty) so the Engine can track who to notify on removal.
func (d *Dispatcher) Dispatch(ctx context.Context, req RideRequest) []string {
	radius := d.cfg.DefaultRadiusKM
	if radius > d.cfg.MaxRadiusKM {
		radius = d.cfg.MaxRadiusKM
	}

	candidates, err := d.geo.FindCandidates(ctx, req.Pickup, req.RequestedClass, req.ComfortPreference, req.FarePreference, radius, d.cfg.MaxCandidates)
	if err != nil {
		d.logger.Warn("geo index query failed", zap.String("request_id", req.ID), zap.Error(err))
		candidates = nil
	}

	if len(candidates) == 0 {
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
		candidates, err = d.geo.FindCandidates(ctx, req.Pickup, req.RequestedClass, req.ComfortPreference, req.FarePreference, radius, d.cfg.MaxCandidates)
		if err != nil {
			d.logger.Warn("geo index retry failed", zap.String("request_id", req.ID), zap.Error(err))
			candidates = nil
		}
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.DriverID)
		d.bus.Publish(DriverRoom(c.DriverID), Event{Type: "rideRequest:new", Data: requestSummary(req)})
	}
	d.bus.Publish(GlobalRoom, Event{Type: "rideRequest:new", Data: requestSummary(req)})

	return ids
}

// Withdraw emits rideRequest:removed to every driver that was notified of
// req plus the global room, used when req leaves BIDDING.
func (d *Dispatcher) Withdraw(req RideRequest, candidateIDs []string) {
	payload := map[string]string{"requestId": req.ID}
	for _, driverID := range candidateIDs {
		d.bus.Publish(DriverRoom(driverID), Event{Type: "rideRequest:removed", Data: payload})
	}
	d.bus.Publish(GlobalRoom, Event{Type: "rideRequest:removed", Data: payload})
}

func requestSummary(r RideRequest) map[string]interface{} {
	return map[string]interface{}{
		"id":                r.ID,
		"userId":            r.RiderID,
		"pickupLocation":    r.Pickup,
		"destination":       r.Destination,
		"rideType":          r.RequestedClass,
		"comfortPreference": r.ComfortPreference,
		"farePreference":    r.FarePreference,
		"status":            r.Status,
		"createdAt":         r.CreatedAt,
	}
}
