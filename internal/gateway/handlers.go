package gateway

import (
	"context"
	"encoding/json"

	"turbodriver/internal/apperr"
	"turbodriver/internal/dispatch"
)

type registerPayload struct {
	ID       string               `json:"id,omitempty"`
	Name     string               `json:"name,omitempty"`
	Phone    string               `json:"phone,omitempty"`
	Email    string               `json:"email,omitempty"`
	Vehicles []dispatch.Vehicle   `json:"vehicles,omitempty"`
	Location *dispatch.Coordinate `json:"location,omitempty"`
}

// handleUserRegister binds conn to a rider identity. Repeated registration
// of the same connection is idempotent and returns the existing binding.
func (g *Gateway) handleUserRegister(c *connection, msg Message) {
	var p registerPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(apperr.New(apperr.ValidationError, "malformed user:register payload"))
			return
		}
	}

	if existingID, _, ok := g.identity(c); ok {
		c.sendSuccess("user:registered", map[string]string{"id": existingID})
		return
	}

	id := p.ID
	if id == "" {
		minted, err := dispatch.NewRiderID()
		if err != nil {
			c.sendError(apperr.Internal(err))
			return
		}
		id = minted
	} else if !dispatch.ValidRiderID(id) {
		c.sendError(apperr.New(apperr.InvalidUserID, "malformed rider id"))
		return
	}

	if err := g.engine.UpsertRider(dispatch.Rider{ID: id, Name: p.Name, Phone: p.Phone, Email: p.Email, Rating: 5}); err != nil {
		c.sendError(err)
		return
	}
	g.registry.Register(c.id, id, dispatch.RoleRider)
	g.bus.Subscribe(dispatch.RiderRoom(id), c.id, g.sinkFor(c.id))

	c.sendSuccess("user:registered", map[string]string{"id": id})
}

// handleDriverRegister binds conn to a driver identity.
func (g *Gateway) handleDriverRegister(c *connection, msg Message) {
	var p registerPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(apperr.New(apperr.ValidationError, "malformed driver:register payload"))
			return
		}
	}

	if existingID, _, ok := g.identity(c); ok {
		c.sendSuccess("driver:registered", map[string]string{"id": existingID})
		return
	}

	id := p.ID
	if id == "" {
		minted, err := dispatch.NewDriverID()
		if err != nil {
			c.sendError(apperr.Internal(err))
			return
		}
		id = minted
	} else if !dispatch.ValidDriverID(id) {
		c.sendError(apperr.New(apperr.InvalidDriverID, "malformed driver id"))
		return
	}

	driver := dispatch.Driver{ID: id, Name: p.Name, Phone: p.Phone, Email: p.Email, Status: dispatch.DriverOffline, Rating: 5, Vehicles: p.Vehicles}
	if p.Location != nil {
		driver.Location = *p.Location
	}
	if err := g.engine.UpsertDriver(context.Background(), driver); err != nil {
		c.sendError(err)
		return
	}
	g.registry.Register(c.id, id, dispatch.RoleDriver)
	g.bus.Subscribe(dispatch.DriverRoom(id), c.id, g.sinkFor(c.id))
	g.bus.Subscribe(dispatch.GlobalRoom, c.id, g.sinkFor(c.id))

	c.sendSuccess("driver:registered", map[string]string{"id": id})
}

type statusPayload struct {
	Status dispatch.DriverStatus `json:"status"`
}

func (g *Gateway) handleDriverUpdateStatus(ctx context.Context, c *connection, msg Message) {
	driverID, role, ok := g.identity(c)
	if !ok || role != dispatch.RoleDriver {
		c.sendError(apperr.UnauthorizedErr("connection is not a registered driver"))
		return
	}
	var p statusPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed driver:updateStatus payload"))
		return
	}
	driver, err := g.engine.UpdateDriverStatus(ctx, driverID, p.Status)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendSuccess("driver:statusUpdated", driver)
}

func (g *Gateway) handleDriverUpdateLocation(ctx context.Context, c *connection, msg Message) {
	driverID, role, ok := g.identity(c)
	if !ok || role != dispatch.RoleDriver {
		c.sendError(apperr.UnauthorizedErr("connection is not a registered driver"))
		return
	}
	var loc dispatch.Coordinate
	if err := json.Unmarshal(msg.Data, &loc); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed driver:updateLocation payload"))
		return
	}
	driver, err := g.engine.UpdateDriverLocation(ctx, driverID, loc)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendSuccess("driver:locationUpdated", driver)
}

type newRequestPayload struct {
	RideType          dispatch.VehicleClass `json:"rideType"`
	PickupLocation    dispatch.Coordinate   `json:"pickupLocation"`
	Destination       dispatch.Coordinate   `json:"destination"`
	ComfortPreference int                   `json:"comfortPreference,omitempty"`
	FarePreference    int                   `json:"farePreference,omitempty"`
}

func (g *Gateway) handleNewRequest(ctx context.Context, c *connection, msg Message) {
	riderID, role, ok := g.identity(c)
	if !ok || role != dispatch.RoleRider {
		c.sendError(apperr.UnauthorizedErr("connection is not a registered rider"))
		return
	}
	var p newRequestPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed ride:newRequest payload"))
		return
	}
	req, err := g.engine.CreateRequest(ctx, riderID, p.PickupLocation, p.Destination, p.RideType, p.ComfortPreference, p.FarePreference)
	if err != nil {
		c.sendError(err)
		return
	}
	g.bus.Subscribe(dispatch.RequestRoom(req.ID), c.id, g.sinkFor(c.id))
	c.sendSuccess("ride:requestCreated", req)
}

type bidPlacedPayload struct {
	RequestID        string  `json:"requestId"`
	FareAmount       float64 `json:"fareAmount"`
	EstimatedArrival int     `json:"estimatedArrival"`
	Message          string  `json:"message,omitempty"`
	VehicleID        string  `json:"vehicleId,omitempty"`
}

func (g *Gateway) handleBidPlaced(ctx context.Context, c *connection, msg Message) {
	driverID, role, ok := g.identity(c)
	if !ok || role != dispatch.RoleDriver {
		c.sendError(apperr.UnauthorizedErr("connection is not a registered driver"))
		return
	}
	var p bidPlacedPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed ride:bidPlaced payload"))
		return
	}
	bid, err := g.engine.PlaceBid(ctx, driverID, p.RequestID, p.FareAmount, p.EstimatedArrival, p.VehicleID, p.Message)
	if err != nil {
		c.sendError(err)
		return
	}
	g.bus.Subscribe(dispatch.RequestRoom(p.RequestID), c.id, g.sinkFor(c.id))
	c.sendSuccess("ride:bidUpdate", bid)
}

type bidAcceptedPayload struct {
	RequestID string `json:"requestId"`
	BidID     string `json:"bidId"`
	UserID    string `json:"userId"`
}

func (g *Gateway) handleBidAccepted(ctx context.Context, c *connection, msg Message) {
	riderID, role, ok := g.identity(c)
	if !ok || role != dispatch.RoleRider {
		c.sendError(apperr.UnauthorizedErr("connection is not a registered rider"))
		return
	}
	var p bidAcceptedPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed ride:bidAccepted payload"))
		return
	}
	req, err := g.engine.AcceptBid(ctx, riderID, p.RequestID, p.BidID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendSuccess("ride:bidAccepted", req)
}

type cancelPayload struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) handleCancel(ctx context.Context, c *connection, msg Message) {
	callerID, _, ok := g.identity(c)
	if !ok {
		c.sendError(apperr.UnauthorizedErr("connection is not registered"))
		return
	}
	var p cancelPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed ride:cancel payload"))
		return
	}
	req, err := g.engine.CancelRequest(ctx, callerID, p.RideID, p.Reason)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendSuccess("ride:cancelled", req)
}

type bidUpdateQuery struct {
	RequestID string `json:"requestId"`
}

// handleRequestBidUpdate lets a client reconcile missed events.
func (g *Gateway) handleRequestBidUpdate(ctx context.Context, c *connection, msg Message) {
	var p bidUpdateQuery
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.sendError(apperr.New(apperr.ValidationError, "malformed user:requestBidUpdate payload"))
		return
	}
	req, err := g.engine.GetRequest(p.RequestID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendSuccess("ride:bidUpdate", req)
}
