package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"turbodriver/internal/apperr"
)

// Persistence is the Ride Store's durable-write seam: an interface over
// internal/storage.Postgres so tests can run purely in-memory.
type Persistence interface {
	SaveRideRequest(ctx context.Context, req RideRequest) error
	SaveDriver(ctx context.Context, driver Driver) error
	SaveRider(ctx context.Context, rider Rider) error
}

// IdempotencyPersistence optionally backs the idempotency window with durable
// storage so a retried AcceptBid still replays cleanly across a server
// restart, not just across concurrent in-process callers. Nil keeps the
// window in-memory only (internal/dispatch/idempotency.go's idemCache).
type IdempotencyPersistence interface {
	Remember(ctx context.Context, key, requestID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// EngineConfig holds the knobs the Auction Engine consults
// directly (retry budget; everything dispatch-radius related lives in
// DispatchConfig, consumed by the Dispatcher).
type EngineConfig struct {
	RetryAttempts  int
	IdempotencyTTL time.Duration
}

type requestEntry struct {
	mu           sync.Mutex
	data         RideRequest
	candidateIDs []string
}

type driverEntry struct {
	mu   sync.Mutex
	data Driver
}

// Engine is the Ride Store + Auction Engine: it owns the per-request
// state machine, enforces the bid invariants, and drives the Dispatcher and
// Event Bus across full multi-bid auctions rather than single-nearest
// direct assignment.
type Engine struct {
	mapMu    sync.RWMutex
	requests map[string]*requestEntry
	drivers  map[string]*driverEntry
	riders   map[string]*Rider

	riderPhoneIndex   map[string]string
	riderEmailIndex   map[string]string
	driverPhoneIndex  map[string]string
	driverEmailIndex  map[string]string
	vehiclePlateIndex map[string]string

	geo        GeoLocator
	bus        *EventBus
	dispatcher *Dispatcher
	registry   *Registry

	persistence Persistence
	idem        *idemCache
	idemStore   IdempotencyPersistence
	sf          singleflight.Group

	cfg    EngineConfig
	logger *zap.Logger

	onRequestCreated func(requestID string)
}

func NewEngine(geo GeoLocator, bus *EventBus, dispatcher *Dispatcher, registry *Registry, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	idem := newIdemCache()
	idem.SetTTL(cfg.IdempotencyTTL)
	return &Engine{
		requests:          make(map[string]*requestEntry),
		drivers:           make(map[string]*driverEntry),
		riders:            make(map[string]*Rider),
		riderPhoneIndex:   make(map[string]string),
		riderEmailIndex:   make(map[string]string),
		driverPhoneIndex:  make(map[string]string),
		driverEmailIndex:  make(map[string]string),
		vehiclePlateIndex: make(map[string]string),
		geo:               geo,
		bus:               bus,
		dispatcher:        dispatcher,
		registry:          registry,
		idem:              idem,
		cfg:               cfg,
		logger:            logger,
	}
}

// AttachPersistence wires a durable store; nil keeps the Engine purely
// in-memory (used by unit tests).
func (e *Engine) AttachPersistence(p Persistence) { e.persistence = p }

// AttachIdempotencyStore wires durable idempotency-key storage alongside the
// in-memory cache; nil (the default) keeps the idempotency window scoped to
// this process's uptime.
func (e *Engine) AttachIdempotencyStore(s IdempotencyPersistence) { e.idemStore = s }

// OnRequestCreated installs the callback fired after a ride request is
// successfully dispatched into BIDDING, used by the Lifecycle Scheduler to
// start the request's auction-expiry timer.
func (e *Engine) OnRequestCreated(fn func(requestID string)) { e.onRequestCreated = fn }

// --- driver/rider registration (the external "profile CRUD" collaborator) ---

// UpsertRider creates or updates a persistent rider record. A phone or email
// already bound to a different rider id fails with PHONE_EXISTS/EMAIL_EXISTS
// rather than silently stealing the identifier.
func (e *Engine) UpsertRider(rider Rider) error {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	if rider.Phone != "" {
		if owner, ok := e.riderPhoneIndex[rider.Phone]; ok && owner != rider.ID {
			return apperr.PhoneExistsErr(rider.Phone)
		}
	}
	if rider.Email != "" {
		if owner, ok := e.riderEmailIndex[rider.Email]; ok && owner != rider.ID {
			return apperr.EmailExistsErr(rider.Email)
		}
	}

	if old, ok := e.riders[rider.ID]; ok {
		if old.Phone != "" && old.Phone != rider.Phone {
			delete(e.riderPhoneIndex, old.Phone)
		}
		if old.Email != "" && old.Email != rider.Email {
			delete(e.riderEmailIndex, old.Email)
		}
	}
	if rider.Phone != "" {
		e.riderPhoneIndex[rider.Phone] = rider.ID
	}
	if rider.Email != "" {
		e.riderEmailIndex[rider.Email] = rider.ID
	}
	e.riders[rider.ID] = &rider
	return nil
}

// UpsertDriver creates or updates a persistent driver record, re-indexing
// the Geo Index if the driver is online and AVAILABLE. A phone or email
// already bound to a different driver id fails with
// PHONE_EXISTS/EMAIL_EXISTS rather than silently stealing the identifier.
func (e *Engine) UpsertDriver(ctx context.Context, driver Driver) error {
	if err := e.claimDriverContact(driver); err != nil {
		return err
	}

	de := e.driverEntryFor(driver.ID)
	de.mu.Lock()
	de.data = driver
	snapshot := de.data
	de.mu.Unlock()

	if snapshot.Status == DriverAvailable {
		if err := e.geo.UpdateDriver(ctx, snapshot); err != nil {
			e.logger.Warn("geo index update failed", zap.String("driver_id", driver.ID), zap.Error(err))
		}
	} else {
		_ = e.geo.RemoveDriver(ctx, driver.ID)
	}
	return nil
}

// claimDriverContact checks and records driver's phone/email and vehicle
// plates against their indexes, failing if any already belongs to a
// different driver.
func (e *Engine) claimDriverContact(driver Driver) error {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	if driver.Phone != "" {
		if owner, ok := e.driverPhoneIndex[driver.Phone]; ok && owner != driver.ID {
			return apperr.PhoneExistsErr(driver.Phone)
		}
	}
	if driver.Email != "" {
		if owner, ok := e.driverEmailIndex[driver.Email]; ok && owner != driver.ID {
			return apperr.EmailExistsErr(driver.Email)
		}
	}
	for _, v := range driver.Vehicles {
		if v.Plate == "" {
			continue
		}
		if owner, ok := e.vehiclePlateIndex[v.Plate]; ok && owner != driver.ID {
			return apperr.DuplicateResourceErr("vehicle plate " + v.Plate + " is already registered to another driver")
		}
	}

	if old, ok := e.drivers[driver.ID]; ok {
		if old.data.Phone != "" && old.data.Phone != driver.Phone {
			delete(e.driverPhoneIndex, old.data.Phone)
		}
		if old.data.Email != "" && old.data.Email != driver.Email {
			delete(e.driverEmailIndex, old.data.Email)
		}
		for _, v := range old.data.Vehicles {
			if v.Plate == "" {
				continue
			}
			if !vehiclePlateIn(driver.Vehicles, v.Plate) {
				delete(e.vehiclePlateIndex, v.Plate)
			}
		}
	}
	if driver.Phone != "" {
		e.driverPhoneIndex[driver.Phone] = driver.ID
	}
	if driver.Email != "" {
		e.driverEmailIndex[driver.Email] = driver.ID
	}
	for _, v := range driver.Vehicles {
		if v.Plate != "" {
			e.vehiclePlateIndex[v.Plate] = driver.ID
		}
	}
	return nil
}

func vehiclePlateIn(vehicles []Vehicle, plate string) bool {
	for _, v := range vehicles {
		if v.Plate == plate {
			return true
		}
	}
	return false
}

func (e *Engine) driverEntryFor(driverID string) *driverEntry {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	de, ok := e.drivers[driverID]
	if !ok {
		de = &driverEntry{data: Driver{ID: driverID, Status: DriverOffline}}
		e.drivers[driverID] = de
	}
	return de
}

func (e *Engine) lookupRequestEntry(requestID string) (*requestEntry, bool) {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	re, ok := e.requests[requestID]
	return re, ok
}

// --- driver location / status (feeds the Geo Index and Lifecycle Scheduler) ---

// UpdateDriverLocation records a driver's new position and re-indexes it if
// AVAILABLE.
func (e *Engine) UpdateDriverLocation(ctx context.Context, driverID string, loc Coordinate) (Driver, error) {
	if !ValidDriverID(driverID) {
		return Driver{}, apperr.New(apperr.InvalidDriverID, "malformed driver id")
	}
	if !loc.validRange() {
		return Driver{}, apperr.InvalidCoordinatesErr()
	}
	de := e.driverEntryFor(driverID)
	de.mu.Lock()
	de.data.Location = loc
	de.data.UpdatedAt = time.Now()
	snapshot := de.data
	de.mu.Unlock()

	if snapshot.Status == DriverAvailable {
		if err := e.geo.UpdateDriver(ctx, snapshot); err != nil {
			e.logger.Warn("geo index update failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
	_ = e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		return e.persistence.SaveDriver(ctx, snapshot)
	})
	return snapshot, nil
}

// UpdateDriverStatus transitions a driver between AVAILABLE/BUSY/OFFLINE
// directly (driver-initiated, not via an accepted bid).
func (e *Engine) UpdateDriverStatus(ctx context.Context, driverID string, status DriverStatus) (Driver, error) {
	if !ValidDriverID(driverID) {
		return Driver{}, apperr.New(apperr.InvalidDriverID, "malformed driver id")
	}
	de := e.driverEntryFor(driverID)
	de.mu.Lock()
	de.data.Status = status
	de.data.UpdatedAt = time.Now()
	snapshot := de.data
	de.mu.Unlock()

	if status == DriverAvailable {
		_ = e.geo.UpdateDriver(ctx, snapshot)
	} else {
		_ = e.geo.RemoveDriver(ctx, driverID)
	}
	e.bus.Publish(DriverRoom(driverID), Event{Type: "driver:statusUpdated", Data: map[string]string{"driverId": driverID, "status": string(status)}})
	return snapshot, nil
}

// --- Auction Engine operations ---

// CreateRequest validates and stores a new ride request, then hands it to
// the Dispatcher and transitions it into BIDDING.
func (e *Engine) CreateRequest(ctx context.Context, riderID string, pickup, destination Coordinate, class VehicleClass, comfortPref, farePref int) (RideRequest, error) {
	if !ValidRiderID(riderID) {
		return RideRequest{}, apperr.New(apperr.InvalidUserID, "malformed rider id")
	}
	details := map[string]string{}
	if !pickup.validRange() {
		details["pickupLocation"] = "latitude/longitude out of range"
	}
	if !destination.validRange() {
		details["destination"] = "latitude/longitude out of range"
	}
	if !ValidVehicleClass(class) {
		details["rideType"] = "unrecognised vehicle class"
	}
	if comfortPref == 0 {
		comfortPref = 3
	}
	if farePref == 0 {
		farePref = 3
	}
	if comfortPref < 1 || comfortPref > 5 {
		details["comfortPreference"] = "must be between 1 and 5"
	}
	if farePref < 1 || farePref > 5 {
		details["farePreference"] = "must be between 1 and 5"
	}
	if len(details) > 0 {
		return RideRequest{}, apperr.Validation(details)
	}

	id, err := newRequestID()
	if err != nil {
		return RideRequest{}, apperr.Internal(err)
	}
	now := time.Now()
	req := RideRequest{
		ID:                id,
		RiderID:           riderID,
		Pickup:            pickup,
		Destination:       destination,
		RequestedClass:    class,
		ComfortPreference: comfortPref,
		FarePreference:    farePref,
		Status:            StatusPending,
		Bids:              []Bid{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	entry := &requestEntry{data: req}
	e.mapMu.Lock()
	e.requests[id] = entry
	e.mapMu.Unlock()

	entry.mu.Lock()
	candidateIDs := e.dispatcher.Dispatch(ctx, entry.data)
	entry.candidateIDs = candidateIDs
	entry.data.Status = StatusBidding
	entry.data.UpdatedAt = time.Now()
	snapshot := entry.data
	entry.mu.Unlock()

	if err := e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		return e.persistence.SaveRideRequest(ctx, snapshot)
	}); err != nil {
		e.logger.Error("persist ride request failed", zap.String("request_id", id), zap.Error(err))
	}

	e.bus.Publish(RiderRoom(riderID), Event{Type: "ride:requestCreated", Data: snapshot})
	if e.onRequestCreated != nil {
		e.onRequestCreated(snapshot.ID)
	}
	return snapshot, nil
}

// PlaceBid inserts or overwrites a driver's bid on a BIDDING request.
func (e *Engine) PlaceBid(ctx context.Context, driverID, requestID string, fareAmount float64, estimatedArrival int, vehicleID, message string) (Bid, error) {
	if !ValidDriverID(driverID) {
		return Bid{}, apperr.New(apperr.InvalidDriverID, "malformed driver id")
	}
	if !ValidRequestID(requestID) {
		return Bid{}, apperr.New(apperr.InvalidRequestID, "malformed request id")
	}
	if fareAmount <= 0 {
		return Bid{}, apperr.InvalidBidAmountErr()
	}

	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return Bid{}, apperr.RequestNotFoundErr(requestID)
	}

	if !e.registry.Online(driverID) {
		return Bid{}, apperr.DriverNotOnlineErr(driverID)
	}
	de := e.driverEntryFor(driverID)
	de.mu.Lock()
	driverStatus := de.data.Status
	de.mu.Unlock()
	switch driverStatus {
	case DriverBusy:
		return Bid{}, apperr.DriverBusyErr(driverID)
	case DriverOffline:
		return Bid{}, apperr.DriverNotAvailableErr(driverID)
	}

	entry.mu.Lock()
	if entry.data.Status != StatusBidding {
		entry.mu.Unlock()
		return Bid{}, apperr.RequestNotBiddableErr()
	}

	now := time.Now()
	var bid Bid
	if existing := entry.data.bidByDriver(driverID); existing != nil {
		existing.FareAmount = fareAmount
		existing.EstimatedArrival = estimatedArrival
		existing.VehicleID = vehicleID
		existing.Message = message
		existing.BidTime = now
		existing.UpdatedAt = now
		bid = *existing
	} else {
		bidID, err := newBidID()
		if err != nil {
			entry.mu.Unlock()
			return Bid{}, apperr.Internal(err)
		}
		bid = Bid{
			ID:               bidID,
			DriverID:         driverID,
			FareAmount:       fareAmount,
			EstimatedArrival: estimatedArrival,
			VehicleID:        vehicleID,
			Message:          message,
			Status:           BidPending,
			BidTime:          now,
			UpdatedAt:        now,
		}
		entry.data.Bids = append(entry.data.Bids, bid)
	}
	entry.data.UpdatedAt = now
	snapshot := entry.data
	riderID := entry.data.RiderID
	entry.mu.Unlock()

	if err := e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		return e.persistence.SaveRideRequest(ctx, snapshot)
	}); err != nil {
		e.logger.Error("persist bid failed", zap.String("request_id", requestID), zap.Error(err))
	}

	// Fan-out fidelity: exactly one ride:bidUpdate to the
	// owning rider and to the request room per accepted bid placement.
	e.bus.Publish(RiderRoom(riderID), Event{Type: "ride:bidUpdate", Data: bid})
	e.bus.Publish(RequestRoom(requestID), Event{Type: "ride:bidUpdate", Data: bid})
	return bid, nil
}

// AcceptBid marks bidID the winner of requestID, rejects every other bid,
// and frees/busies the relevant drivers. Replaying acceptance of an
// already-accepted bid is a no-op success. Concurrent
// duplicate requests sharing an idempotency key collapse onto one execution
// via singleflight.
func (e *Engine) AcceptBid(ctx context.Context, riderID, requestID, bidID string) (RideRequest, error) {
	key := IdempotencyKey("ride:bidAccepted", riderID, map[string]string{"requestId": requestID, "bidId": bidID})

	if cachedID, ok := e.idem.Lookup(key); ok {
		return e.GetRequest(cachedID)
	}
	if e.idemStore != nil {
		if cachedID, ok, err := e.idemStore.Lookup(ctx, key); err == nil && ok {
			e.idem.Remember(key, cachedID)
			return e.GetRequest(cachedID)
		}
	}

	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		return e.acceptBidOnce(ctx, riderID, requestID, bidID)
	})
	if err != nil {
		return RideRequest{}, err
	}
	snapshot := v.(RideRequest)

	e.idem.Remember(key, snapshot.ID)
	if e.idemStore != nil {
		if err := e.idemStore.Remember(ctx, key, snapshot.ID); err != nil {
			e.logger.Warn("idempotency persistence failed", zap.String("requestId", snapshot.ID), zap.Error(err))
		}
	}
	return snapshot, nil
}

func (e *Engine) acceptBidOnce(ctx context.Context, riderID, requestID, bidID string) (RideRequest, error) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return RideRequest{}, apperr.RequestNotFoundErr(requestID)
	}

	entry.mu.Lock()
	if entry.data.RiderID != riderID {
		entry.mu.Unlock()
		return RideRequest{}, apperr.UnauthorizedErr("caller does not own this ride request")
	}
	// Idempotent replay: already accepted this exact bid.
	if entry.data.Status == StatusAccepted && entry.data.AcceptedBid != nil && entry.data.AcceptedBid.ID == bidID {
		snapshot := entry.data
		entry.mu.Unlock()
		return snapshot, nil
	}
	if entry.data.Status != StatusBidding {
		entry.mu.Unlock()
		return RideRequest{}, apperr.BiddingClosedErr()
	}
	bid := entry.data.bidByID(bidID)
	if bid == nil {
		entry.mu.Unlock()
		return RideRequest{}, apperr.BidNotFoundErr(bidID)
	}
	driverID := bid.DriverID

	// The driver lock is taken while the request lock is still held:
	// request -> driver order.
	de := e.driverEntryFor(driverID)
	de.mu.Lock()
	online := e.registry.Online(driverID)
	available := de.data.Status == DriverAvailable
	if !online || !available {
		de.mu.Unlock()
		entry.mu.Unlock()
		return RideRequest{}, apperr.DriverNotAvailableErr(driverID)
	}

	// Re-check with both locks held.
	if entry.data.Status != StatusBidding {
		entry.mu.Unlock()
		de.mu.Unlock()
		return RideRequest{}, apperr.BiddingClosedErr()
	}
	bid = entry.data.bidByID(bidID)
	if bid == nil {
		entry.mu.Unlock()
		de.mu.Unlock()
		return RideRequest{}, apperr.BidNotFoundErr(bidID)
	}
	now := time.Now()
	for i := range entry.data.Bids {
		if entry.data.Bids[i].ID == bidID {
			entry.data.Bids[i].Status = BidAccepted
			entry.data.Bids[i].AcceptedAt = &now
		} else if entry.data.Bids[i].Status == BidPending {
			entry.data.Bids[i].Status = BidRejected
			entry.data.Bids[i].RejectedAt = &now
		}
	}
	accepted := entry.data.bidByID(bidID)
	acceptedCopy := *accepted
	entry.data.AcceptedBid = &acceptedCopy
	entry.data.Status = StatusAccepted
	entry.data.UpdatedAt = now
	candidateIDs := entry.candidateIDs
	snapshot := entry.data
	entry.mu.Unlock()

	de.data.Status = DriverBusy
	de.data.UpdatedAt = now
	driverSnapshot := de.data
	de.mu.Unlock()

	_ = e.geo.RemoveDriver(ctx, driverID)

	if err := e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		if err := e.persistence.SaveRideRequest(ctx, snapshot); err != nil {
			return err
		}
		return e.persistence.SaveDriver(ctx, driverSnapshot)
	}); err != nil {
		e.logger.Error("persist accept-bid failed", zap.String("request_id", requestID), zap.Error(err))
		return RideRequest{}, apperr.Internal(err)
	}

	e.bus.Publish(RiderRoom(riderID), Event{Type: "ride:bidAccepted", Data: snapshot})
	e.bus.Publish(DriverRoom(driverID), Event{Type: "ride:bidAccepted", Data: snapshot})
	e.bus.Publish(RequestRoom(requestID), Event{Type: "ride:bidAccepted", Data: snapshot})
	e.dispatcher.Withdraw(snapshot, candidateIDs)

	return snapshot, nil
}

// CancelRequest cancels requestID. A second cancel on an already-cancelled
// request is a no-op success with no duplicate fan-out.
func (e *Engine) CancelRequest(ctx context.Context, callerID, requestID, reason string) (RideRequest, error) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return RideRequest{}, apperr.RequestNotFoundErr(requestID)
	}

	entry.mu.Lock()
	if entry.data.Status == StatusCancelled {
		snapshot := entry.data
		entry.mu.Unlock()
		return snapshot, nil
	}
	if entry.data.Status.terminal() {
		entry.mu.Unlock()
		return RideRequest{}, apperr.New(apperr.InvalidStatus, "ride request already completed")
	}

	now := time.Now()
	var freedDriver string
	if entry.data.AcceptedBid != nil {
		freedDriver = entry.data.AcceptedBid.DriverID
	}
	entry.data.Status = StatusCancelled
	entry.data.CancelledAt = &now
	entry.data.CancellationReason = reason
	entry.data.UpdatedAt = now
	candidateIDs := entry.candidateIDs
	snapshot := entry.data
	entry.mu.Unlock()

	if freedDriver != "" {
		de := e.driverEntryFor(freedDriver)
		de.mu.Lock()
		de.data.Status = DriverAvailable
		de.data.UpdatedAt = now
		driverSnapshot := de.data
		de.mu.Unlock()
		_ = e.geo.UpdateDriver(ctx, driverSnapshot)
	}

	if err := e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		return e.persistence.SaveRideRequest(ctx, snapshot)
	}); err != nil {
		e.logger.Error("persist cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}

	e.bus.Publish(RiderRoom(snapshot.RiderID), Event{Type: "ride:cancelled", Data: snapshot})
	if freedDriver != "" {
		e.bus.Publish(DriverRoom(freedDriver), Event{Type: "ride:cancelled", Data: snapshot})
	}
	e.bus.Publish(RequestRoom(requestID), Event{Type: "ride:cancelled", Data: snapshot})
	e.dispatcher.Withdraw(snapshot, candidateIDs)

	return snapshot, nil
}

// StartRequest transitions an ACCEPTED request to IN_PROGRESS.
func (e *Engine) StartRequest(ctx context.Context, requestID string) (RideRequest, error) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return RideRequest{}, apperr.RequestNotFoundErr(requestID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.data.Status != StatusAccepted {
		return RideRequest{}, apperr.New(apperr.InvalidStatus, "ride request is not in ACCEPTED state")
	}
	entry.data.Status = StatusInProgress
	entry.data.UpdatedAt = time.Now()
	return entry.data, nil
}

// CompleteRequest finishes a ride (from IN_PROGRESS, or ACCEPTED as a
// shortcut), freeing the driver and bumping both parties' ride counts.
func (e *Engine) CompleteRequest(ctx context.Context, requestID string) (RideRequest, error) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return RideRequest{}, apperr.RequestNotFoundErr(requestID)
	}

	entry.mu.Lock()
	if entry.data.Status != StatusInProgress && entry.data.Status != StatusAccepted {
		entry.mu.Unlock()
		return RideRequest{}, apperr.New(apperr.InvalidStatus, "ride request is not in progress")
	}
	now := time.Now()
	entry.data.Status = StatusCompleted
	entry.data.UpdatedAt = now
	var driverID string
	if entry.data.AcceptedBid != nil {
		driverID = entry.data.AcceptedBid.DriverID
	}
	riderID := entry.data.RiderID
	snapshot := entry.data
	entry.mu.Unlock()

	if driverID != "" {
		de := e.driverEntryFor(driverID)
		de.mu.Lock()
		de.data.Status = DriverAvailable
		de.data.TotalRides++
		de.data.UpdatedAt = now
		driverSnapshot := de.data
		de.mu.Unlock()
		_ = e.geo.UpdateDriver(ctx, driverSnapshot)
	}

	e.mapMu.Lock()
	if rider, ok := e.riders[riderID]; ok {
		rider.TotalRides++
	}
	e.mapMu.Unlock()

	if err := e.persist(ctx, func(ctx context.Context) error {
		if e.persistence == nil {
			return nil
		}
		return e.persistence.SaveRideRequest(ctx, snapshot)
	}); err != nil {
		e.logger.Error("persist complete failed", zap.String("request_id", requestID), zap.Error(err))
	}

	e.bus.Publish(RiderRoom(riderID), Event{Type: "ride:completed", Data: snapshot})
	if driverID != "" {
		e.bus.Publish(DriverRoom(driverID), Event{Type: "ride:completed", Data: snapshot})
	}
	e.bus.Publish(RequestRoom(requestID), Event{Type: "ride:completed", Data: snapshot})
	return snapshot, nil
}

// ExpireAuction cancels a BIDDING request whose auction TTL elapsed without
// acceptance, called by the Lifecycle Scheduler.
func (e *Engine) ExpireAuction(ctx context.Context, requestID string) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return
	}
	entry.mu.Lock()
	biddable := entry.data.Status == StatusBidding
	riderID := entry.data.RiderID
	entry.mu.Unlock()
	if !biddable {
		return
	}

	if _, err := e.CancelRequest(ctx, riderID, requestID, "AUCTION_EXPIRED"); err != nil {
		e.logger.Warn("auction expiry cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// GetRequest returns a snapshot of a stored ride request.
func (e *Engine) GetRequest(requestID string) (RideRequest, error) {
	if !ValidRequestID(requestID) {
		return RideRequest{}, apperr.New(apperr.InvalidRequestID, "malformed request id")
	}
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return RideRequest{}, apperr.RequestNotFoundErr(requestID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.data, nil
}

// ListBiddingRequests returns every currently-biddable request: the REST
// GET /ride-requests/available endpoint and the driver list view both use it.
func (e *Engine) ListBiddingRequests() []RideRequest {
	e.mapMu.RLock()
	entries := make([]*requestEntry, 0, len(e.requests))
	for _, re := range e.requests {
		entries = append(entries, re)
	}
	e.mapMu.RUnlock()

	out := make([]RideRequest, 0, len(entries))
	for _, re := range entries {
		re.mu.Lock()
		if re.data.Status == StatusBidding {
			out = append(out, re.data)
		}
		re.mu.Unlock()
	}
	return out
}

// ListRequestsByRider returns every request created by riderID, newest first.
func (e *Engine) ListRequestsByRider(riderID string) []RideRequest {
	e.mapMu.RLock()
	entries := make([]*requestEntry, 0, len(e.requests))
	for _, re := range e.requests {
		entries = append(entries, re)
	}
	e.mapMu.RUnlock()

	out := make([]RideRequest, 0)
	for _, re := range entries {
		re.mu.Lock()
		if re.data.RiderID == riderID {
			out = append(out, re.data)
		}
		re.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListBids returns requestID's bids, optionally filtered and sorted, plus
// the aggregate stats of its "Bid query" operation.
func (e *Engine) ListBids(requestID string, statusFilter BidStatus, sortBy string, descending bool) ([]Bid, BidStats, error) {
	entry, ok := e.lookupRequestEntry(requestID)
	if !ok {
		return nil, BidStats{}, apperr.RequestNotFoundErr(requestID)
	}
	entry.mu.Lock()
	bids := make([]Bid, 0, len(entry.data.Bids))
	for _, b := range entry.data.Bids {
		if statusFilter != "" && b.Status != statusFilter {
			continue
		}
		bids = append(bids, b)
	}
	entry.mu.Unlock()

	less := func(i, j int) bool { return bids[i].FareAmount < bids[j].FareAmount }
	switch sortBy {
	case "bidTime":
		less = func(i, j int) bool { return bids[i].BidTime.Before(bids[j].BidTime) }
	case "estimatedArrival":
		less = func(i, j int) bool { return bids[i].EstimatedArrival < bids[j].EstimatedArrival }
	}
	if descending {
		base := less
		less = func(i, j int) bool { return base(j, i) }
	}
	sort.Slice(bids, less)

	stats := computeBidStats(bids)
	return bids, stats, nil
}

func computeBidStats(bids []Bid) BidStats {
	if len(bids) == 0 {
		return BidStats{}
	}
	min, max, sum := bids[0].FareAmount, bids[0].FareAmount, 0.0
	for _, b := range bids {
		if b.FareAmount < min {
			min = b.FareAmount
		}
		if b.FareAmount > max {
			max = b.FareAmount
		}
		sum += b.FareAmount
	}
	return BidStats{Count: len(bids), Min: min, Max: max, Mean: sum / float64(len(bids)), Range: max - min}
}

// SnapshotDrivers returns every known driver, used by the Lifecycle
// Scheduler's heartbeat sweep and stale-driver reap.
func (e *Engine) SnapshotDrivers() []Driver {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	out := make([]Driver, 0, len(e.drivers))
	for _, de := range e.drivers {
		de.mu.Lock()
		out = append(out, de.data)
		de.mu.Unlock()
	}
	return out
}

// ForceOffline marks driverID OFFLINE and evicts it from the Geo Index,
// used by the Lifecycle Scheduler's stale-driver reap and heartbeat sweep.
func (e *Engine) ForceOffline(ctx context.Context, driverID string) {
	de := e.driverEntryFor(driverID)
	de.mu.Lock()
	de.data.Status = DriverOffline
	de.data.UpdatedAt = time.Now()
	de.mu.Unlock()
	_ = e.geo.RemoveDriver(ctx, driverID)
}

// SnapshotRequests returns every known ride request, used by the Lifecycle
// Scheduler's auction-expiry and daily-cleanup timers.
func (e *Engine) SnapshotRequests() []RideRequest {
	e.mapMu.RLock()
	entries := make([]*requestEntry, 0, len(e.requests))
	for _, re := range e.requests {
		entries = append(entries, re)
	}
	e.mapMu.RUnlock()

	out := make([]RideRequest, 0, len(entries))
	for _, re := range entries {
		re.mu.Lock()
		out = append(out, re.data)
		re.mu.Unlock()
	}
	return out
}

// PurgeRequest deletes a terminal request older than the retention window
//.
func (e *Engine) PurgeRequest(requestID string) {
	e.mapMu.Lock()
	delete(e.requests, requestID)
	e.mapMu.Unlock()
}

// persist runs fn with a retry-with-backoff policy: up to
// cfg.RetryAttempts attempts, exponential backoff, surfacing INTERNAL_ERROR
// on exhaustion.
func (e *Engine) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return apperr.DeadlineExceededErr()
		}
		backoff *= 2
	}
	return apperr.Internal(lastErr)
}

func newRequestID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func newBidID() (string, error) {
	return uuid.NewString(), nil
}

// haversineKM is a package-local great-circle distance helper; nothing in
// this package calls it. The Geo Index's own copy in internal/geo/grid.go is
// the one candidate queries use.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	calc := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(calc))
}
