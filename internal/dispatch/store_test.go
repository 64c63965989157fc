package dispatch

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"turbodriver/internal/apperr"
)

// fakeGeo is a minimal GeoLocator backed by a map, enough to drive the
// Dispatcher without pulling in internal/geo's cell-bucketing logic.
type fakeGeo struct {
	mu      sync.Mutex
	drivers map[string]Driver
}

func newFakeGeo() *fakeGeo { return &fakeGeo{drivers: make(map[string]Driver)} }

func (g *fakeGeo) UpdateDriver(ctx context.Context, driver Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driver.ID] = driver
	return nil
}

func (g *fakeGeo) RemoveDriver(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *fakeGeo) FindCandidates(ctx context.Context, pickup Coordinate, class VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]CandidateDriver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []CandidateDriver
	for _, d := range g.drivers {
		vehicle, ok := d.activeVehicle(class, comfortMin, priceMax)
		if !ok {
			continue
		}
		out = append(out, CandidateDriver{DriverID: d.ID, VehicleID: vehicle.ID, DistanceKM: 1, Score: 1})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type testEngine struct {
	engine   *Engine
	geo      *fakeGeo
	registry *Registry
}

func newTestEngine() testEngine {
	logger := zap.NewNop()
	geo := newFakeGeo()
	bus := NewEventBus(logger)
	registry := NewRegistry()
	dispatcher := NewDispatcher(geo, bus, DispatchConfig{DefaultRadiusKM: 10, MaxRadiusKM: 50, MaxCandidates: 10}, logger)
	engine := NewEngine(geo, bus, dispatcher, registry, EngineConfig{RetryAttempts: 3}, logger)
	return testEngine{engine: engine, geo: geo, registry: registry}
}

func mustRiderID(t *testing.T) string {
	t.Helper()
	id, err := NewRiderID()
	if err != nil {
		t.Fatalf("mint rider id: %v", err)
	}
	return id
}

func mustDriverID(t *testing.T) string {
	t.Helper()
	id, err := NewDriverID()
	if err != nil {
		t.Fatalf("mint driver id: %v", err)
	}
	return id
}

// registerAvailableDriver puts driverID online in the Identity Registry,
// AVAILABLE in the Engine, and indexed in the Geo Index at pickup.
func registerAvailableDriver(t *testing.T, te testEngine, driverID string, pickup Coordinate, class VehicleClass) {
	t.Helper()
	te.registry.Register("conn-"+driverID, driverID, RoleDriver)
	driver := Driver{
		ID:       driverID,
		Status:   DriverAvailable,
		Rating:   5,
		Location: pickup,
		Vehicles: []Vehicle{{ID: "VEH_" + driverID, DriverID: driverID, Class: class, Comfort: 3, Price: 20, Active: true}},
	}
	if err := te.engine.UpsertDriver(context.Background(), driver); err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
}

var nyc = Coordinate{Latitude: 40.758, Longitude: -73.9855}
var nycDest = Coordinate{Latitude: 40.7489, Longitude: -73.968}

func TestCreateRequestTransitionsToBidding(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.Status != StatusBidding {
		t.Fatalf("expected status BIDDING, got %s", req.Status)
	}
	if !ValidRequestID(req.ID) {
		t.Fatalf("request id %q does not match expected format", req.ID)
	}
}

func TestCreateRequestRejectsInvalidCoordinates(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	bad := Coordinate{Latitude: 200, Longitude: 0}

	_, err := te.engine.CreateRequest(context.Background(), riderID, bad, nycDest, ClassTaxi, 3, 3)
	if err == nil {
		t.Fatal("expected validation error for out-of-range pickup coordinate")
	}
}

func TestPlaceBidOverwritesRatherThanAppends(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if _, err := te.engine.PlaceBid(context.Background(), driverID, req.ID, 20, 5, "", ""); err != nil {
		t.Fatalf("first PlaceBid: %v", err)
	}
	if _, err := te.engine.PlaceBid(context.Background(), driverID, req.ID, 15, 3, "", ""); err != nil {
		t.Fatalf("second PlaceBid: %v", err)
	}

	bids, _, err := te.engine.ListBids(req.ID, "", "fareAmount", false)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("expected exactly one bid after overwrite, got %d", len(bids))
	}
	if bids[0].FareAmount != 15 {
		t.Fatalf("expected overwritten fare 15, got %v", bids[0].FareAmount)
	}
}

func TestPlaceBidRejectsOfflineDriver(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	offlineDriver := mustDriverID(t)
	if _, err := te.engine.PlaceBid(context.Background(), offlineDriver, req.ID, 20, 5, "", ""); err == nil {
		t.Fatal("expected error bidding as a driver never registered online")
	}
}

func TestAcceptBidRejectsOtherBidsAndFreesLoser(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	winnerID := mustDriverID(t)
	loserID := mustDriverID(t)
	registerAvailableDriver(t, te, winnerID, nyc, ClassTaxi)
	registerAvailableDriver(t, te, loserID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	winningBid, err := te.engine.PlaceBid(context.Background(), winnerID, req.ID, 20, 5, "", "")
	if err != nil {
		t.Fatalf("winner PlaceBid: %v", err)
	}
	losingBid, err := te.engine.PlaceBid(context.Background(), loserID, req.ID, 18, 3, "", "")
	if err != nil {
		t.Fatalf("loser PlaceBid: %v", err)
	}

	accepted, err := te.engine.AcceptBid(context.Background(), riderID, req.ID, winningBid.ID)
	if err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", accepted.Status)
	}
	if accepted.AcceptedBid == nil || accepted.AcceptedBid.ID != winningBid.ID {
		t.Fatalf("expected accepted bid %s recorded, got %+v", winningBid.ID, accepted.AcceptedBid)
	}
	rejected := accepted.bidByID(losingBid.ID)
	if rejected == nil || rejected.Status != BidRejected {
		t.Fatalf("expected losing bid to be REJECTED, got %+v", rejected)
	}
	if loser := te.engine.driverEntryFor(loserID); loser.data.Status != DriverAvailable {
		t.Fatalf("expected losing driver to stay AVAILABLE, got %s", loser.data.Status)
	}
}

func TestAcceptBidIsIdempotentOnReplay(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	bid, err := te.engine.PlaceBid(context.Background(), driverID, req.ID, 20, 5, "", "")
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	first, err := te.engine.AcceptBid(context.Background(), riderID, req.ID, bid.ID)
	if err != nil {
		t.Fatalf("first AcceptBid: %v", err)
	}
	second, err := te.engine.AcceptBid(context.Background(), riderID, req.ID, bid.ID)
	if err != nil {
		t.Fatalf("replayed AcceptBid should succeed as a no-op, got error: %v", err)
	}
	if second.Status != StatusAccepted || second.ID != first.ID {
		t.Fatalf("replayed accept diverged from original: %+v vs %+v", first, second)
	}
}

func TestCancelRequestIsIdempotent(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	first, err := te.engine.CancelRequest(context.Background(), riderID, req.ID, "rider changed mind")
	if err != nil {
		t.Fatalf("first CancelRequest: %v", err)
	}
	second, err := te.engine.CancelRequest(context.Background(), riderID, req.ID, "rider changed mind")
	if err != nil {
		t.Fatalf("replayed CancelRequest should be a no-op success, got error: %v", err)
	}
	if first.Status != StatusCancelled || second.Status != StatusCancelled {
		t.Fatalf("expected both cancels to report CANCELLED, got %s and %s", first.Status, second.Status)
	}
}

func TestAcceptBidAfterBiddingClosedFails(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	bid, err := te.engine.PlaceBid(context.Background(), driverID, req.ID, 20, 5, "", "")
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if _, err := te.engine.CancelRequest(context.Background(), riderID, req.ID, "no longer needed"); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}

	if _, err := te.engine.AcceptBid(context.Background(), riderID, req.ID, bid.ID); err == nil {
		t.Fatal("expected error accepting a bid on a cancelled request")
	}
}

func TestListBidsComputesStats(t *testing.T) {
	te := newTestEngine()
	riderID := mustRiderID(t)
	driverA := mustDriverID(t)
	driverB := mustDriverID(t)
	registerAvailableDriver(t, te, driverA, nyc, ClassTaxi)
	registerAvailableDriver(t, te, driverB, nyc, ClassTaxi)

	req, err := te.engine.CreateRequest(context.Background(), riderID, nyc, nycDest, ClassTaxi, 3, 3)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := te.engine.PlaceBid(context.Background(), driverA, req.ID, 10, 5, "", ""); err != nil {
		t.Fatalf("PlaceBid A: %v", err)
	}
	if _, err := te.engine.PlaceBid(context.Background(), driverB, req.ID, 20, 5, "", ""); err != nil {
		t.Fatalf("PlaceBid B: %v", err)
	}

	bids, stats, err := te.engine.ListBids(req.ID, "", "fareAmount", false)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}
	if stats.Count != 2 || stats.Min != 10 || stats.Max != 20 || stats.Mean != 15 || stats.Range != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestForceOfflineRemovesFromGeoIndex(t *testing.T) {
	te := newTestEngine()
	driverID := mustDriverID(t)
	registerAvailableDriver(t, te, driverID, nyc, ClassTaxi)

	if _, ok := te.geo.drivers[driverID]; !ok {
		t.Fatal("expected driver indexed after registration")
	}

	te.engine.ForceOffline(context.Background(), driverID)

	if _, ok := te.geo.drivers[driverID]; ok {
		t.Fatal("expected driver removed from geo index after ForceOffline")
	}
}

func TestUpsertRiderRejectsDuplicatePhone(t *testing.T) {
	te := newTestEngine()

	if err := te.engine.UpsertRider(Rider{ID: "USER_AAAAAAAA", Phone: "+15551234", Rating: 5}); err != nil {
		t.Fatalf("first UpsertRider: %v", err)
	}

	err := te.engine.UpsertRider(Rider{ID: "USER_BBBBBBBB", Phone: "+15551234", Rating: 5})
	if err == nil {
		t.Fatal("expected duplicate phone to be rejected")
	}
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) || appErr.Code != apperr.PhoneExists {
		t.Fatalf("expected PHONE_EXISTS, got %v", err)
	}
}

func TestUpsertRiderRejectsDuplicateEmail(t *testing.T) {
	te := newTestEngine()

	if err := te.engine.UpsertRider(Rider{ID: "USER_CCCCCCCC", Email: "ada@example.com", Rating: 5}); err != nil {
		t.Fatalf("first UpsertRider: %v", err)
	}

	err := te.engine.UpsertRider(Rider{ID: "USER_DDDDDDDD", Email: "ada@example.com", Rating: 5})
	if err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) || appErr.Code != apperr.EmailExists {
		t.Fatalf("expected EMAIL_EXISTS, got %v", err)
	}
}

func TestUpsertRiderAllowsReRegisteringSameID(t *testing.T) {
	te := newTestEngine()

	if err := te.engine.UpsertRider(Rider{ID: "USER_EEEEEEEE", Phone: "+15559999", Rating: 5}); err != nil {
		t.Fatalf("first UpsertRider: %v", err)
	}
	if err := te.engine.UpsertRider(Rider{ID: "USER_EEEEEEEE", Phone: "+15559999", Name: "updated", Rating: 5}); err != nil {
		t.Fatalf("expected re-registering the same rider id with the same phone to succeed, got %v", err)
	}
}

func TestUpsertDriverRejectsDuplicatePhoneAndEmail(t *testing.T) {
	te := newTestEngine()

	if err := te.engine.UpsertDriver(context.Background(), Driver{ID: "DRIVER_AAAAAAAA", Phone: "+15550001", Status: DriverOffline, Rating: 5}); err != nil {
		t.Fatalf("first UpsertDriver: %v", err)
	}

	err := te.engine.UpsertDriver(context.Background(), Driver{ID: "DRIVER_BBBBBBBB", Phone: "+15550001", Status: DriverOffline, Rating: 5})
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) || appErr.Code != apperr.PhoneExists {
		t.Fatalf("expected PHONE_EXISTS, got %v", err)
	}

	if err := te.engine.UpsertDriver(context.Background(), Driver{ID: "DRIVER_CCCCCCCC", Email: "driver@example.com", Status: DriverOffline, Rating: 5}); err != nil {
		t.Fatalf("third UpsertDriver: %v", err)
	}
	err = te.engine.UpsertDriver(context.Background(), Driver{ID: "DRIVER_DDDDDDDD", Email: "driver@example.com", Status: DriverOffline, Rating: 5})
	if !apperr.As(err, &appErr) || appErr.Code != apperr.EmailExists {
		t.Fatalf("expected EMAIL_EXISTS, got %v", err)
	}
}

func TestUpsertDriverRejectsDuplicateVehiclePlate(t *testing.T) {
	te := newTestEngine()

	first := Driver{
		ID:     "DRIVER_EEEEEEEE",
		Status: DriverOffline,
		Rating: 5,
		Vehicles: []Vehicle{
			{ID: "VEH_1", DriverID: "DRIVER_EEEEEEEE", Class: ClassTaxi, Plate: "ABC123"},
		},
	}
	if err := te.engine.UpsertDriver(context.Background(), first); err != nil {
		t.Fatalf("first UpsertDriver: %v", err)
	}

	second := Driver{
		ID:     "DRIVER_FFFFFFFF",
		Status: DriverOffline,
		Rating: 5,
		Vehicles: []Vehicle{
			{ID: "VEH_2", DriverID: "DRIVER_FFFFFFFF", Class: ClassTaxi, Plate: "ABC123"},
		},
	}
	err := te.engine.UpsertDriver(context.Background(), second)
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) || appErr.Code != apperr.DuplicateResource {
		t.Fatalf("expected DUPLICATE_RESOURCE for a reused plate, got %v", err)
	}

	// Re-registering the same driver with the same plate must still succeed.
	if err := te.engine.UpsertDriver(context.Background(), first); err != nil {
		t.Fatalf("expected re-registering the same driver with the same plate to succeed, got %v", err)
	}

	// Changing the first driver's plate frees the old one for reuse.
	changed := first
	changed.Vehicles = []Vehicle{{ID: "VEH_1", DriverID: "DRIVER_EEEEEEEE", Class: ClassTaxi, Plate: "XYZ789"}}
	if err := te.engine.UpsertDriver(context.Background(), changed); err != nil {
		t.Fatalf("expected changing own plate to succeed, got %v", err)
	}
	if err := te.engine.UpsertDriver(context.Background(), second); err != nil {
		t.Fatalf("expected plate ABC123 to be free for reuse after the original owner changed plates, got %v", err)
	}
}
