package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"turbodriver/internal/dispatch"
)

type fakeGeo struct{}

func (fakeGeo) UpdateDriver(ctx context.Context, driver dispatch.Driver) error { return nil }
func (fakeGeo) RemoveDriver(ctx context.Context, driverID string) error       { return nil }
func (fakeGeo) FindCandidates(ctx context.Context, pickup dispatch.Coordinate, class dispatch.VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]dispatch.CandidateDriver, error) {
	return nil, nil
}

func newTestEngine() (*dispatch.Engine, *dispatch.Registry) {
	logger := zap.NewNop()
	geo := fakeGeo{}
	bus := dispatch.NewEventBus(logger)
	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(geo, bus, dispatch.DispatchConfig{}, logger)
	engine := dispatch.NewEngine(geo, bus, dispatcher, registry, dispatch.EngineConfig{RetryAttempts: 1}, logger)
	return engine, registry
}

func TestAuctionExpiryCancelsStillBiddingRequest(t *testing.T) {
	engine, registry := newTestEngine()

	riderID, err := dispatch.NewRiderID()
	if err != nil {
		t.Fatalf("NewRiderID: %v", err)
	}

	req, err := engine.CreateRequest(context.Background(), riderID,
		dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		dispatch.Coordinate{Latitude: 40.7489, Longitude: -73.968}, dispatch.ClassTaxi, 0, 0)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	s := New(engine, registry, nil, Config{AuctionTTL: 30 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.runAuctionExpiry(ctx)
	s.NotifyRequestCreated(req.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := engine.GetRequest(req.ID)
		if err != nil {
			t.Fatalf("GetRequest: %v", err)
		}
		if got.Status == dispatch.StatusCancelled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected request to be cancelled by auction expiry within the deadline")
}

func TestNotifyRequestCreatedDropsWhenQueueFull(t *testing.T) {
	engine, registry := newTestEngine()
	s := New(engine, registry, nil, Config{}, zap.NewNop())

	for i := 0; i < cap(s.auctionDeadlines)+10; i++ {
		s.NotifyRequestCreated("overflow")
	}
}
