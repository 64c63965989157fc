package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"turbodriver/internal/apperr"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/geo"
)

// testGeoAdapter satisfies dispatch.GeoLocator over internal/geo's Grid, the
// same shape as internal/api's handler tests use.
type testGeoAdapter struct{ grid *geo.Grid }

func (a testGeoAdapter) UpdateDriver(ctx context.Context, driver dispatch.Driver) error {
	vehicles := make([]geo.VehicleMeta, 0, len(driver.Vehicles))
	for _, v := range driver.Vehicles {
		if !v.Active {
			continue
		}
		vehicles = append(vehicles, geo.VehicleMeta{VehicleID: v.ID, Class: string(v.Class), Comfort: v.Comfort, Price: v.Price})
	}
	a.grid.Upsert(geo.DriverMeta{
		DriverID: driver.ID,
		Lat:      driver.Location.Latitude,
		Lon:      driver.Location.Longitude,
		Vehicles: vehicles,
		Rating:   driver.Rating,
	})
	return nil
}

func (a testGeoAdapter) RemoveDriver(ctx context.Context, driverID string) error {
	a.grid.Remove(driverID)
	return nil
}

func (a testGeoAdapter) FindCandidates(ctx context.Context, pickup dispatch.Coordinate, class dispatch.VehicleClass, comfortMin, priceMax int, radiusKM float64, limit int) ([]dispatch.CandidateDriver, error) {
	results := a.grid.FindCandidates(geo.Query{
		Lat: pickup.Latitude, Lon: pickup.Longitude, Class: string(class),
		ComfortMin: comfortMin, PriceMax: priceMax, RadiusKM: radiusKM, Limit: limit,
	})
	out := make([]dispatch.CandidateDriver, len(results))
	for i, c := range results {
		out[i] = dispatch.CandidateDriver{DriverID: c.DriverID, VehicleID: c.VehicleID, DistanceKM: c.DistanceKM, Score: c.Score}
	}
	return out, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := zap.NewNop()
	geoAdapter := testGeoAdapter{grid: geo.NewGrid()}
	bus := dispatch.NewEventBus(logger)
	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(geoAdapter, bus, dispatch.DispatchConfig{}, logger)
	engine := dispatch.NewEngine(geoAdapter, bus, dispatcher, registry, dispatch.EngineConfig{RetryAttempts: 1}, logger)
	return New(engine, bus, registry, Config{HeartbeatInterval: time.Minute, SessionIdle: time.Minute}, logger)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, Data: payload}))
}

// waitFor reads frames until it sees msgType, failing the test on an "error"
// frame or on the 5s read deadline.
func waitFor(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "error" {
			t.Fatalf("server error while waiting for %q: %s", msgType, string(msg.Data))
		}
		if msg.Type != msgType {
			continue
		}
		var obj map[string]interface{}
		if len(msg.Data) > 0 {
			require.NoError(t, json.Unmarshal(msg.Data, &obj))
		}
		return obj
	}
}

func TestRegisterDispatchAcceptFlow(t *testing.T) {
	gw := newTestGateway(t)
	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)

	riderConn := dial(t, server.URL)
	driverConn := dial(t, server.URL)

	send(t, riderConn, "user:register", map[string]interface{}{})
	waitFor(t, riderConn, "user:registered")

	send(t, driverConn, "driver:register", map[string]interface{}{
		"vehicles": []map[string]interface{}{
			{"id": "VEH_TEST", "class": "Taxi", "comfort": 3, "price": 20, "active": true},
		},
		"location": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
	})
	waitFor(t, driverConn, "driver:registered")

	send(t, driverConn, "driver:updateStatus", map[string]interface{}{"status": "AVAILABLE"})
	waitFor(t, driverConn, "driver:statusUpdated")

	send(t, riderConn, "ride:newRequest", map[string]interface{}{
		"rideType":       "Taxi",
		"pickupLocation": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
		"destination":    map[string]float64{"latitude": 40.7489, "longitude": -73.968},
	})
	created := waitFor(t, riderConn, "ride:requestCreated")
	requestID, _ := created["id"].(string)
	require.NotEmpty(t, requestID)

	waitFor(t, driverConn, "rideRequest:new")

	send(t, driverConn, "ride:bidPlaced", map[string]interface{}{
		"requestId":        requestID,
		"fareAmount":       18.5,
		"estimatedArrival": 4,
		"vehicleId":        "VEH_TEST",
	})
	bid := waitFor(t, driverConn, "ride:bidUpdate")
	bidID, _ := bid["id"].(string)
	require.NotEmpty(t, bidID)

	waitFor(t, riderConn, "ride:bidUpdate")

	send(t, riderConn, "ride:bidAccepted", map[string]interface{}{
		"requestId": requestID,
		"bidId":     bidID,
	})
	accepted := waitFor(t, riderConn, "ride:bidAccepted")
	assert.Equal(t, "ACCEPTED", accepted["status"])
}

func TestEnqueueOutboundDropsUnderBackpressure(t *testing.T) {
	gw := newTestGateway(t)
	c := &connection{
		id:      "conn_test",
		send:    make(chan []byte, 1),
		inbound: make(chan []byte, 1),
		gateway: gw,
	}

	require.NoError(t, c.enqueueOutbound(dispatch.Event{Type: "heartbeat", Data: json.RawMessage("{}")}))

	err := c.enqueueOutbound(dispatch.Event{Type: "heartbeat", Data: json.RawMessage("{}")})
	var appErr *apperr.Error
	require.True(t, apperr.As(err, &appErr))
	assert.Equal(t, apperr.SlowConsumer, appErr.Code)
}

// TestReadPumpClosesOnInboundBackpressure drives connection.readPump
// directly over a net.Pipe with no dispatchLoop consumer running, so the
// inbound channel fills deterministically and the SLOW_CONSUMER path in
// readPump's non-blocking enqueue select is guaranteed to trigger.
func TestReadPumpClosesOnInboundBackpressure(t *testing.T) {
	gw := newTestGateway(t)
	serverSide, clientSide := net.Pipe()
	serverWS := websocket.NewConn(serverSide, true, 4096, 4096)
	clientWS := websocket.NewConn(clientSide, false, 4096, 4096)
	t.Cleanup(func() { clientWS.Close() })

	c := &connection{
		id:      "conn_backpressure",
		ws:      serverWS,
		send:    make(chan []byte, outboundBuffer),
		inbound: make(chan []byte, inboundBuffer),
		gateway: gw,
	}

	done := make(chan struct{})
	go func() {
		c.readPump()
		close(done)
	}()

	for i := 0; i < inboundBuffer+5; i++ {
		if err := clientWS.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat_response"}`)); err != nil {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected readPump to close the connection once the unread inbound queue filled")
	}

	select {
	case frame := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, "error", msg.Type)
		assert.Contains(t, string(msg.Data), string(apperr.SlowConsumer))
	default:
		t.Fatal("expected a SLOW_CONSUMER error frame queued for delivery")
	}
}
