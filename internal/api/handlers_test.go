package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"turbodriver/internal/auth"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/gateway"
	"turbodriver/internal/geo"
)

func newTestRouter(t *testing.T) (chi.Router, *auth.InMemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	grid := geo.NewGrid()
	geoAdapter := testGeoAdapter{grid: grid}
	bus := dispatch.NewEventBus(logger)
	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(geoAdapter, bus, dispatch.DispatchConfig{}, logger)
	engine := dispatch.NewEngine(geoAdapter, bus, dispatcher, registry, dispatch.EngineConfig{RetryAttempts: 1}, logger)
	gw := gateway.New(engine, bus, registry, gateway.Config{}, logger)

	authStore := auth.NewInMemoryStore()
	router := chi.NewRouter()
	AttachRoutes(router, engine, gw, authStore, nil, time.Hour, nil, logger)
	return router, authStore
}

// testGeoAdapter satisfies dispatch.GeoLocator over internal/geo's Grid, the
// same shape as cmd/server/geoadapter.go's gridGeoAdapter, duplicated here
// to avoid importing the main package from a test.
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

func TestHealthEndpointReportsOK(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, env.Success)
}

func TestRegisterIdentityMintsRiderToken(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{"role": "rider", "name": "Ada"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, env.Success)
}

func TestCreateRideRequestRequiresRiderToken(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"rideType":       "Taxi",
		"pickupLocation": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
		"destination":    map[string]float64{"latitude": 40.7489, "longitude": -73.968},
	})
	req := httptest.NewRequest(http.MethodPost, "/ride-requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRideRequestSucceedsForRegisteredRider(t *testing.T) {
	router, authStore := newTestRouter(t)

	identity, err := authStore.Register(dispatch.RoleRider, time.Hour)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]interface{}{
		"rideType":       "Taxi",
		"pickupLocation": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
		"destination":    map[string]float64{"latitude": 40.7489, "longitude": -73.968},
	})
	req := httptest.NewRequest(http.MethodPost, "/ride-requests", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+identity.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, env.Success)
}

func TestGetRideRequestReturnsNotFoundForUnknownID(t *testing.T) {
	router, authStore := newTestRouter(t)
	identity, err := authStore.Register(dispatch.RoleRider, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ride-requests/000000000000000000000000", nil)
	req.Header.Set("Authorization", "Bearer "+identity.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Code)
}
