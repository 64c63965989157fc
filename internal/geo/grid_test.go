package geo

import "testing"

func TestFindCandidatesExcludesOutOfRadius(t *testing.T) {
	g := NewGrid()
	near := DriverMeta{DriverID: "near", Lat: 40.758, Lon: -73.9855, Rating: 5, Vehicles: []VehicleMeta{
		{VehicleID: "v1", Class: "Taxi", Comfort: 3, Price: 20},
	}}
	far := DriverMeta{DriverID: "far", Lat: 34.0522, Lon: -118.2437, Rating: 5, Vehicles: []VehicleMeta{
		{VehicleID: "v2", Class: "Taxi", Comfort: 3, Price: 20},
	}}
	g.Upsert(near)
	g.Upsert(far)

	results := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", RadiusKM: 10, Limit: 10})

	if len(results) != 1 || results[0].DriverID != "near" {
		t.Fatalf("expected only the near driver within radius, got %+v", results)
	}
}

func TestFindCandidatesFiltersByClassComfortAndPrice(t *testing.T) {
	g := NewGrid()
	g.Upsert(DriverMeta{DriverID: "econ", Lat: 40.758, Lon: -73.9855, Rating: 4, Vehicles: []VehicleMeta{
		{VehicleID: "v1", Class: "Bike", Comfort: 2, Price: 8},
	}})
	g.Upsert(DriverMeta{DriverID: "premium", Lat: 40.758, Lon: -73.9855, Rating: 4, Vehicles: []VehicleMeta{
		{VehicleID: "v2", Class: "Taxi", Comfort: 5, Price: 40},
	}})

	results := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", ComfortMin: 3, PriceMax: 50, RadiusKM: 10, Limit: 10})
	if len(results) != 1 || results[0].DriverID != "premium" {
		t.Fatalf("expected only the matching-class driver, got %+v", results)
	}

	tooExpensive := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", ComfortMin: 3, PriceMax: 30, RadiusKM: 10, Limit: 10})
	if len(tooExpensive) != 0 {
		t.Fatalf("expected priceMax to exclude the premium driver, got %+v", tooExpensive)
	}
}

func TestFindCandidatesRanksHigherScoreFirst(t *testing.T) {
	g := NewGrid()
	g.Upsert(DriverMeta{DriverID: "cheap_close", Lat: 40.758, Lon: -73.9855, Rating: 5, Vehicles: []VehicleMeta{
		{VehicleID: "v1", Class: "Taxi", Comfort: 5, Price: 10},
	}})
	g.Upsert(DriverMeta{DriverID: "pricey_close", Lat: 40.758, Lon: -73.9855, Rating: 4, Vehicles: []VehicleMeta{
		{VehicleID: "v2", Class: "Taxi", Comfort: 3, Price: 45},
	}})

	results := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", ComfortMin: 3, PriceMax: 50, RadiusKM: 10, Limit: 10})
	if len(results) != 2 {
		t.Fatalf("expected both drivers within filters, got %+v", results)
	}
	if results[0].DriverID != "cheap_close" {
		t.Fatalf("expected the higher comfort/lower price driver ranked first, got %+v", results)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("expected strictly decreasing score order, got %v then %v", results[0].Score, results[1].Score)
	}
}

func TestFindCandidatesRespectsLimit(t *testing.T) {
	g := NewGrid()
	for i := 0; i < 5; i++ {
		g.Upsert(DriverMeta{
			DriverID: string(rune('a' + i)),
			Lat:      40.758,
			Lon:      -73.9855,
			Rating:   5,
			Vehicles: []VehicleMeta{{VehicleID: "v", Class: "Taxi", Comfort: 3, Price: 20}},
		})
	}

	results := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", RadiusKM: 10, Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
}

func TestRemoveEvictsDriver(t *testing.T) {
	g := NewGrid()
	g.Upsert(DriverMeta{DriverID: "d1", Lat: 40.758, Lon: -73.9855, Vehicles: []VehicleMeta{
		{VehicleID: "v1", Class: "Taxi", Comfort: 3, Price: 20},
	}})
	g.Remove("d1")

	results := g.FindCandidates(Query{Lat: 40.758, Lon: -73.9855, Class: "Taxi", RadiusKM: 10, Limit: 10})
	if len(results) != 0 {
		t.Fatalf("expected no candidates after removal, got %+v", results)
	}
}

func TestHaversineKMKnownDistance(t *testing.T) {
	// Manhattan (Times Square) to JFK airport, roughly 22km apart.
	dist := haversineKM(40.7580, -73.9855, 40.6413, -73.7781)
	if dist < 20 || dist > 28 {
		t.Fatalf("expected ~22km between Times Square and JFK, got %.2f", dist)
	}
}
