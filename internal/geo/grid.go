// Package geo implements the Geo Index: a spatial structure over
// currently-available drivers supporting bounded-radius, scored candidate
// queries. Two interchangeable backends are provided: Grid (in-memory,
// cell-bucketed) and Index (Redis GEO-backed).
package geo

import (
	"math"
	"sort"
	"sync"
)

const earthRadiusKM = 6371

// DriverMeta is the per-driver metadata the Geo Index keeps alongside its
// coordinate: eligible vehicle classes/comfort/price and rating, used to
// filter and score candidates without a round-trip to the Ride Store.
type DriverMeta struct {
	DriverID string
	Lat      float64
	Lon      float64
	Vehicles []VehicleMeta
	Rating   float64
}

// VehicleMeta is the subset of vehicle attributes the Geo Index filters on.
type VehicleMeta struct {
	VehicleID string
	Class     string
	Comfort   int
	Price     int
}

// Candidate is one scored result of a FindCandidates query.
type Candidate struct {
	DriverID   string
	VehicleID  string
	DistanceKM float64
	Score      float64
}

// Query parameterizes a findCandidates call.
type Query struct {
	Lat            float64
	Lon            float64
	Class          string
	ComfortMin     int
	PriceMax       int
	RadiusKM       float64
	Limit          int
}

// cellSizeDeg sizes grid buckets (about 50km of latitude). A radius query
// scans ceil(R/111/cellSizeDeg)+1 cells each way from the center cell: a 5x5
// block for a 10km radius, 7x7 for 50km.
const cellSizeDeg = 0.45

// Grid is the in-memory Geo Index backend: drivers are bucketed into fixed
// lat/lon cells so findCandidates only scans nearby cells instead of every
// driver, per its O(log N)-or-better requirement.
type Grid struct {
	mu      sync.RWMutex
	drivers map[string]DriverMeta
	cells   map[cellKey]map[string]struct{}
}

type cellKey struct {
	x, y int64
}

func NewGrid() *Grid {
	return &Grid{
		drivers: make(map[string]DriverMeta),
		cells:   make(map[cellKey]map[string]struct{}),
	}
}

func cellOf(lat, lon float64) cellKey {
	return cellKey{x: int64(math.Floor(lon / cellSizeDeg)), y: int64(math.Floor(lat / cellSizeDeg))}
}

// Upsert inserts or updates a driver's position and eligibility metadata.
func (g *Grid) Upsert(meta DriverMeta) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.drivers[meta.DriverID]; ok {
		g.removeFromCellLocked(old)
	}
	g.drivers[meta.DriverID] = meta
	key := cellOf(meta.Lat, meta.Lon)
	if g.cells[key] == nil {
		g.cells[key] = make(map[string]struct{})
	}
	g.cells[key][meta.DriverID] = struct{}{}
}

// Remove evicts a driver from the index (e.g. on going offline/busy).
func (g *Grid) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.drivers[driverID]; ok {
		g.removeFromCellLocked(old)
		delete(g.drivers, driverID)
	}
}

func (g *Grid) removeFromCellLocked(meta DriverMeta) {
	key := cellOf(meta.Lat, meta.Lon)
	if set, ok := g.cells[key]; ok {
		delete(set, meta.DriverID)
		if len(set) == 0 {
			delete(g.cells, key)
		}
	}
}

// FindCandidates returns up to q.Limit drivers within q.RadiusKM of (q.Lat,
// q.Lon) with at least one active vehicle matching class/comfort/price,
// ranked by match score.
func (g *Grid) FindCandidates(q Query) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	center := cellOf(q.Lat, q.Lon)
	span := int64(math.Ceil(q.RadiusKM/111.0/cellSizeDeg)) + 1

	var out []Candidate
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			set, ok := g.cells[cellKey{x: center.x + dx, y: center.y + dy}]
			if !ok {
				continue
			}
			for driverID := range set {
				meta := g.drivers[driverID]
				dist := haversineKM(q.Lat, q.Lon, meta.Lat, meta.Lon)
				if dist > q.RadiusKM {
					continue
				}
				vehicle, ok := matchVehicle(meta.Vehicles, q.Class, q.ComfortMin, q.PriceMax)
				if !ok {
					continue
				}
				score := matchScore(vehicle.Comfort, q.ComfortMin, q.PriceMax, vehicle.Price, meta.Rating, dist)
				out = append(out, Candidate{
					DriverID:   driverID,
					VehicleID:  vehicle.VehicleID,
					DistanceKM: dist,
					Score:      score,
				})
			}
		}
	}

	sortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchVehicle(vehicles []VehicleMeta, class string, comfortMin, priceMax int) (VehicleMeta, bool) {
	for _, v := range vehicles {
		if class != "" && v.Class != class {
			continue
		}
		if v.Comfort < comfortMin {
			continue
		}
		if priceMax > 0 && v.Price > priceMax {
			continue
		}
		return v, true
	}
	return VehicleMeta{}, false
}

// matchScore computes the candidate match score, clamped to [0, 100].
func matchScore(comfort, comfortMin, priceMax, price int, rating, distanceKM float64) float64 {
	score := 50.0
	if d := float64(comfort - comfortMin); d > 0 {
		score += d * 10
	}
	if d := float64(priceMax - price); d > 0 {
		score += d * 5
	}
	if d := rating - 4; d > 0 {
		score += d * 20
	}
	score -= distanceKM * 2
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].DistanceKM < cands[j].DistanceKM
	})
}

// haversineKM is the great-circle distance between two points, in km,
// using earth radius 6371 km.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	calc := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(calc))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
