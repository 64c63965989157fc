package dispatch

import (
	"regexp"
	"time"
)

// Identifier formats fixed by the wire protocol.
var (
	riderIDPattern   = regexp.MustCompile(`^USER_[0-9A-F]{8}$`)
	driverIDPattern  = regexp.MustCompile(`^DRIVER_[0-9A-F]{8}$`)
	requestIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
)

func ValidRiderID(id string) bool   { return riderIDPattern.MatchString(id) }
func ValidDriverID(id string) bool  { return driverIDPattern.MatchString(id) }
func ValidRequestID(id string) bool { return requestIDPattern.MatchString(id) }

// RideStatus is the ride request lifecycle state.
type RideStatus string

const (
	StatusPending     RideStatus = "PENDING"
	StatusBidding     RideStatus = "BIDDING"
	StatusAccepted    RideStatus = "ACCEPTED"
	StatusInProgress  RideStatus = "IN_PROGRESS"
	StatusCompleted   RideStatus = "COMPLETED"
	StatusCancelled   RideStatus = "CANCELLED"
)

// terminal reports whether no further transitions are allowed from s.
func (s RideStatus) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// BidStatus is the per-bid lifecycle state.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
	BidExpired  BidStatus = "EXPIRED"
)

// DriverStatus is the driver's availability state.
type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
	DriverOffline   DriverStatus = "OFFLINE"
)

// VehicleClass is the requested/offered category of vehicle.
type VehicleClass string

const (
	ClassTaxi    VehicleClass = "Taxi"
	ClassACTaxi  VehicleClass = "AC_Taxi"
	ClassBike    VehicleClass = "Bike"
	ClassEBike   VehicleClass = "EBike"
	ClassERiksha VehicleClass = "ERiksha"
	ClassAuto    VehicleClass = "Auto"
)

func ValidVehicleClass(c VehicleClass) bool {
	switch c {
	case ClassTaxi, ClassACTaxi, ClassBike, ClassEBike, ClassERiksha, ClassAuto:
		return true
	}
	return false
}

// IdentityRole distinguishes a rider from a driver connection.
type IdentityRole string

const (
	RoleRider  IdentityRole = "rider"
	RoleDriver IdentityRole = "driver"
	RoleAdmin  IdentityRole = "admin"
)

// Coordinate is a geographic point, optionally with a street address.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

func (c Coordinate) validRange() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Preferences describes a rider's wait/fare/comfort tolerances.
type Preferences struct {
	MaxWaitSeconds    int          `json:"maxWaitSeconds,omitempty"`
	FareBand          int          `json:"fareBand,omitempty"`
	PreferredClass    VehicleClass `json:"preferredClass,omitempty"`
	ComfortPreference int          `json:"comfortPreference,omitempty"`
	FarePreference    int          `json:"farePreference,omitempty"`
}

// Rider is a persistent passenger identity.
type Rider struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Phone          string      `json:"phone"`
	Email          string      `json:"email,omitempty"`
	DefaultPickup  *Coordinate `json:"defaultPickup,omitempty"`
	Preferences    Preferences `json:"preferences"`
	Rating         float64     `json:"rating"`
	TotalRides     int         `json:"totalRides"`
	Online         bool        `json:"online"`
	LastSeen       time.Time   `json:"lastSeen"`
}

// Vehicle is an asset assigned to a driver.
type Vehicle struct {
	ID       string       `json:"id"`
	DriverID string       `json:"driverId"`
	Class    VehicleClass `json:"class"`
	Comfort  int          `json:"comfort"`
	Price    int          `json:"price"`
	Active   bool         `json:"active"`
	Make     string       `json:"make,omitempty"`
	Model    string       `json:"model,omitempty"`
	Year     int          `json:"year,omitempty"`
	Plate    string       `json:"plate,omitempty"`
	Color    string       `json:"color,omitempty"`
}

// Driver is a persistent driver identity.
type Driver struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Phone      string       `json:"phone"`
	Email      string       `json:"email,omitempty"`
	Location   Coordinate   `json:"location"`
	Status     DriverStatus `json:"status"`
	Online     bool         `json:"online"`
	Rating     float64      `json:"rating"`
	TotalRides int          `json:"totalRides"`
	Vehicles   []Vehicle    `json:"vehicles,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// activeVehicle returns the first active vehicle satisfying class/comfort/price filters.
func (d Driver) activeVehicle(class VehicleClass, comfortMin, priceMax int) (Vehicle, bool) {
	for _, v := range d.Vehicles {
		if !v.Active {
			continue
		}
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
	return Vehicle{}, false
}

// Bid is a driver's offer against a ride request.
type Bid struct {
	ID               string     `json:"id"`
	DriverID         string     `json:"driverId"`
	FareAmount       float64    `json:"fareAmount"`
	EstimatedArrival int        `json:"estimatedArrival"`
	VehicleID        string     `json:"vehicleId,omitempty"`
	Message          string     `json:"message,omitempty"`
	Status           BidStatus  `json:"status"`
	BidTime          time.Time  `json:"bidTime"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	RejectedAt       *time.Time `json:"rejectedAt,omitempty"`
}

// RideRequest is the durable, server-assigned ride auction record.
type RideRequest struct {
	ID                 string       `json:"id"`
	RiderID            string       `json:"userId"`
	Pickup             Coordinate   `json:"pickupLocation"`
	Destination        Coordinate   `json:"destination"`
	RequestedClass     VehicleClass `json:"rideType"`
	ComfortPreference  int          `json:"comfortPreference"`
	FarePreference     int          `json:"farePreference"`
	EstimatedDistanceKM float64     `json:"estimatedDistanceKm,omitempty"`
	EstimatedDurationMin float64    `json:"estimatedDurationMinutes,omitempty"`
	Status             RideStatus   `json:"status"`
	Bids               []Bid        `json:"bids"`
	AcceptedBid        *Bid         `json:"acceptedBid,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	CancelledAt        *time.Time   `json:"cancelledAt,omitempty"`
	CancellationReason string       `json:"cancellationReason,omitempty"`
}

// bidByDriver returns a pointer to the request's bid from driverID, if any.
func (r *RideRequest) bidByDriver(driverID string) *Bid {
	for i := range r.Bids {
		if r.Bids[i].DriverID == driverID {
			return &r.Bids[i]
		}
	}
	return nil
}

// bidByID returns a pointer to the bid with the given id, if any.
func (r *RideRequest) bidByID(id string) *Bid {
	for i := range r.Bids {
		if r.Bids[i].ID == id {
			return &r.Bids[i]
		}
	}
	return nil
}

// Identity binds a stable rider/driver/admin id to a bearer token (external auth collaborator).
type Identity struct {
	ID        string       `json:"id"`
	Role      IdentityRole `json:"role"`
	Token     string       `json:"token"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// CandidateDriver is a scored Geo Index query result.
type CandidateDriver struct {
	DriverID   string  `json:"driverId"`
	DistanceKM float64 `json:"distanceKm"`
	Score      float64 `json:"score"`
	VehicleID  string  `json:"vehicleId,omitempty"`
}

// BidStats summarizes a request's bid set.
type BidStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Range float64 `json:"range"`
}
