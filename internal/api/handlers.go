package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"turbodriver/internal/apperr"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/metrics"
)

// Handler exposes the REST read-side subset over the Auction Engine.
// Realtime mutation (bid placement, status/location updates) lives behind
// the Session Gateway; the REST surface covers query, identity
// registration, and request create/cancel and bid acceptance.
type Handler struct {
	engine    *dispatch.Engine
	auth      authConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	startTime time.Time
}

// NewHandler builds the REST Handler.
func NewHandler(engine *dispatch.Engine, auth authConfig, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, auth: auth, metrics: m, logger: logger, startTime: time.Now()}
}

// envelope is the REST response shape every endpoint uses.
type envelope struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Code    apperr.Code       `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Meta    meta              `json:"meta"`
}

type pagination struct {
	CurrentPage int  `json:"currentPage"`
	Limit       int  `json:"limit"`
	TotalCount  int  `json:"totalCount"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

type meta struct {
	Timestamp  time.Time   `json:"timestamp"`
	Pagination *pagination `json:"pagination,omitempty"`
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondDataPaged(w, status, data, nil)
}

func respondDataPaged(w http.ResponseWriter, status int, data interface{}, p *pagination) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: meta{Timestamp: time.Now(), Pagination: p}})
}

// respondErr renders err as the standard error envelope, unwrapping *apperr.Error
// for its code/details/HTTP status and falling back to INTERNAL_ERROR.
func respondErr(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !apperr.As(err, &ae) {
		ae = apperr.Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus)
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Message: ae.Message,
		Code:    ae.Code,
		Details: ae.Details,
		Meta:    meta{Timestamp: time.Now()},
	})
}

func paginate(total, page, limit int) pagination {
	if limit <= 0 {
		limit = total
	}
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return pagination{
		CurrentPage: page,
		Limit:       limit,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
}

func pageParams(r *http.Request) (page, limit, offset int) {
	page = 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset = (page - 1) * limit
	return page, limit, offset
}

// GetRideRequest handles GET /ride-requests/{id}.
func (h *Handler) GetRideRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.engine.GetRequest(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, http.StatusOK, req)
}

// bidView enriches a Bid with the isLowest/isHighest flags of its bid
// query operation, which the domain Bid type does not itself carry.
type bidView struct {
	dispatch.Bid
	IsLowest  bool `json:"isLowest"`
	IsHighest bool `json:"isHighest"`
}

// ListBids handles GET /ride-requests/{id}/bids?sortBy=...&order=....
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sortBy := r.URL.Query().Get("sortBy")
	descending := r.URL.Query().Get("order") == "desc"

	bids, stats, err := h.engine.ListBids(id, "", sortBy, descending)
	if err != nil {
		respondErr(w, err)
		return
	}

	views := make([]bidView, len(bids))
	for i, b := range bids {
		views[i] = bidView{Bid: b}
		if b.FareAmount == stats.Min {
			views[i].IsLowest = true
		}
		if b.FareAmount == stats.Max {
			views[i].IsHighest = true
		}
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"bids":  views,
		"stats": stats,
	})
}

// ListAvailableRequests handles GET /ride-requests/available.
func (h *Handler) ListAvailableRequests(w http.ResponseWriter, r *http.Request) {
	all := h.engine.ListBiddingRequests()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	page, limit, offset := pageParams(r)
	end := offset + limit
	if offset > len(all) {
		offset = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	slice := all[offset:end]

	p := paginate(len(all), page, limit)
	respondDataPaged(w, http.StatusOK, slice, &p)
}

// ListRequestsByUser handles GET /ride-requests/user/{userId}.
func (h *Handler) ListRequestsByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	all := h.engine.ListRequestsByRider(userID)

	page, limit, offset := pageParams(r)
	end := offset + limit
	if offset > len(all) {
		offset = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	slice := all[offset:end]

	p := paginate(len(all), page, limit)
	respondDataPaged(w, http.StatusOK, slice, &p)
}

type createRequestPayload struct {
	RideType          dispatch.VehicleClass `json:"rideType"`
	PickupLocation    dispatch.Coordinate   `json:"pickupLocation"`
	Destination       dispatch.Coordinate   `json:"destination"`
	ComfortPreference int                   `json:"comfortPreference,omitempty"`
	FarePreference    int                   `json:"farePreference,omitempty"`
}

// CreateRideRequest handles POST /ride-requests, the REST mirror of
// ride:newRequest.
func (h *Handler) CreateRideRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.auth.authorized(r)
	if !ok || identity.Role != dispatch.RoleRider {
		respondErr(w, apperr.UnauthorizedErr("caller is not a registered rider"))
		return
	}
	var p createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondErr(w, apperr.New(apperr.ValidationError, "malformed request body"))
		return
	}
	req, err := h.engine.CreateRequest(r.Context(), identity.ID, p.PickupLocation, p.Destination, p.RideType, p.ComfortPreference, p.FarePreference)
	if err != nil {
		respondErr(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RequestsCreated.Inc()
	}
	respondData(w, http.StatusCreated, req)
}

// AcceptBid handles POST /ride-requests/{id}/bids/{bidId}/accept.
func (h *Handler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.auth.authorized(r)
	if !ok || identity.Role != dispatch.RoleRider {
		respondErr(w, apperr.UnauthorizedErr("caller is not a registered rider"))
		return
	}
	requestID := chi.URLParam(r, "id")
	bidID := chi.URLParam(r, "bidId")

	req, err := h.engine.AcceptBid(r.Context(), identity.ID, requestID, bidID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.BidsAccepted.Inc()
	}
	respondData(w, http.StatusOK, req)
}

// CancelRideRequest handles POST /ride-requests/{id}/cancel.
func (h *Handler) CancelRideRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.auth.authorized(r)
	if !ok {
		respondErr(w, apperr.UnauthorizedErr(""))
		return
	}
	requestID := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := h.engine.CancelRequest(r.Context(), identity.ID, requestID, body.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RequestsCancelled.Inc()
	}
	respondData(w, http.StatusOK, req)
}

type registerPayload struct {
	Role  dispatch.IdentityRole `json:"role"`
	Name  string                `json:"name,omitempty"`
	Phone string                `json:"phone,omitempty"`
	Email string                `json:"email,omitempty"`
}

// RegisterIdentity handles POST /auth/register: mints a bearer token for a
// rider, driver, or admin identity via the external auth collaborator.
func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondErr(w, apperr.New(apperr.ValidationError, "malformed request body"))
		return
	}
	role := p.Role
	if role == "" {
		role = dispatch.RoleRider
	}

	identity, err := h.auth.store.Register(role, h.auth.ttl)
	if err != nil {
		respondErr(w, apperr.Internal(err))
		return
	}

	switch role {
	case dispatch.RoleRider:
		err = h.engine.UpsertRider(dispatch.Rider{ID: identity.ID, Name: p.Name, Phone: p.Phone, Email: p.Email, Rating: 5})
	case dispatch.RoleDriver:
		err = h.engine.UpsertDriver(r.Context(), dispatch.Driver{ID: identity.ID, Name: p.Name, Phone: p.Phone, Email: p.Email, Status: dispatch.DriverOffline, Rating: 5})
	}
	if err != nil {
		h.auth.store.Revoke(identity.Token)
		respondErr(w, err)
		return
	}

	respondData(w, http.StatusCreated, identity)
}

// Health handles GET /health: liveness only, no downstream checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

// Ready handles GET /ready: reports whether the Auction Engine is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondErr(w, apperr.Internal(nil))
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "ready"})
}
