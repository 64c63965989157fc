// Package metrics exposes dispatch/auction counters and histograms via
// prometheus/client_golang and promhttp's standard handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram the dispatch and auction engine
// report against.
type Metrics struct {
	RequestsCreated  prometheus.Counter
	BidsPlaced       prometheus.Counter
	BidsAccepted     prometheus.Counter
	AuctionsExpired  prometheus.Counter
	RequestsCancelled prometheus.Counter
	DispatchLatency  prometheus.Histogram
	AcceptLatency    prometheus.Histogram
	CandidatesFound  prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// New registers every metric against reg (pass prometheus.DefaultRegisterer
// in production, a fresh prometheus.NewRegistry() in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "turbodriver_ride_requests_created_total",
			Help: "Ride requests created.",
		}),
		BidsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "turbodriver_bids_placed_total",
			Help: "Bids placed by drivers.",
		}),
		BidsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "turbodriver_bids_accepted_total",
			Help: "Bids accepted by riders.",
		}),
		AuctionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "turbodriver_auctions_expired_total",
			Help: "Auctions cancelled by the Lifecycle Scheduler after their TTL elapsed.",
		}),
		RequestsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "turbodriver_ride_requests_cancelled_total",
			Help: "Ride requests cancelled, any reason.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turbodriver_dispatch_latency_seconds",
			Help:    "Time from request creation to the Dispatcher's first candidate fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
		AcceptLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turbodriver_accept_latency_seconds",
			Help:    "Time from request entering BIDDING to a bid being accepted.",
			Buckets: prometheus.DefBuckets,
		}),
		CandidatesFound: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turbodriver_geo_candidates_found",
			Help:    "Candidate drivers returned per Geo Index query.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 25},
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbodriver_http_requests_total",
			Help: "REST requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turbodriver_http_request_duration_seconds",
			Help:    "REST request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
