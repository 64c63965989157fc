// Package scheduler implements the Lifecycle Scheduler: a set of
// independent timers driving auction expiry, heartbeat sweeps, stale-driver
// reaping, and retention cleanup.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"turbodriver/internal/dispatch"
)

// Config holds the Lifecycle Scheduler's interval/threshold knobs.
type Config struct {
	AuctionTTL        time.Duration
	HeartbeatInterval time.Duration
	SessionIdle       time.Duration
	DriverStale       time.Duration
	RetentionDays     int
}

// Retention is the optional hook for the daily cleanup timer; nil disables it
// (in-memory-only deployments have nothing to purge from a durable store).
type Retention interface {
	PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs the Lifecycle Scheduler's independent timers until its
// context is cancelled.
type Scheduler struct {
	engine    *dispatch.Engine
	registry  *dispatch.Registry
	retention Retention
	cfg       Config
	logger    *zap.Logger

	auctionDeadlines chan string
}

func New(engine *dispatch.Engine, registry *dispatch.Registry, retention Retention, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AuctionTTL <= 0 {
		cfg.AuctionTTL = 120 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 5 * time.Minute
	}
	if cfg.DriverStale <= 0 {
		cfg.DriverStale = 10 * time.Minute
	}
	return &Scheduler{
		engine:           engine,
		registry:         registry,
		retention:        retention,
		cfg:              cfg,
		logger:           logger,
		auctionDeadlines: make(chan string, 1024),
	}
}

// NotifyRequestCreated schedules requestID's auction-expiry check. Called by
// the wiring layer right after dispatch.Engine.CreateRequest succeeds.
func (s *Scheduler) NotifyRequestCreated(requestID string) {
	select {
	case s.auctionDeadlines <- requestID:
	default:
		s.logger.Warn("auction deadline queue full, dropping expiry watch", zap.String("request_id", requestID))
	}
}

// Run starts every timer goroutine; it returns once ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runAuctionExpiry(ctx)
	go s.runHeartbeatSweep(ctx)
	go s.runStaleDriverReap(ctx)
	if s.retention != nil {
		go s.runDailyCleanup(ctx)
	}
}

// runAuctionExpiry watches newly-created requests and expires each one
// cfg.AuctionTTL after dispatch if it is still BIDDING.
func (s *Scheduler) runAuctionExpiry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case requestID := <-s.auctionDeadlines:
			go func(id string) {
				timer := time.NewTimer(s.cfg.AuctionTTL)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					s.engine.ExpireAuction(ctx, id)
				}
			}(requestID)
		}
	}
}

// runHeartbeatSweep forces offline every driver whose Identity Registry
// last-seen time is older than cfg.SessionIdle. It does not close the
// drivers' sessions.
func (s *Scheduler) runHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, driver := range s.engine.SnapshotDrivers() {
				lastSeen, ok := s.registry.LastSeen(driver.ID)
				if !ok {
					continue
				}
				if now.Sub(lastSeen) > s.cfg.SessionIdle {
					s.engine.ForceOffline(ctx, driver.ID)
				}
			}
		}
	}
}

// runStaleDriverReap forces offline any driver with no location update in
// cfg.DriverStale.
func (s *Scheduler) runStaleDriverReap(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.DriverStale)
			for _, driver := range s.engine.SnapshotDrivers() {
				if driver.Status != dispatch.DriverOffline && driver.UpdatedAt.Before(cutoff) {
					s.engine.ForceOffline(ctx, driver.ID)
				}
			}
		}
	}
}

// runDailyCleanup deletes terminal ride requests older than the retention
// window, both from durable storage and from in-memory engine state
//.
func (s *Scheduler) runDailyCleanup(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *Scheduler) cleanupOnce(ctx context.Context) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	if _, err := s.retention.PurgeTerminalOlderThan(ctx, cutoff); err != nil {
		s.logger.Error("retention purge failed", zap.Error(err))
	}
	for _, req := range s.engine.SnapshotRequests() {
		if req.UpdatedAt.Before(cutoff) && (req.Status == dispatch.StatusCompleted || req.Status == dispatch.StatusCancelled) {
			s.engine.PurgeRequest(req.ID)
		}
	}
}
