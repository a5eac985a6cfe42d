package usecase

import (
	"context"
	"log/slog"
	"time"

	"ImageGuard/internal/ports"
)

// Sweeper evicts idle cache records on every tick of the driver.
type Sweeper struct {
	driver      ports.Scheduler
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewSweeper binds cache eviction to a periodic driver.
func NewSweeper(driver ports.Scheduler, coordinator *Coordinator, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{driver: driver, coordinator: coordinator, logger: logger}
}

// Start registers the sweep with the driver.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.driver == nil || s.coordinator == nil {
		return nil
	}
	return s.driver.Start(ctx, s.sweep)
}

func (s *Sweeper) sweep(tick time.Time) {
	evicted := s.coordinator.Sweep()
	if evicted == 0 {
		return
	}

	stats := s.coordinator.Stats()
	cached := 0
	for _, n := range stats.Records {
		cached += n
	}
	s.logger.Info("idle records evicted",
		"evicted", evicted,
		"cached", cached,
		"pending", stats.Pending,
		"tick", tick.Format(time.RFC3339))
}

// Stop halts the driver; a sweep in progress finishes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
