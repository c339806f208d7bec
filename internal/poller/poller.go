// Package poller runs the background telemetry refresh and QoD expiry sweep.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/qodfleet/internal/probe"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/rs/zerolog"
)

// Sweeper reconciles expired sessions across the fleet
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Refresher refreshes one device's telemetry
type Refresher interface {
	RefreshStatus(ctx context.Context, deviceID string) (storage.DeviceStatus, error)
	RefreshLocation(ctx context.Context, deviceID string) (*probe.LocationResult, error)
}

// Config holds scheduler configuration. A zero interval disables that job.
type Config struct {
	StatusInterval   time.Duration
	LocationInterval time.Duration
	SweepInterval    time.Duration
	ActiveOnly       bool // skip devices whose operator flag is off
}

// Scheduler drives the periodic jobs. Every refresh goes through the same
// per-device exclusion as request-driven calls.
type Scheduler struct {
	devices   storage.DeviceStore
	refresher Refresher
	sweeper   Sweeper
	cfg       Config
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(devices storage.DeviceStore, refresher Refresher, sweeper Sweeper, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		devices:   devices,
		refresher: refresher,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Start launches the job loops
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.every(ctx, "sweep", s.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := s.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("QoD expiry sweep failed")
		}
	})
	s.every(ctx, "status", s.cfg.StatusInterval, func(ctx context.Context) { s.RefreshStatuses(ctx) })
	s.every(ctx, "location", s.cfg.LocationInterval, func(ctx context.Context) { s.RefreshLocations(ctx) })

	s.logger.Info().
		Dur("status_interval", s.cfg.StatusInterval).
		Dur("location_interval", s.cfg.LocationInterval).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Bool("active_only", s.cfg.ActiveOnly).
		Msg("Poller started")
}

// Stop cancels in-flight jobs and waits for the loops to exit
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Poller stopped")
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		s.logger.Debug().Str("job", name).Msg("Job disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				job(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RefreshStatuses refreshes the status of every eligible device and returns
// how many succeeded
func (s *Scheduler) RefreshStatuses(ctx context.Context) int {
	return s.forEachDevice(ctx, "status", func(id string) error {
		_, err := s.refresher.RefreshStatus(ctx, id)
		return err
	})
}

// RefreshLocations refreshes the location of every eligible device and
// returns how many succeeded, unavailable fixes included
func (s *Scheduler) RefreshLocations(ctx context.Context) int {
	return s.forEachDevice(ctx, "location", func(id string) error {
		_, err := s.refresher.RefreshLocation(ctx, id)
		return err
	})
}

func (s *Scheduler) forEachDevice(ctx context.Context, kind string, refresh func(id string) error) int {
	devices, err := s.devices.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("Failed to list devices for refresh")
		}
		return 0
	}

	ok, failed := 0, 0
	for _, device := range devices {
		if ctx.Err() != nil {
			break
		}
		if s.cfg.ActiveOnly && !device.Active {
			continue
		}
		if err := refresh(device.ID); err != nil {
			failed++
			s.logger.Warn().Err(err).Str("kind", kind).Str("device_id", device.ID).Msg("Scheduled refresh failed")
			continue
		}
		ok++
	}

	s.logger.Debug().Str("kind", kind).Int("refreshed", ok).Int("failed", failed).Msg("Scheduled refresh completed")
	return ok
}
