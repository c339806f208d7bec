// Package probe refreshes device status and location from the network and
// records them as the device's last observed snapshot.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/metrics"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultLocationMaxAge is the oldest fix upstream may answer with
const DefaultLocationMaxAge = time.Hour

// Config holds prober configuration
type Config struct {
	LocationMaxAge  time.Duration
	UpstreamTimeout time.Duration
}

// LocationResult is the outcome of a location refresh. Unavailable means
// the network had no precise fix; Location is then nil and the stored
// snapshot was left as it was.
type LocationResult struct {
	Location    *storage.Location
	Unavailable bool
}

// Verification values
const (
	VerifiedTrue    = "true"
	VerifiedFalse   = "false"
	VerifiedUnknown = "unknown"
)

// Verification is the outcome of VerifyLocation
type Verification struct {
	Verified       string            `json:"verified"`
	DistanceMeters *float64          `json:"distance_meters,omitempty"`
	Location       *storage.Location `json:"location,omitempty"`
}

// Prober performs telemetry refreshes under the per-device lock
type Prober struct {
	devices   storage.DeviceStore
	client    nac.Client
	locks     *lockset.Set
	publisher events.Publisher
	maxAge    time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewProber creates a prober. locks must be shared with the session manager.
func NewProber(devices storage.DeviceStore, client nac.Client, locks *lockset.Set,
	publisher events.Publisher, cfg Config, logger zerolog.Logger) *Prober {
	if cfg.LocationMaxAge == 0 {
		cfg.LocationMaxAge = DefaultLocationMaxAge
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Prober{
		devices:   devices,
		client:    client,
		locks:     locks,
		publisher: publisher,
		maxAge:    cfg.LocationMaxAge,
		timeout:   cfg.UpstreamTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "probe").Logger(),
	}
}

// RefreshStatus queries the device's connectivity and records it. On
// failure the stored status is left untouched.
func (p *Prober) RefreshStatus(ctx context.Context, deviceID string) (storage.DeviceStatus, error) {
	unlock := p.locks.Lock(deviceID)
	defer unlock()

	device, err := p.devices.Get(ctx, deviceID)
	if err != nil {
		return storage.StatusUnknown, fmt.Errorf("device %s: %w", deviceID, err)
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, p.timeout)
	status, err := p.client.QueryStatus(upstreamCtx, device.PhoneNumber)
	cancel()

	metrics.ProbeRefreshesTotal.WithLabelValues("status", nac.KindName(err)).Inc()
	if err != nil {
		p.logger.Error().Err(err).Str("device_id", deviceID).Msg("Status refresh failed")
		return storage.StatusUnknown, fmt.Errorf("refresh status of device %s: %w", deviceID, err)
	}

	// The upstream answered; record it even if the caller has gone
	checkedAt := p.now()
	if err := p.devices.SetSnapshot(context.WithoutCancel(ctx), deviceID, storage.Snapshot{Status: &status, CheckedAt: checkedAt}); err != nil {
		return storage.StatusUnknown, fmt.Errorf("record status of device %s: %w", deviceID, err)
	}

	if status != device.LastKnownStatus {
		p.logger.Info().
			Str("device_id", deviceID).
			Str("previous", string(device.LastKnownStatus)).
			Str("status", string(status)).
			Msg("Device status changed")

		if err := p.publisher.Publish(ctx, events.Event{
			Type:           events.DeviceStatusChanged,
			DeviceID:       deviceID,
			PhoneNumber:    device.PhoneNumber,
			Status:         string(status),
			PreviousStatus: string(device.LastKnownStatus),
			OccurredAt:     checkedAt,
		}); err != nil {
			p.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to publish status change")
		}
	}

	return status, nil
}

// RefreshLocation queries the device's position and records it. When the
// network has no fix the snapshot is preserved and the result is marked
// unavailable.
func (p *Prober) RefreshLocation(ctx context.Context, deviceID string) (*LocationResult, error) {
	return p.RefreshLocationMaxAge(ctx, deviceID, 0)
}

// RefreshLocationMaxAge is RefreshLocation with a caller-chosen oldest
// acceptable fix. Zero uses the configured max age.
func (p *Prober) RefreshLocationMaxAge(ctx context.Context, deviceID string, maxAge time.Duration) (*LocationResult, error) {
	if maxAge < 0 {
		return nil, storage.Invalid("max_age", "must not be negative")
	}
	if maxAge == 0 {
		maxAge = p.maxAge
	}

	unlock := p.locks.Lock(deviceID)
	defer unlock()

	device, err := p.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, p.timeout)
	loc, err := p.client.QueryLocation(upstreamCtx, device.PhoneNumber, maxAge)
	cancel()

	if errors.Is(err, nac.ErrNoLocationFix) {
		metrics.ProbeRefreshesTotal.WithLabelValues("location", "unavailable").Inc()
		p.logger.Debug().Str("device_id", deviceID).Msg("No precise location fix")
		return &LocationResult{Unavailable: true}, nil
	}

	metrics.ProbeRefreshesTotal.WithLabelValues("location", nac.KindName(err)).Inc()
	if err != nil {
		p.logger.Error().Err(err).Str("device_id", deviceID).Msg("Location refresh failed")
		return nil, fmt.Errorf("refresh location of device %s: %w", deviceID, err)
	}

	if loc.ObservedAt.IsZero() {
		loc.ObservedAt = p.now()
	}
	if err := p.devices.SetSnapshot(context.WithoutCancel(ctx), deviceID, storage.Snapshot{Location: loc}); err != nil {
		return nil, fmt.Errorf("record location of device %s: %w", deviceID, err)
	}

	return &LocationResult{Location: loc}, nil
}

// VerifyLocation refreshes the device position and checks it lies within
// radiusMeters of the given point.
func (p *Prober) VerifyLocation(ctx context.Context, deviceID string, latitude, longitude, radiusMeters float64) (*Verification, error) {
	if latitude < -90 || latitude > 90 {
		return nil, storage.Invalid("latitude", "must be between -90 and 90")
	}
	if longitude < -180 || longitude > 180 {
		return nil, storage.Invalid("longitude", "must be between -180 and 180")
	}
	if radiusMeters <= 0 {
		return nil, storage.Invalid("radius", "must be positive")
	}

	result, err := p.RefreshLocation(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if result.Unavailable {
		return &Verification{Verified: VerifiedUnknown}, nil
	}

	distance := Distance(latitude, longitude, result.Location.Latitude, result.Location.Longitude)
	verdict := VerifiedFalse
	if distance <= radiusMeters {
		verdict = VerifiedTrue
	}

	return &Verification{Verified: verdict, DistanceMeters: &distance, Location: result.Location}, nil
}

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two points
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
