// Package qod manages quality-on-demand sessions: at most one active session
// per device, with expiry reconciled lazily on reads and by periodic sweeps.
package qod

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/metrics"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// MinDurationSeconds is the shortest session the manager will request
	MinDurationSeconds = 60

	// DefaultUpstreamTimeout bounds upstream create/terminate calls that
	// outlive their caller
	DefaultUpstreamTimeout = 30 * time.Second
)

// ErrSessionAlreadyActive is returned by CreateSession when the device
// already holds a session that has not expired.
var ErrSessionAlreadyActive = errors.New("qod: device already has an active session")

var profilePattern = regexp.MustCompile(`^DOWNLINK_(S|M|L|XL)_UPLINK_(S|M|L|XL)$`)

// Config holds session manager configuration
type Config struct {
	MinDuration       time.Duration
	UpstreamTimeout   time.Duration
	TerminateOnExpiry bool // best-effort upstream terminate when expiry is observed
}

// Manager owns the session pointer of every device
type Manager struct {
	devices   storage.DeviceStore
	client    nac.Client
	catalog   *Catalog
	locks     *lockset.Set
	publisher events.Publisher
	clock     Clock

	minSeconds        int
	upstreamTimeout   time.Duration
	terminateOnExpiry bool

	logger zerolog.Logger
}

// NewManager creates a session manager. locks must be the same set used by
// every other writer of device records.
func NewManager(devices storage.DeviceStore, client nac.Client, catalog *Catalog, locks *lockset.Set,
	publisher events.Publisher, cfg Config, logger zerolog.Logger) *Manager {
	minSeconds := int(cfg.MinDuration / time.Second)
	if minSeconds < MinDurationSeconds {
		minSeconds = MinDurationSeconds
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Manager{
		devices:           devices,
		client:            client,
		catalog:           catalog,
		locks:             locks,
		publisher:         publisher,
		clock:             RealClock{},
		minSeconds:        minSeconds,
		upstreamTimeout:   cfg.UpstreamTimeout,
		terminateOnExpiry: cfg.TerminateOnExpiry,
		logger:            logger.With().Str("component", "qod").Logger(),
	}
}

// SetClock sets the clock used for expiry (for testing)
func (m *Manager) SetClock(clock Clock) {
	m.clock = clock
}

// Catalog returns the profile catalog backing validation
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// ValidateRequest checks a session request without touching the store or
// the network
func (m *Manager) ValidateRequest(profile string, durationSeconds int) error {
	if durationSeconds < m.minSeconds {
		return storage.Invalid("duration", "must be at least %d seconds, got %d", m.minSeconds, durationSeconds)
	}
	if !profilePattern.MatchString(profile) {
		return storage.Invalid("profile", "%q is not a DOWNLINK_{S|M|L|XL}_UPLINK_{S|M|L|XL} profile", profile)
	}
	return nil
}

// CreateSession requests a new upstream session for the device and records
// it. It never replaces a live session.
func (m *Manager) CreateSession(ctx context.Context, deviceID, profile string, durationSeconds int) (*storage.QoDSession, error) {
	if err := m.ValidateRequest(profile, durationSeconds); err != nil {
		metrics.QoDSessionRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	offered, err := m.catalog.Contains(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load QoD profiles: %w", err)
	}
	if !offered {
		metrics.QoDSessionRejections.WithLabelValues("unknown_profile").Inc()
		return nil, storage.Invalid("profile", "%q is not offered by the network", profile)
	}

	unlock := m.locks.Lock(deviceID)
	defer unlock()

	device, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}

	now := m.clock.Now()
	if current := device.ActiveQoDSession; current != nil {
		if current.ActiveAt(now) {
			metrics.QoDSessionRejections.WithLabelValues("already_active").Inc()
			return nil, fmt.Errorf("device %s holds session %s until %s: %w",
				deviceID, current.ID, current.ExpiresAt.Format(time.RFC3339), ErrSessionAlreadyActive)
		}
		if err := m.expireLocked(ctx, device); err != nil {
			return nil, err
		}
	}

	// From here on the outcome is recorded even if the caller goes away
	persistCtx := context.WithoutCancel(ctx)

	upstreamCtx, cancel := context.WithTimeout(persistCtx, m.upstreamTimeout)
	grant, err := m.client.CreateQoDSession(upstreamCtx, device.PhoneNumber, profile, durationSeconds)
	cancel()
	if err != nil {
		m.logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("profile", profile).
			Msg("Upstream QoD session create failed")
		return nil, fmt.Errorf("create QoD session for device %s: %w", deviceID, err)
	}

	createdAt := m.clock.Now()
	session := &storage.QoDSession{
		ID:              grant.ID,
		DeviceID:        deviceID,
		Profile:         profile,
		DurationSeconds: durationSeconds,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(time.Duration(durationSeconds) * time.Second),
	}

	if !grant.ExpiresAt.IsZero() && grant.ExpiresAt.Sub(session.ExpiresAt).Abs() > 5*time.Second {
		m.logger.Debug().
			Str("session_id", session.ID).
			Time("local_expires_at", session.ExpiresAt).
			Time("upstream_expires_at", grant.ExpiresAt).
			Msg("Upstream expiry differs from requested duration")
	}

	if err := m.devices.SetActiveSession(persistCtx, deviceID, session); err != nil {
		// Do not leave an upstream session nobody knows about
		m.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to record QoD session, releasing upstream")
		m.terminateBestEffort(persistCtx, session.ID)
		return nil, fmt.Errorf("record QoD session for device %s: %w", deviceID, err)
	}

	metrics.QoDSessionsCreated.WithLabelValues(profile).Inc()
	m.logger.Info().
		Str("device_id", deviceID).
		Str("session_id", session.ID).
		Str("profile", profile).
		Time("expires_at", session.ExpiresAt).
		Msg("QoD session created")

	expiresAt := session.ExpiresAt
	m.publish(persistCtx, events.Event{
		Type:        events.QoDSessionCreated,
		DeviceID:    deviceID,
		PhoneNumber: device.PhoneNumber,
		SessionID:   session.ID,
		Profile:     profile,
		ExpiresAt:   &expiresAt,
		OccurredAt:  createdAt,
	})

	return session, nil
}

// TerminateSession ends the device's session, if any
func (m *Manager) TerminateSession(ctx context.Context, deviceID string) error {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	return m.TerminateSessionLocked(ctx, deviceID)
}

// TerminateSessionLocked is TerminateSession for callers already holding
// the device lock.
//
// Only an unreachable upstream fails the call, leaving the session in
// place. Any other upstream answer clears the local reference.
func (m *Manager) TerminateSessionLocked(ctx context.Context, deviceID string) error {
	device, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	session := device.ActiveQoDSession
	if session == nil {
		return nil
	}
	if !session.ActiveAt(m.clock.Now()) {
		return m.expireLocked(ctx, device)
	}

	persistCtx := context.WithoutCancel(ctx)

	upstreamCtx, cancel := context.WithTimeout(persistCtx, m.upstreamTimeout)
	err = m.client.TerminateQoDSession(upstreamCtx, session.ID)
	cancel()

	switch {
	case errors.Is(err, nac.ErrUnreachable):
		m.logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("session_id", session.ID).
			Msg("Upstream unreachable, QoD session left in place")
		return fmt.Errorf("terminate QoD session %s: %w", session.ID, err)
	case err != nil:
		m.logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("session_id", session.ID).
			Msg("Upstream refused terminate, clearing local session")
	}

	if err := m.devices.SetActiveSession(persistCtx, deviceID, nil); err != nil {
		return fmt.Errorf("clear QoD session for device %s: %w", deviceID, err)
	}

	metrics.QoDSessionsEnded.WithLabelValues("terminated").Inc()
	m.logger.Info().
		Str("device_id", deviceID).
		Str("session_id", session.ID).
		Msg("QoD session terminated")

	m.publish(persistCtx, events.Event{
		Type:        events.QoDSessionTerminated,
		DeviceID:    deviceID,
		PhoneNumber: device.PhoneNumber,
		SessionID:   session.ID,
		Profile:     session.Profile,
		OccurredAt:  m.clock.Now(),
	})

	return nil
}

// Reconcile loads a device and clears its session if it has expired
func (m *Manager) Reconcile(ctx context.Context, deviceID string) (*storage.Device, error) {
	device, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}

	reconciled, err := m.ReconcileDevice(ctx, *device)
	if err != nil {
		return nil, err
	}
	return &reconciled, nil
}

// ReconcileDevice returns device with an expired session cleared. The lock
// is only taken when the snapshot shows an expired session. A failed store
// write is logged and the session is still hidden from the result.
func (m *Manager) ReconcileDevice(ctx context.Context, device storage.Device) (storage.Device, error) {
	session := device.ActiveQoDSession
	if session == nil || session.ActiveAt(m.clock.Now()) {
		return device, nil
	}

	unlock := m.locks.Lock(device.ID)
	defer unlock()

	// Re-read under the lock: the session may have been replaced meanwhile
	current, err := m.devices.Get(ctx, device.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return device, err
	}
	if err != nil {
		m.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to reload device for reconciliation")
		device.ActiveQoDSession = nil
		return device, nil
	}

	if current.ActiveQoDSession.ActiveAt(m.clock.Now()) {
		return *current, nil
	}

	if current.ActiveQoDSession != nil {
		if err := m.expireLocked(ctx, current); err != nil {
			m.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to clear expired QoD session")
		}
		current.ActiveQoDSession = nil
	}
	return *current, nil
}

// Sweep reconciles every device and refreshes the fleet gauges. It returns
// the number of sessions found expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	devices, err := m.devices.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	expired, active := 0, 0
	for _, device := range devices {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		had := device.ActiveQoDSession != nil
		reconciled, err := m.ReconcileDevice(ctx, device)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if had && reconciled.ActiveQoDSession == nil {
			expired++
		}
		if reconciled.ActiveQoDSession != nil {
			active++
		}
	}

	metrics.DevicesRegistered.Set(float64(len(devices)))
	metrics.QoDSessionsActive.Set(float64(active))

	if expired > 0 {
		m.logger.Info().Int("expired", expired).Int("active", active).Msg("QoD expiry sweep completed")
	}
	return expired, nil
}

// expireLocked clears an expired session; the caller holds the device lock
func (m *Manager) expireLocked(ctx context.Context, device *storage.Device) error {
	session := device.ActiveQoDSession
	persistCtx := context.WithoutCancel(ctx)

	if err := m.devices.SetActiveSession(persistCtx, device.ID, nil); err != nil {
		return fmt.Errorf("clear expired QoD session for device %s: %w", device.ID, err)
	}

	metrics.QoDSessionsEnded.WithLabelValues("expired").Inc()
	m.logger.Info().
		Str("device_id", device.ID).
		Str("session_id", session.ID).
		Time("expired_at", session.ExpiresAt).
		Msg("QoD session expired")

	if m.terminateOnExpiry {
		m.terminateBestEffort(persistCtx, session.ID)
	}

	expiresAt := session.ExpiresAt
	m.publish(persistCtx, events.Event{
		Type:        events.QoDSessionExpired,
		DeviceID:    device.ID,
		PhoneNumber: device.PhoneNumber,
		SessionID:   session.ID,
		Profile:     session.Profile,
		ExpiresAt:   &expiresAt,
		OccurredAt:  m.clock.Now(),
	})

	device.ActiveQoDSession = nil
	return nil
}

// terminateBestEffort asks upstream to drop a session, logging failures
func (m *Manager) terminateBestEffort(ctx context.Context, sessionID string) {
	upstreamCtx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	if err := m.client.TerminateQoDSession(upstreamCtx, sessionID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Best-effort QoD session terminate failed")
	}
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}
