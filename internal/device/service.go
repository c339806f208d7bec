// Package device is the fleet facade: device CRUD, telemetry refresh and
// QoD session control behind one set of operations.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/probe"
	"github.com/goodtune/qodfleet/internal/qod"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSessionDuration applies when a session request names no duration
const DefaultSessionDuration = time.Hour

// CreateRequest carries the fields of a new device
type CreateRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Description string `json:"description,omitempty"`
	Active      *bool  `json:"is_active,omitempty"`
}

// UpdateRequest carries operator edits. PhoneNumber is accepted only when
// it matches the current number.
type UpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"is_active,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
}

// SessionRequest carries a QoD session request. A nil duration means the
// configured default.
type SessionRequest struct {
	Profile         string `json:"profile"`
	DurationSeconds *int   `json:"duration,omitempty"`
}

// Config holds service configuration
type Config struct {
	DefaultDuration time.Duration
}

// Service composes the store, the prober and the session manager
type Service struct {
	devices         storage.DeviceStore
	manager         *qod.Manager
	prober          *probe.Prober
	locks           *lockset.Set
	publisher       events.Publisher
	defaultDuration int
	logger          zerolog.Logger
}

// NewService creates the facade. locks must be the set shared with manager
// and prober.
func NewService(devices storage.DeviceStore, manager *qod.Manager, prober *probe.Prober,
	locks *lockset.Set, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.DefaultDuration == 0 {
		cfg.DefaultDuration = DefaultSessionDuration
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Service{
		devices:         devices,
		manager:         manager,
		prober:          prober,
		locks:           locks,
		publisher:       publisher,
		defaultDuration: int(cfg.DefaultDuration / time.Second),
		logger:          logger.With().Str("component", "device").Logger(),
	}
}

// ListDevices returns every device, oldest first, with expired sessions cleared
func (s *Service) ListDevices(ctx context.Context) ([]storage.Device, error) {
	devices, err := s.devices.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]storage.Device, 0, len(devices))
	for _, device := range devices {
		reconciled, err := s.manager.ReconcileDevice(ctx, device)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted since the listing
		}
		if err != nil {
			return nil, err
		}
		result = append(result, reconciled)
	}
	return result, nil
}

// GetDevice returns one device with an expired session cleared
func (s *Service) GetDevice(ctx context.Context, id string) (*storage.Device, error) {
	return s.manager.Reconcile(ctx, id)
}

// CreateDevice registers a device under a fresh id
func (s *Service) CreateDevice(ctx context.Context, req CreateRequest) (*storage.Device, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, storage.Invalid("name", "must not be empty")
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if err := storage.ValidatePhoneNumber(phone); err != nil {
		return nil, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	device, err := s.devices.Create(ctx, storage.Device{
		ID:              uuid.NewString(),
		Name:            name,
		PhoneNumber:     phone,
		Description:     req.Description,
		Active:          active,
		LastKnownStatus: storage.StatusUnknown,
	})
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", phone, err)
	}

	s.logger.Info().
		Str("device_id", device.ID).
		Str("phone_number", device.PhoneNumber).
		Msg("Device registered")

	return device, nil
}

// UpdateDevice applies operator edits
func (s *Service) UpdateDevice(ctx context.Context, id string, req UpdateRequest) (*storage.Device, error) {
	update := storage.DeviceUpdate{Description: req.Description, Active: req.Active}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, storage.Invalid("name", "must not be empty")
		}
		update.Name = &name
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	if req.PhoneNumber != nil && strings.TrimSpace(*req.PhoneNumber) != current.PhoneNumber {
		return nil, storage.Invalid("phone_number", "is immutable")
	}

	if update.Empty() {
		return current, nil
	}

	updated, err := s.devices.Update(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("update device %s: %w", id, err)
	}

	s.logger.Info().Str("device_id", id).Msg("Device updated")
	return updated, nil
}

// DeleteDevice terminates any active session and removes the device. If
// the session cannot be terminated the device is kept.
func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.manager.TerminateSessionLocked(ctx, id); err != nil {
		return err
	}

	device, err := s.devices.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("device %s: %w", id, err)
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.devices.Delete(persistCtx, id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	s.logger.Info().
		Str("device_id", id).
		Str("phone_number", device.PhoneNumber).
		Msg("Device deleted")

	if err := s.publisher.Publish(persistCtx, events.Event{
		Type:        events.DeviceDeleted,
		DeviceID:    id,
		PhoneNumber: device.PhoneNumber,
		OccurredAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("device_id", id).Msg("Failed to publish device deletion")
	}

	return nil
}

// GetStatus refreshes and returns the device's connectivity status
func (s *Service) GetStatus(ctx context.Context, id string) (storage.DeviceStatus, error) {
	return s.prober.RefreshStatus(ctx, id)
}

// GetLocation refreshes and returns the device's position. maxAge bounds
// how old the upstream fix may be; zero uses the configured default.
func (s *Service) GetLocation(ctx context.Context, id string, maxAge time.Duration) (*probe.LocationResult, error) {
	return s.prober.RefreshLocationMaxAge(ctx, id, maxAge)
}

// VerifyLocation checks the device lies within radiusMeters of a point
func (s *Service) VerifyLocation(ctx context.Context, id string, latitude, longitude, radiusMeters float64) (*probe.Verification, error) {
	return s.prober.VerifyLocation(ctx, id, latitude, longitude, radiusMeters)
}

// ListQoDProfiles returns the profiles offered upstream
func (s *Service) ListQoDProfiles(ctx context.Context) ([]string, error) {
	return s.manager.Catalog().Profiles(ctx)
}

// GetQoDSession returns the device's active session, nil when it has none
func (s *Service) GetQoDSession(ctx context.Context, id string) (*storage.QoDSession, error) {
	device, err := s.manager.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	return device.ActiveQoDSession, nil
}

// CreateQoDSession starts a session on the device
func (s *Service) CreateQoDSession(ctx context.Context, id string, req SessionRequest) (*storage.QoDSession, error) {
	duration := s.defaultDuration
	if req.DurationSeconds != nil {
		duration = *req.DurationSeconds
	}

	if err := s.manager.ValidateRequest(req.Profile, duration); err != nil {
		return nil, err
	}

	return s.manager.CreateSession(ctx, id, req.Profile, duration)
}

// DeleteQoDSession ends the device's session; a device without one is a no-op
func (s *Service) DeleteQoDSession(ctx context.Context, id string) error {
	return s.manager.TerminateSession(ctx, id)
}
