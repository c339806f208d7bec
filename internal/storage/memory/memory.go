package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
)

// Store implements storage.Store in process memory. Records are lost on
// restart; it backs tests and single-node development.
type Store struct {
	devices *deviceStore
}

// Open creates an empty in-memory store
func Open() *Store {
	return &Store{
		devices: &deviceStore{
			byID:    make(map[string]*storage.Device),
			byPhone: make(map[string]string),
		},
	}
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}

// Devices returns the DeviceStore implementation
func (s *Store) Devices() storage.DeviceStore {
	return s.devices
}

type deviceStore struct {
	mu      sync.RWMutex
	byID    map[string]*storage.Device
	byPhone map[string]string // phone number -> device ID
}

func (s *deviceStore) Create(_ context.Context, device storage.Device) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byPhone[device.PhoneNumber]; taken {
		return nil, storage.ErrDuplicatePhoneNumber
	}
	if _, exists := s.byID[device.ID]; exists {
		return nil, fmt.Errorf("failed to create device %s: id already exists", device.ID)
	}

	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	if device.LastKnownStatus == "" {
		device.LastKnownStatus = storage.StatusUnknown
	}

	stored := cloneDevice(device)
	s.byID[device.ID] = &stored
	s.byPhone[device.PhoneNumber] = device.ID

	return &device, nil
}

func (s *deviceStore) Get(_ context.Context, id string) (*storage.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := cloneDevice(*device)
	return &out, nil
}

func (s *deviceStore) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*storage.Device, error) {
	s.mu.RLock()
	id, ok := s.byPhone[phoneNumber]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	return s.Get(ctx, id)
}

func (s *deviceStore) List(_ context.Context) ([]storage.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]storage.Device, 0, len(s.byID))
	for _, device := range s.byID {
		devices = append(devices, cloneDevice(*device))
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})

	return devices, nil
}

func (s *deviceStore) Update(_ context.Context, id string, update storage.DeviceUpdate) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if update.Name != nil {
		device.Name = *update.Name
	}
	if update.Description != nil {
		device.Description = *update.Description
	}
	if update.Active != nil {
		device.Active = *update.Active
	}
	device.UpdatedAt = time.Now()

	out := cloneDevice(*device)
	return &out, nil
}

func (s *deviceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}

	delete(s.byPhone, device.PhoneNumber)
	delete(s.byID, id)

	return nil
}

func (s *deviceStore) SetSnapshot(_ context.Context, id string, snapshot storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}

	if snapshot.Status != nil {
		checkedAt := snapshot.CheckedAt
		if checkedAt.IsZero() {
			checkedAt = time.Now()
		}
		device.LastKnownStatus = *snapshot.Status
		device.StatusCheckedAt = &checkedAt
	}
	if snapshot.Location != nil {
		location := *snapshot.Location
		device.LastLocation = &location
	}
	device.UpdatedAt = time.Now()

	return nil
}

func (s *deviceStore) SetActiveSession(_ context.Context, id string, session *storage.QoDSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}

	if session == nil {
		device.ActiveQoDSession = nil
	} else {
		if session.DeviceID != id {
			return fmt.Errorf("session %s belongs to device %s, not %s", session.ID, session.DeviceID, id)
		}
		copied := *session
		device.ActiveQoDSession = &copied
	}
	device.UpdatedAt = time.Now()

	return nil
}

// cloneDevice deep-copies the pointer fields so callers never alias stored state
func cloneDevice(d storage.Device) storage.Device {
	if d.StatusCheckedAt != nil {
		checkedAt := *d.StatusCheckedAt
		d.StatusCheckedAt = &checkedAt
	}
	if d.LastLocation != nil {
		location := *d.LastLocation
		d.LastLocation = &location
	}
	if d.ActiveQoDSession != nil {
		session := *d.ActiveQoDSession
		d.ActiveQoDSession = &session
	}
	return d
}
