package storage

import "context"

// Store represents the root storage interface.
type Store interface {
	Close() error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Devices() DeviceStore
}

// DeviceStore manages device configuration records and their observed
// snapshots. It enforces phone number uniqueness and nothing else; session
// and telemetry rules live in the callers.
//
// Every write is atomic with respect to a single device record.
type DeviceStore interface {
	Create(ctx context.Context, device Device) (*Device, error)
	Get(ctx context.Context, id string) (*Device, error)
	GetByPhoneNumber(ctx context.Context, phoneNumber string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	Update(ctx context.Context, id string, update DeviceUpdate) (*Device, error)
	Delete(ctx context.Context, id string) error
	SetSnapshot(ctx context.Context, id string, snapshot Snapshot) error
	// SetActiveSession replaces the session pointer; nil clears it.
	SetActiveSession(ctx context.Context, id string, session *QoDSession) error
}
