package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
	"go.etcd.io/bbolt"
)

type deviceStore struct {
	db *bbolt.DB
}

func (s *deviceStore) Create(ctx context.Context, device storage.Device) (*storage.Device, error) {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	if device.LastKnownStatus == "" {
		device.LastKnownStatus = storage.StatusUnknown
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		devices := tx.Bucket([]byte(bucketDevices))
		phones := tx.Bucket([]byte(bucketPhones))

		if phones.Get([]byte(device.PhoneNumber)) != nil {
			return storage.ErrDuplicatePhoneNumber
		}
		if devices.Get([]byte(device.ID)) != nil {
			return fmt.Errorf("failed to create device %s: id already exists", device.ID)
		}

		data, err := marshal(device)
		if err != nil {
			return err
		}
		if err := devices.Put([]byte(device.ID), data); err != nil {
			return err
		}
		return phones.Put([]byte(device.PhoneNumber), []byte(device.ID))
	})
	if err != nil {
		return nil, err
	}

	return &device, nil
}

func (s *deviceStore) Get(ctx context.Context, id string) (*storage.Device, error) {
	var device *storage.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		device, err = readDevice(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *deviceStore) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*storage.Device, error) {
	var device *storage.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := tx.Bucket([]byte(bucketPhones)).Get([]byte(phoneNumber))
		if id == nil {
			return storage.ErrNotFound
		}
		var err error
		device, err = readDevice(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *deviceStore) List(ctx context.Context) ([]storage.Device, error) {
	devices := make([]storage.Device, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketDevices)).ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var device storage.Device
			if err := unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, device)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})

	return devices, nil
}

func (s *deviceStore) Update(ctx context.Context, id string, update storage.DeviceUpdate) (*storage.Device, error) {
	var updated storage.Device
	err := s.modify(ctx, id, func(device *storage.Device) error {
		if update.Name != nil {
			device.Name = *update.Name
		}
		if update.Description != nil {
			device.Description = *update.Description
		}
		if update.Active != nil {
			device.Active = *update.Active
		}
		updated = *device
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *deviceStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		device, err := readDevice(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketPhones)).Delete([]byte(device.PhoneNumber)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketDevices)).Delete([]byte(id))
	})
}

func (s *deviceStore) SetSnapshot(ctx context.Context, id string, snapshot storage.Snapshot) error {
	return s.modify(ctx, id, func(device *storage.Device) error {
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
		return nil
	})
}

func (s *deviceStore) SetActiveSession(ctx context.Context, id string, session *storage.QoDSession) error {
	if session != nil && session.DeviceID != id {
		return fmt.Errorf("session %s belongs to device %s, not %s", session.ID, session.DeviceID, id)
	}

	return s.modify(ctx, id, func(device *storage.Device) error {
		if session == nil {
			device.ActiveQoDSession = nil
			return nil
		}
		copied := *session
		device.ActiveQoDSession = &copied
		return nil
	})
}

// modify applies fn to a stored device in one write transaction, bumping updated_at
func (s *deviceStore) modify(ctx context.Context, id string, fn func(*storage.Device) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		device, err := readDevice(tx, id)
		if err != nil {
			return err
		}
		if err := fn(device); err != nil {
			return err
		}
		device.UpdatedAt = time.Now()

		data, err := marshal(device)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketDevices)).Put([]byte(id), data)
	})
}

func readDevice(tx *bbolt.Tx, id string) (*storage.Device, error) {
	value := tx.Bucket([]byte(bucketDevices)).Get([]byte(id))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var device storage.Device
	if err := unmarshal(value, &device); err != nil {
		return nil, err
	}
	return &device, nil
}
