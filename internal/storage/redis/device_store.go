package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/redis/go-redis/v9"
)

type deviceStore struct {
	client *redis.Client
	prefix string

	createScript *redis.Script
	updateScript *redis.Script
	deleteScript *redis.Script
}

func newDeviceStore(client *redis.Client, prefix string) *deviceStore {
	return &deviceStore{
		client:       client,
		prefix:       prefix,
		createScript: redis.NewScript(createDeviceScript),
		updateScript: redis.NewScript(updateDeviceScript),
		deleteScript: redis.NewScript(deleteDeviceScript),
	}
}

func (s *deviceStore) deviceKey(id string) string {
	return fmt.Sprintf("%s:device:%s", s.prefix, id)
}

func (s *deviceStore) phonePrefix() string {
	return s.prefix + ":phone:"
}

func (s *deviceStore) devicesSet() string {
	return s.prefix + ":devices"
}

// Create stores a new device, claiming its phone number
func (s *deviceStore) Create(ctx context.Context, device storage.Device) (*storage.Device, error) {
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	if device.LastKnownStatus == "" {
		device.LastKnownStatus = storage.StatusUnknown
	}

	keys := []string{
		s.deviceKey(device.ID),
		s.phonePrefix() + device.PhoneNumber,
		s.devicesSet(),
	}
	args := append([]interface{}{device.ID}, encodeDevice(device)...)

	result, err := s.createScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, err
	}

	switch result {
	case "OK":
		return &device, nil
	case "DUPLICATE_PHONE":
		return nil, storage.ErrDuplicatePhoneNumber
	default:
		return nil, fmt.Errorf("failed to create device %s: %s", device.ID, result)
	}
}

// Get retrieves a device by ID
func (s *deviceStore) Get(ctx context.Context, id string) (*storage.Device, error) {
	data, err := s.client.HGetAll(ctx, s.deviceKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseDevice(data)
}

// GetByPhoneNumber retrieves a device using the phone number index
func (s *deviceStore) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*storage.Device, error) {
	id, err := s.client.Get(ctx, s.phonePrefix()+phoneNumber).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// List retrieves all devices ordered by creation time
func (s *deviceStore) List(ctx context.Context) ([]storage.Device, error) {
	ids, err := s.client.SMembers(ctx, s.devicesSet()).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Device{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.deviceKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	devices := make([]storage.Device, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// Deleted between SMEMBERS and HGETALL
			continue
		}

		device, err := parseDevice(data)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})

	return devices, nil
}

// Update applies operator edits to an existing device
func (s *deviceStore) Update(ctx context.Context, id string, update storage.DeviceUpdate) (*storage.Device, error) {
	var set []interface{}
	if update.Name != nil {
		set = append(set, "name", *update.Name)
	}
	if update.Description != nil {
		set = append(set, "description", *update.Description)
	}
	if update.Active != nil {
		set = append(set, "active", formatBool(*update.Active))
	}

	if err := s.apply(ctx, id, set, nil); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Delete removes a device and its phone number index
func (s *deviceStore) Delete(ctx context.Context, id string) error {
	keys := []string{s.deviceKey(id), s.devicesSet()}

	deleted, err := s.deleteScript.Run(ctx, s.client, keys, id, s.phonePrefix()).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// SetSnapshot records observed status and/or location
func (s *deviceStore) SetSnapshot(ctx context.Context, id string, snapshot storage.Snapshot) error {
	var set []interface{}
	if snapshot.Status != nil {
		checkedAt := snapshot.CheckedAt
		if checkedAt.IsZero() {
			checkedAt = time.Now()
		}
		set = append(set,
			"status", string(*snapshot.Status),
			"status_checked_at", checkedAt.Format(time.RFC3339Nano),
		)
	}
	if snapshot.Location != nil {
		set = append(set, encodeLocation(*snapshot.Location)...)
	}

	return s.apply(ctx, id, set, nil)
}

// SetActiveSession writes or clears the device's session pointer
func (s *deviceStore) SetActiveSession(ctx context.Context, id string, session *storage.QoDSession) error {
	if session == nil {
		return s.apply(ctx, id, nil, sessionFields)
	}

	if session.DeviceID != id {
		return fmt.Errorf("session %s belongs to device %s, not %s", session.ID, session.DeviceID, id)
	}

	return s.apply(ctx, id, encodeSession(*session), nil)
}

// apply runs the update script with the given field changes, always bumping updated_at
func (s *deviceStore) apply(ctx context.Context, id string, set []interface{}, del []string) error {
	set = append(set, "updated_at", time.Now().Format(time.RFC3339Nano))

	args := make([]interface{}, 0, 1+len(set)+len(del))
	args = append(args, len(set))
	args = append(args, set...)
	for _, field := range del {
		args = append(args, field)
	}

	updated, err := s.updateScript.Run(ctx, s.client, []string{s.deviceKey(id)}, args...).Int()
	if err != nil {
		return err
	}
	if updated == 0 {
		return storage.ErrNotFound
	}

	return nil
}
