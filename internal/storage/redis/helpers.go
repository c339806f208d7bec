package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
)

// sessionFields are deleted together when a session pointer is cleared
var sessionFields = []string{"qod_session_id", "qod_profile", "qod_duration", "qod_created_at", "qod_expires_at"}

// encodeDevice flattens a device into HSET field/value arguments
func encodeDevice(d storage.Device) []interface{} {
	args := []interface{}{
		"id", d.ID,
		"name", d.Name,
		"phone_number", d.PhoneNumber,
		"description", d.Description,
		"active", formatBool(d.Active),
		"status", string(d.LastKnownStatus),
		"created_at", d.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.StatusCheckedAt != nil {
		args = append(args, "status_checked_at", d.StatusCheckedAt.Format(time.RFC3339Nano))
	}
	if d.LastLocation != nil {
		args = append(args, encodeLocation(*d.LastLocation)...)
	}
	if d.ActiveQoDSession != nil {
		args = append(args, encodeSession(*d.ActiveQoDSession)...)
	}
	return args
}

func encodeLocation(l storage.Location) []interface{} {
	return []interface{}{
		"loc_lat", strconv.FormatFloat(l.Latitude, 'f', -1, 64),
		"loc_lon", strconv.FormatFloat(l.Longitude, 'f', -1, 64),
		"loc_radius", strconv.FormatFloat(l.Radius, 'f', -1, 64),
		"loc_observed_at", l.ObservedAt.Format(time.RFC3339Nano),
	}
}

func encodeSession(s storage.QoDSession) []interface{} {
	return []interface{}{
		"qod_session_id", s.ID,
		"qod_profile", s.Profile,
		"qod_duration", strconv.Itoa(s.DurationSeconds),
		"qod_created_at", s.CreatedAt.Format(time.RFC3339Nano),
		"qod_expires_at", s.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseDevice converts a Redis hash to Device
func parseDevice(data map[string]string) (*storage.Device, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	status := storage.DeviceStatus(data["status"])
	if status == "" {
		status = storage.StatusUnknown
	}

	device := &storage.Device{
		ID:              data["id"],
		Name:            data["name"],
		PhoneNumber:     data["phone_number"],
		Description:     data["description"],
		Active:          data["active"] == "1",
		LastKnownStatus: status,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}

	if raw, ok := data["status_checked_at"]; ok {
		checkedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse status_checked_at: %w", err)
		}
		device.StatusCheckedAt = &checkedAt
	}

	if _, ok := data["loc_lat"]; ok {
		location, err := parseLocation(data)
		if err != nil {
			return nil, err
		}
		device.LastLocation = location
	}

	if _, ok := data["qod_session_id"]; ok {
		session, err := parseSession(device.ID, data)
		if err != nil {
			return nil, err
		}
		device.ActiveQoDSession = session
	}

	return device, nil
}

func parseLocation(data map[string]string) (*storage.Location, error) {
	lat, err := strconv.ParseFloat(data["loc_lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse loc_lat: %w", err)
	}

	lon, err := strconv.ParseFloat(data["loc_lon"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse loc_lon: %w", err)
	}

	radius, err := strconv.ParseFloat(data["loc_radius"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse loc_radius: %w", err)
	}

	observedAt, err := time.Parse(time.RFC3339Nano, data["loc_observed_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse loc_observed_at: %w", err)
	}

	return &storage.Location{
		Latitude:   lat,
		Longitude:  lon,
		Radius:     radius,
		ObservedAt: observedAt,
	}, nil
}

func parseSession(deviceID string, data map[string]string) (*storage.QoDSession, error) {
	duration, err := strconv.Atoi(data["qod_duration"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse qod_duration: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["qod_created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse qod_created_at: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, data["qod_expires_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse qod_expires_at: %w", err)
	}

	return &storage.QoDSession{
		ID:              data["qod_session_id"],
		DeviceID:        deviceID,
		Profile:         data["qod_profile"],
		DurationSeconds: duration,
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
	}, nil
}
