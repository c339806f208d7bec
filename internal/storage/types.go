package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceStatus is the last connectivity state observed upstream.
type DeviceStatus string

const (
	StatusUnknown DeviceStatus = "unknown"
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *DeviceStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := DeviceStatus(strings.ToLower(raw))
	switch normalized {
	case StatusUnknown, StatusOnline, StatusOffline:
		*s = normalized
		return nil
	case "":
		*s = StatusUnknown
		return nil
	default:
		return fmt.Errorf("invalid status: %s (must be unknown, online, or offline)", raw)
	}
}

// Location is a positional fix reported by the network.
type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Radius     float64   `json:"radius,omitempty"` // accuracy in meters, 0 when not reported
	ObservedAt time.Time `json:"observed_at"`
}

// QoDSession is a quality-on-demand session granted by the network.
type QoDSession struct {
	ID              string    `json:"id"` // assigned upstream
	DeviceID        string    `json:"device_id"`
	Profile         string    `json:"profile"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ActiveAt reports whether the session is still valid at now.
func (s *QoDSession) ActiveAt(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Device is a managed mobile device.
type Device struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	PhoneNumber      string       `json:"phone_number"`
	Description      string       `json:"description,omitempty"`
	Active           bool         `json:"is_active"`
	LastKnownStatus  DeviceStatus `json:"last_known_status"`
	StatusCheckedAt  *time.Time   `json:"status_checked_at,omitempty"`
	LastLocation     *Location    `json:"last_location,omitempty"`
	ActiveQoDSession *QoDSession  `json:"active_qod_session,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// DeviceUpdate carries the operator-editable fields. Nil fields are left
// untouched. The phone number is immutable and has no field here.
type DeviceUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"is_active,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u DeviceUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.Active == nil
}

// Snapshot carries observed telemetry. Nil fields are left untouched.
type Snapshot struct {
	Status    *DeviceStatus
	CheckedAt time.Time
	Location  *Location
}
