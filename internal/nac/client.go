// Package nac adapts the telecom network-exposure API (status, location and
// quality-on-demand sessions). Each Client method performs exactly one
// upstream call: no retries, no caching.
package nac

import (
	"context"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
)

// Operation names an upstream call
type Operation string

const (
	OpQueryStatus      Operation = "query_status"
	OpQueryLocation    Operation = "query_location"
	OpListProfiles     Operation = "list_qod_profiles"
	OpCreateSession    Operation = "create_qod_session"
	OpTerminateSession Operation = "terminate_qod_session"
	OpHealth           Operation = "health"
)

// SessionGrant is the upstream confirmation of a created QoD session
type SessionGrant struct {
	ID string
	// ExpiresAt is the upstream-reported deadline, zero when not reported
	ExpiresAt time.Time
}

// Client is the network-exposure API boundary.
//
// CreateQoDSession is not idempotent: two calls produce two upstream
// sessions. TerminateQoDSession is idempotent: an unknown or already
// terminated session id is a success.
type Client interface {
	QueryStatus(ctx context.Context, phoneNumber string) (storage.DeviceStatus, error)
	// QueryLocation returns ErrNoLocationFix when no precise fix exists.
	QueryLocation(ctx context.Context, phoneNumber string, maxAge time.Duration) (*storage.Location, error)
	ListQoDProfiles(ctx context.Context) ([]string, error)
	CreateQoDSession(ctx context.Context, phoneNumber, profile string, durationSeconds int) (*SessionGrant, error)
	TerminateQoDSession(ctx context.Context, sessionID string) error
	Health(ctx context.Context) error
}
