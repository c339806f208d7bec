// Package events publishes device and QoD session lifecycle events.
package events

import (
	"context"
	"sync"
	"time"
)

// Type identifies a lifecycle event
type Type string

const (
	DeviceStatusChanged  Type = "device.status.changed"
	DeviceDeleted        Type = "device.deleted"
	QoDSessionCreated    Type = "qod.session.created"
	QoDSessionTerminated Type = "qod.session.terminated"
	QoDSessionExpired    Type = "qod.session.expired"
)

// Event is the payload published for every lifecycle change
type Event struct {
	Type           Type       `json:"type"`
	DeviceID       string     `json:"device_id"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Profile        string     `json:"profile,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Status         string     `json:"status,omitempty"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Close implements Publisher
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were published
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
