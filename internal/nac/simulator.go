package nac

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
)

// Profiles is the full DOWNLINK_x_UPLINK_y catalog
var Profiles = func() []string {
	sizes := []string{"S", "M", "L", "XL"}
	profiles := make([]string, 0, len(sizes)*len(sizes))
	for _, down := range sizes {
		for _, up := range sizes {
			profiles = append(profiles, fmt.Sprintf("DOWNLINK_%s_UPLINK_%s", down, up))
		}
	}
	return profiles
}()

type simSession struct {
	phoneNumber string
	profile     string
	expiresAt   time.Time
}

// Simulator is an in-process Client for development and tests. Unknown
// devices report online with a stable position near Barcelona.
type Simulator struct {
	mu       sync.Mutex
	now      func() time.Time
	profiles []string
	statuses map[string]storage.DeviceStatus
	fixes    map[string]*storage.Location // nil entry means no fix
	sessions map[string]simSession
	failures map[Operation][]error
	calls    map[Operation]int
	hooks    map[Operation]func(ctx context.Context)
	nextID   int
	maxAge   time.Duration // last location max age requested
}

// NewSimulator creates a simulator offering the full profile catalog
func NewSimulator() *Simulator {
	return &Simulator{
		now:      time.Now,
		profiles: append([]string(nil), Profiles...),
		statuses: make(map[string]storage.DeviceStatus),
		fixes:    make(map[string]*storage.Location),
		sessions: make(map[string]simSession),
		failures: make(map[Operation][]error),
		calls:    make(map[Operation]int),
		hooks:    make(map[Operation]func(ctx context.Context)),
	}
}

// SetClock overrides the simulator's time source
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetProfiles replaces the profile catalog
func (s *Simulator) SetProfiles(profiles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append([]string(nil), profiles...)
}

// SetStatus fixes the status reported for a phone number
func (s *Simulator) SetStatus(phoneNumber string, status storage.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[phoneNumber] = status
}

// SetLocation fixes the position reported for a phone number
func (s *Simulator) SetLocation(phoneNumber string, loc storage.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes[phoneNumber] = &loc
}

// SetNoFix makes location queries for a phone number report no fix
func (s *Simulator) SetNoFix(phoneNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes[phoneNumber] = nil
}

// FailNext queues an error for the next call of op
func (s *Simulator) FailNext(op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// OnCall registers a hook run at the start of every call of op, before the
// simulated upstream work.
func (s *Simulator) OnCall(op Operation, hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = hook
}

// Calls returns how many times op was invoked
func (s *Simulator) Calls(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LastLocationMaxAge returns the max age sent with the latest location query
func (s *Simulator) LastLocationMaxAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAge
}

// ActiveSessions returns the ids of sessions that are live upstream
func (s *Simulator) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if now.Before(sess.expiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// begin counts the call, runs its hook and pops any queued failure
func (s *Simulator) begin(ctx context.Context, op Operation) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if queue := s.failures[op]; len(queue) > 0 {
		s.failures[op] = queue[1:]
		if queue[0] != nil {
			return &Error{Op: op, Kind: queue[0], Detail: "simulated failure"}
		}
	}
	return nil
}

// QueryStatus implements Client
func (s *Simulator) QueryStatus(ctx context.Context, phoneNumber string) (storage.DeviceStatus, error) {
	if err := s.begin(ctx, OpQueryStatus); err != nil {
		return storage.StatusUnknown, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[phoneNumber]; ok {
		return status, nil
	}
	return storage.StatusOnline, nil
}

// QueryLocation implements Client
func (s *Simulator) QueryLocation(ctx context.Context, phoneNumber string, maxAge time.Duration) (*storage.Location, error) {
	if err := s.begin(ctx, OpQueryLocation); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxAge = maxAge
	fix, ok := s.fixes[phoneNumber]
	if ok && fix == nil {
		return nil, ErrNoLocationFix
	}
	if ok {
		loc := *fix
		if loc.ObservedAt.IsZero() {
			loc.ObservedAt = s.now().UTC()
		}
		return &loc, nil
	}

	// Stable pseudo-position derived from the phone number
	h := fnv.New32a()
	_, _ = h.Write([]byte(phoneNumber))
	sum := h.Sum32()
	return &storage.Location{
		Latitude:   41.3874 + float64(sum%1000)/10000,
		Longitude:  2.1686 + float64((sum/1000)%1000)/10000,
		Radius:     100,
		ObservedAt: s.now().UTC(),
	}, nil
}

// ListQoDProfiles implements Client
func (s *Simulator) ListQoDProfiles(ctx context.Context) ([]string, error) {
	if err := s.begin(ctx, OpListProfiles); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.profiles...), nil
}

// CreateQoDSession implements Client
func (s *Simulator) CreateQoDSession(ctx context.Context, phoneNumber, profile string, durationSeconds int) (*SessionGrant, error) {
	if err := s.begin(ctx, OpCreateSession); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	for _, p := range s.profiles {
		if p == profile {
			known = true
			break
		}
	}
	if !known {
		return nil, &Error{Op: OpCreateSession, Kind: ErrInvalidRequest, StatusCode: 422, Detail: "unknown profile " + profile}
	}
	if durationSeconds <= 0 {
		return nil, &Error{Op: OpCreateSession, Kind: ErrInvalidRequest, StatusCode: 422, Detail: "duration must be positive"}
	}

	s.nextID++
	id := fmt.Sprintf("sim-qod-%06d", s.nextID)
	expiresAt := s.now().Add(time.Duration(durationSeconds) * time.Second).UTC()
	s.sessions[id] = simSession{phoneNumber: phoneNumber, profile: profile, expiresAt: expiresAt}

	return &SessionGrant{ID: id, ExpiresAt: expiresAt}, nil
}

// TerminateQoDSession implements Client
func (s *Simulator) TerminateQoDSession(ctx context.Context, sessionID string) error {
	if err := s.begin(ctx, OpTerminateSession); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Health implements Client
func (s *Simulator) Health(ctx context.Context) error {
	return s.begin(ctx, OpHealth)
}
