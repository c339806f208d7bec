package probe

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/goodtune/qodfleet/internal/storage/memory"
	"github.com/rs/zerolog"
)

const phoneA = "+34600000000"

func newTestProber(t *testing.T) (*Prober, storage.DeviceStore, *nac.Simulator, *events.Recorder) {
	t.Helper()

	store := memory.Open()
	if _, err := store.Devices().Create(context.Background(), storage.Device{ID: "A", Name: "Unit A", PhoneNumber: phoneA}); err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	sim := nac.NewSimulator()
	rec := &events.Recorder{}
	prober := NewProber(store.Devices(), sim, lockset.New(), rec, Config{}, zerolog.Nop())
	return prober, store.Devices(), sim, rec
}

func TestRefreshStatus(t *testing.T) {
	prober, devices, sim, rec := newTestProber(t)
	ctx := context.Background()

	sim.SetStatus(phoneA, storage.StatusOffline)
	status, err := prober.RefreshStatus(ctx, "A")
	if err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}
	if status != storage.StatusOffline {
		t.Errorf("Expected offline, got %s", status)
	}

	device, _ := devices.Get(ctx, "A")
	if device.LastKnownStatus != storage.StatusOffline || device.StatusCheckedAt == nil {
		t.Errorf("Expected stored offline status with timestamp, got %+v", device)
	}

	// Same status again publishes nothing new
	if _, err := prober.RefreshStatus(ctx, "A"); err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}
	if got := rec.Count(events.DeviceStatusChanged); got != 1 {
		t.Errorf("Expected one status change event, got %d", got)
	}
}

func TestRefreshStatus_FailurePreservesSnapshot(t *testing.T) {
	prober, devices, sim, _ := newTestProber(t)
	ctx := context.Background()

	sim.SetStatus(phoneA, storage.StatusOnline)
	if _, err := prober.RefreshStatus(ctx, "A"); err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}

	sim.FailNext(nac.OpQueryStatus, nac.ErrUnreachable)
	if _, err := prober.RefreshStatus(ctx, "A"); !errors.Is(err, nac.ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}

	device, _ := devices.Get(ctx, "A")
	if device.LastKnownStatus != storage.StatusOnline {
		t.Errorf("Expected last good status online to survive, got %s", device.LastKnownStatus)
	}
}

func TestRefreshStatus_DeviceNotFound(t *testing.T) {
	prober, _, sim, _ := newTestProber(t)

	if _, err := prober.RefreshStatus(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if got := sim.Calls(nac.OpQueryStatus); got != 0 {
		t.Errorf("Expected no upstream call, got %d", got)
	}
}

// cancelAwareStore fails writes made on a cancelled context, like a
// networked store would
type cancelAwareStore struct {
	storage.DeviceStore
}

func (s cancelAwareStore) SetSnapshot(ctx context.Context, id string, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.DeviceStore.SetSnapshot(ctx, id, snapshot)
}

func TestRefresh_RecordsResultAfterCallerCancels(t *testing.T) {
	store := memory.Open()
	if _, err := store.Devices().Create(context.Background(), storage.Device{ID: "A", Name: "Unit A", PhoneNumber: phoneA}); err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	devices := cancelAwareStore{store.Devices()}

	sim := nac.NewSimulator()
	sim.SetStatus(phoneA, storage.StatusOffline)
	sim.SetLocation(phoneA, storage.Location{Latitude: 41.39, Longitude: 2.17, Radius: 30})
	prober := NewProber(devices, sim, lockset.New(), nil, Config{}, zerolog.Nop())

	// The caller gives up while the upstream call is in flight
	ctx, cancel := context.WithCancel(context.Background())
	sim.OnCall(nac.OpQueryStatus, func(context.Context) { cancel() })
	if _, err := prober.RefreshStatus(ctx, "A"); err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	sim.OnCall(nac.OpQueryLocation, func(context.Context) { cancel() })
	if _, err := prober.RefreshLocation(ctx, "A"); err != nil {
		t.Fatalf("RefreshLocation failed: %v", err)
	}

	device, err := devices.Get(context.Background(), "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if device.LastKnownStatus != storage.StatusOffline {
		t.Errorf("Expected completed status refresh to be recorded, got %s", device.LastKnownStatus)
	}
	if device.LastLocation == nil || device.LastLocation.Latitude != 41.39 {
		t.Errorf("Expected completed location refresh to be recorded, got %+v", device.LastLocation)
	}
}

func TestRefreshLocationMaxAge(t *testing.T) {
	prober, _, sim, _ := newTestProber(t)
	ctx := context.Background()

	if _, err := prober.RefreshLocationMaxAge(ctx, "A", 5*time.Minute); err != nil {
		t.Fatalf("RefreshLocationMaxAge failed: %v", err)
	}
	if got := sim.LastLocationMaxAge(); got != 5*time.Minute {
		t.Errorf("Expected max age 5m upstream, got %s", got)
	}

	if _, err := prober.RefreshLocation(ctx, "A"); err != nil {
		t.Fatalf("RefreshLocation failed: %v", err)
	}
	if got := sim.LastLocationMaxAge(); got != DefaultLocationMaxAge {
		t.Errorf("Expected default max age upstream, got %s", got)
	}

	if _, err := prober.RefreshLocationMaxAge(ctx, "A", -time.Second); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected validation error for negative max age, got %v", err)
	}
}

func TestRefreshLocation_UnavailableKeepsPrevious(t *testing.T) {
	prober, devices, sim, _ := newTestProber(t)
	ctx := context.Background()

	// Never located: stays absent
	sim.SetNoFix(phoneA)
	result, err := prober.RefreshLocation(ctx, "A")
	if err != nil {
		t.Fatalf("RefreshLocation failed: %v", err)
	}
	if !result.Unavailable || result.Location != nil {
		t.Errorf("Expected unavailable result, got %+v", result)
	}
	device, _ := devices.Get(ctx, "A")
	if device.LastLocation != nil {
		t.Errorf("Expected no location, got %+v", device.LastLocation)
	}

	// A good fix is recorded
	sim.SetLocation(phoneA, storage.Location{Latitude: 41.39, Longitude: 2.17, Radius: 30})
	result, err = prober.RefreshLocation(ctx, "A")
	if err != nil {
		t.Fatalf("RefreshLocation failed: %v", err)
	}
	if result.Unavailable || result.Location.Latitude != 41.39 {
		t.Errorf("Unexpected result: %+v", result)
	}

	// Losing the fix keeps the previous value rather than (0,0)
	sim.SetNoFix(phoneA)
	result, err = prober.RefreshLocation(ctx, "A")
	if err != nil {
		t.Fatalf("RefreshLocation failed: %v", err)
	}
	if !result.Unavailable {
		t.Error("Expected unavailable result")
	}

	device, _ = devices.Get(ctx, "A")
	if device.LastLocation == nil || device.LastLocation.Latitude != 41.39 || device.LastLocation.Longitude != 2.17 {
		t.Errorf("Expected previous location preserved, got %+v", device.LastLocation)
	}
}

func TestRefreshLocation_UpstreamError(t *testing.T) {
	prober, _, sim, _ := newTestProber(t)
	sim.FailNext(nac.OpQueryLocation, nac.ErrUnauthorized)

	if _, err := prober.RefreshLocation(context.Background(), "A"); !errors.Is(err, nac.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyLocation(t *testing.T) {
	prober, _, sim, _ := newTestProber(t)
	ctx := context.Background()
	sim.SetLocation(phoneA, storage.Location{Latitude: 41.3874, Longitude: 2.1686, ObservedAt: time.Now()})

	tests := []struct {
		name   string
		lat    float64
		lon    float64
		radius float64
		want   string
	}{
		{"same point", 41.3874, 2.1686, 10, VerifiedTrue},
		{"within a kilometre", 41.3900, 2.1700, 1000, VerifiedTrue},
		{"Madrid is far", 40.4168, -3.7038, 5000, VerifiedFalse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := prober.VerifyLocation(ctx, "A", tt.lat, tt.lon, tt.radius)
			if err != nil {
				t.Fatalf("VerifyLocation failed: %v", err)
			}
			if v.Verified != tt.want {
				t.Errorf("Verified = %s, want %s (distance %v)", v.Verified, tt.want, *v.DistanceMeters)
			}
		})
	}

	sim.SetNoFix(phoneA)
	v, err := prober.VerifyLocation(ctx, "A", 41.3874, 2.1686, 10)
	if err != nil {
		t.Fatalf("VerifyLocation failed: %v", err)
	}
	if v.Verified != VerifiedUnknown {
		t.Errorf("Expected unknown without a fix, got %s", v.Verified)
	}

	if _, err := prober.VerifyLocation(ctx, "A", 91, 0, 10); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected ErrValidation for latitude 91, got %v", err)
	}
}

func TestDistance(t *testing.T) {
	// Barcelona to Madrid is roughly 505 km
	d := Distance(41.3874, 2.1686, 40.4168, -3.7038)
	if math.Abs(d-505000) > 5000 {
		t.Errorf("Expected ~505km, got %.0fm", d)
	}
	if Distance(10, 10, 10, 10) != 0 {
		t.Error("Expected zero distance for identical points")
	}
}
