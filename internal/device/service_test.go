package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/probe"
	"github.com/goodtune/qodfleet/internal/qod"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/goodtune/qodfleet/internal/storage/memory"
	"github.com/rs/zerolog"
)

type fixture struct {
	service *Service
	sim     *nac.Simulator
	clock   *qod.TestClock
	events  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.Open()
	sim := nac.NewSimulator()
	clock := &qod.TestClock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sim.SetClock(clock.Now)
	locks := lockset.New()
	rec := &events.Recorder{}
	logger := zerolog.Nop()

	catalog := qod.NewCatalog(sim, 30*time.Second, time.Second, logger)
	manager := qod.NewManager(store.Devices(), sim, catalog, locks, rec, qod.Config{}, logger)
	manager.SetClock(clock)
	prober := probe.NewProber(store.Devices(), sim, locks, rec, probe.Config{}, logger)

	service := NewService(store.Devices(), manager, prober, locks, rec, Config{}, logger)
	return &fixture{service: service, sim: sim, clock: clock, events: rec}
}

func (f *fixture) create(t *testing.T, name, phone string) *storage.Device {
	t.Helper()
	device, err := f.service.CreateDevice(context.Background(), CreateRequest{Name: name, PhoneNumber: phone})
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	return device
}

func TestCreateDevice_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"valid", CreateRequest{Name: "Ambulance 1", PhoneNumber: "+34600000000"}, nil},
		{"empty name", CreateRequest{Name: "  ", PhoneNumber: "+34600000001"}, storage.ErrValidation},
		{"missing plus", CreateRequest{Name: "x", PhoneNumber: "34600000002"}, storage.ErrValidation},
		{"letters", CreateRequest{Name: "x", PhoneNumber: "+34ABC"}, storage.ErrValidation},
		{"plus only", CreateRequest{Name: "x", PhoneNumber: "+"}, storage.ErrValidation},
		{"too long", CreateRequest{Name: "x", PhoneNumber: "+1234567890123456"}, storage.ErrValidation},
		{"duplicate phone", CreateRequest{Name: "Other", PhoneNumber: "+34600000000"}, storage.ErrDuplicatePhoneNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.CreateDevice(context.Background(), tt.req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateDevice_Defaults(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")

	if device.ID == "" {
		t.Error("Expected an assigned id")
	}
	if !device.Active {
		t.Error("Expected devices to start active")
	}
	if device.LastKnownStatus != storage.StatusUnknown {
		t.Errorf("Expected unknown status, got %s", device.LastKnownStatus)
	}
	if device.LastLocation != nil || device.ActiveQoDSession != nil {
		t.Error("Expected no location and no session")
	}
}

func TestUpdateDevice(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")
	ctx := context.Background()

	name := "Ambulance 7"
	inactive := false
	updated, err := f.service.UpdateDevice(ctx, device.ID, UpdateRequest{Name: &name, Active: &inactive})
	if err != nil {
		t.Fatalf("UpdateDevice failed: %v", err)
	}
	if updated.Name != "Ambulance 7" || updated.Active {
		t.Errorf("Unexpected update result: %+v", updated)
	}

	same := "+34600000000"
	if _, err := f.service.UpdateDevice(ctx, device.ID, UpdateRequest{PhoneNumber: &same}); err != nil {
		t.Errorf("Expected unchanged phone number to be accepted, got %v", err)
	}

	other := "+34699999999"
	if _, err := f.service.UpdateDevice(ctx, device.ID, UpdateRequest{PhoneNumber: &other}); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected phone change to be rejected, got %v", err)
	}

	blank := ""
	if _, err := f.service.UpdateDevice(ctx, device.ID, UpdateRequest{Name: &blank}); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected empty name to be rejected, got %v", err)
	}

	if _, err := f.service.UpdateDevice(ctx, "ghost", UpdateRequest{Name: &name}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDevice_TerminatesActiveSession(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")
	ctx := context.Background()

	if _, err := f.service.CreateQoDSession(ctx, device.ID, SessionRequest{Profile: "DOWNLINK_S_UPLINK_S"}); err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}

	// The record must still exist when upstream is asked to terminate
	f.sim.OnCall(nac.OpTerminateSession, func(context.Context) {
		if _, err := f.service.devices.Get(ctx, device.ID); err != nil {
			t.Errorf("Device gone before upstream terminate: %v", err)
		}
	})

	if err := f.service.DeleteDevice(ctx, device.ID); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}

	if got := f.sim.Calls(nac.OpTerminateSession); got != 1 {
		t.Errorf("Expected exactly one upstream terminate, got %d", got)
	}
	if got := len(f.sim.ActiveSessions()); got != 0 {
		t.Errorf("Expected no orphaned upstream sessions, got %d", got)
	}

	list, err := f.service.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	for _, d := range list {
		if d.ID == device.ID {
			t.Error("Deleted device still listed")
		}
	}
	if _, err := f.service.GetDevice(ctx, device.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if f.events.Count(events.DeviceDeleted) != 1 {
		t.Error("Expected a device deleted event")
	}
}

func TestDeleteDevice_UnreachableKeepsDevice(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")
	ctx := context.Background()

	if _, err := f.service.CreateQoDSession(ctx, device.ID, SessionRequest{Profile: "DOWNLINK_S_UPLINK_S"}); err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}

	f.sim.FailNext(nac.OpTerminateSession, nac.ErrUnreachable)
	if err := f.service.DeleteDevice(ctx, device.ID); !errors.Is(err, nac.ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}

	kept, err := f.service.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("Expected device to survive, got %v", err)
	}
	if kept.ActiveQoDSession == nil {
		t.Error("Expected session to survive a failed delete")
	}
}

func TestDeleteDevice_NotFound(t *testing.T) {
	f := newFixture(t)

	if err := f.service.DeleteDevice(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateQoDSession_DefaultDuration(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")

	session, err := f.service.CreateQoDSession(context.Background(), device.ID, SessionRequest{Profile: "DOWNLINK_M_UPLINK_S"})
	if err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}
	if session.DurationSeconds != 3600 {
		t.Errorf("Expected default 3600s, got %d", session.DurationSeconds)
	}
}

func TestCreateQoDSession_ExplicitShortDurationRejected(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")

	zero := 0
	_, err := f.service.CreateQoDSession(context.Background(), device.ID, SessionRequest{Profile: "DOWNLINK_M_UPLINK_S", DurationSeconds: &zero})
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if got := f.sim.Calls(nac.OpListProfiles) + f.sim.Calls(nac.OpCreateSession); got != 0 {
		t.Errorf("Validation must precede upstream calls, got %d calls", got)
	}
}

func TestListDevices_HidesExpiredSessions(t *testing.T) {
	f := newFixture(t)
	device := f.create(t, "Ambulance 1", "+34600000000")
	ctx := context.Background()

	sixty := 60
	if _, err := f.service.CreateQoDSession(ctx, device.ID, SessionRequest{Profile: "DOWNLINK_S_UPLINK_S", DurationSeconds: &sixty}); err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}

	f.clock.Advance(time.Minute)

	list, err := f.service.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(list))
	}
	if list[0].ActiveQoDSession != nil {
		t.Error("Expected expired session hidden from listing")
	}

	session, err := f.service.GetQoDSession(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetQoDSession failed: %v", err)
	}
	if session != nil {
		t.Errorf("Expected no session, got %+v", session)
	}
}

func TestScenario_PhoneA(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "A", "+34600000000")
	ctx := context.Background()

	hour := 3600
	s1, err := f.service.CreateQoDSession(ctx, a.ID, SessionRequest{Profile: "DOWNLINK_XL_UPLINK_L", DurationSeconds: &hour})
	if err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}

	got, err := f.service.GetDevice(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.ActiveQoDSession == nil || got.ActiveQoDSession.ID != s1.ID {
		t.Fatalf("Expected A.activeQoDSession == S1, got %+v", got.ActiveQoDSession)
	}

	if _, err := f.service.CreateQoDSession(ctx, a.ID, SessionRequest{Profile: "DOWNLINK_XL_UPLINK_L", DurationSeconds: &hour}); !errors.Is(err, qod.ErrSessionAlreadyActive) {
		t.Fatalf("Expected ErrSessionAlreadyActive, got %v", err)
	}

	if err := f.service.DeleteQoDSession(ctx, a.ID); err != nil {
		t.Fatalf("DeleteQoDSession failed: %v", err)
	}
	got, _ = f.service.GetDevice(ctx, a.ID)
	if got.ActiveQoDSession != nil {
		t.Fatal("Expected A.activeQoDSession == none")
	}

	if err := f.service.DeleteQoDSession(ctx, a.ID); err != nil {
		t.Fatalf("Second DeleteQoDSession failed: %v", err)
	}
}

func TestGetLocation_Unavailable(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "A", "+34600000000")
	ctx := context.Background()

	f.sim.SetLocation("+34600000000", storage.Location{Latitude: 41.4, Longitude: 2.2})
	if _, err := f.service.GetLocation(ctx, a.ID, 0); err != nil {
		t.Fatalf("GetLocation failed: %v", err)
	}

	f.sim.SetNoFix("+34600000000")
	result, err := f.service.GetLocation(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("GetLocation failed: %v", err)
	}
	if !result.Unavailable {
		t.Error("Expected unavailable result")
	}

	device, _ := f.service.GetDevice(ctx, a.ID)
	if device.LastLocation == nil || device.LastLocation.Latitude != 41.4 {
		t.Errorf("Expected previous location preserved, got %+v", device.LastLocation)
	}
}
