package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/qodfleet/internal/storage"
)

func TestDeviceStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	devices := Open().Devices()

	if _, err := devices.Create(ctx, storage.Device{ID: "a", Name: "A", PhoneNumber: "+34600000000"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := devices.Create(ctx, storage.Device{ID: "b", Name: "B", PhoneNumber: "+34600000000"}); !errors.Is(err, storage.ErrDuplicatePhoneNumber) {
		t.Fatalf("Expected ErrDuplicatePhoneNumber, got %v", err)
	}

	if err := devices.SetActiveSession(ctx, "a", &storage.QoDSession{ID: "s", DeviceID: "a"}); err != nil {
		t.Fatalf("SetActiveSession failed: %v", err)
	}

	// Mutating a returned copy must not leak into the store
	got, err := devices.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.ActiveQoDSession.ID = "tampered"

	again, _ := devices.Get(ctx, "a")
	if again.ActiveQoDSession.ID != "s" {
		t.Errorf("Expected stored session id s, got %s", again.ActiveQoDSession.ID)
	}

	if err := devices.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := devices.GetByPhoneNumber(ctx, "+34600000000"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := devices.SetSnapshot(ctx, "a", storage.Snapshot{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for snapshot on deleted device, got %v", err)
	}
}
