package nac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/qodfleet/internal/storage"
)

func TestSimulator_ProfileCatalog(t *testing.T) {
	sim := NewSimulator()

	profiles, err := sim.ListQoDProfiles(context.Background())
	if err != nil {
		t.Fatalf("ListQoDProfiles failed: %v", err)
	}
	if len(profiles) != 16 {
		t.Fatalf("Expected 16 profiles, got %d", len(profiles))
	}
	if profiles[0] != "DOWNLINK_S_UPLINK_S" || profiles[15] != "DOWNLINK_XL_UPLINK_XL" {
		t.Errorf("Unexpected catalog order: %v", profiles)
	}
}

func TestSimulator_SessionLifecycle(t *testing.T) {
	sim := NewSimulator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sim.SetClock(func() time.Time { return now })

	ctx := context.Background()

	grant, err := sim.CreateQoDSession(ctx, "+34600000000", "DOWNLINK_M_UPLINK_S", 60)
	if err != nil {
		t.Fatalf("CreateQoDSession failed: %v", err)
	}
	if !grant.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("Unexpected expiry %v", grant.ExpiresAt)
	}
	if got := sim.ActiveSessions(); len(got) != 1 || got[0] != grant.ID {
		t.Errorf("Expected one active session, got %v", got)
	}

	if _, err := sim.CreateQoDSession(ctx, "+34600000000", "DOWNLINK_XXL_UPLINK_S", 60); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown profile, got %v", err)
	}

	if err := sim.TerminateQoDSession(ctx, grant.ID); err != nil {
		t.Fatalf("TerminateQoDSession failed: %v", err)
	}
	if err := sim.TerminateQoDSession(ctx, grant.ID); err != nil {
		t.Errorf("Expected repeated terminate to succeed, got %v", err)
	}
	if got := sim.ActiveSessions(); len(got) != 0 {
		t.Errorf("Expected no active sessions, got %v", got)
	}
	if got := sim.Calls(OpTerminateSession); got != 2 {
		t.Errorf("Expected 2 terminate calls, got %d", got)
	}
}

func TestSimulator_FailNext(t *testing.T) {
	sim := NewSimulator()
	sim.FailNext(OpQueryStatus, ErrUnreachable)

	ctx := context.Background()
	if _, err := sim.QueryStatus(ctx, "+34600000000"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected queued ErrUnreachable, got %v", err)
	}

	sim.SetStatus("+34600000000", storage.StatusOffline)
	status, err := sim.QueryStatus(ctx, "+34600000000")
	if err != nil {
		t.Fatalf("Expected failure queue to drain, got %v", err)
	}
	if status != storage.StatusOffline {
		t.Errorf("Expected offline, got %s", status)
	}
}

func TestSimulator_Location(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	first, err := sim.QueryLocation(ctx, "+34600000000", 0)
	if err != nil {
		t.Fatalf("QueryLocation failed: %v", err)
	}
	second, err := sim.QueryLocation(ctx, "+34600000000", 0)
	if err != nil {
		t.Fatalf("QueryLocation failed: %v", err)
	}
	if first.Latitude != second.Latitude || first.Longitude != second.Longitude {
		t.Error("Expected a stable default position")
	}

	sim.SetNoFix("+34600000000")
	if _, err := sim.QueryLocation(ctx, "+34600000000", 0); !errors.Is(err, ErrNoLocationFix) {
		t.Errorf("Expected ErrNoLocationFix, got %v", err)
	}
}
