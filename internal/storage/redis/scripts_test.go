package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestCreateDeviceScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name     string
		deviceID string
		phone    string
		want     string
	}{
		{name: "first device", deviceID: "dev-1", phone: "+34600000000", want: "OK"},
		{name: "same phone", deviceID: "dev-2", phone: "+34600000000", want: "DUPLICATE_PHONE"},
		{name: "same id", deviceID: "dev-1", phone: "+34600000001", want: "DUPLICATE_ID"},
		{name: "second device", deviceID: "dev-3", phone: "+34600000002", want: "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := []string{"t:device:" + tt.deviceID, "t:phone:" + tt.phone, "t:devices"}

			got, err := client.Eval(ctx, createDeviceScript, keys,
				tt.deviceID, "id", tt.deviceID, "phone_number", tt.phone).Text()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	members, err := client.SMembers(ctx, "t:devices").Result()
	if err != nil {
		t.Fatalf("SMEMBERS failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 devices in set, got %v", members)
	}

	owner, err := client.Get(ctx, "t:phone:+34600000000").Result()
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if owner != "dev-1" {
		t.Errorf("Expected phone owned by dev-1, got %s", owner)
	}
}

func TestUpdateDeviceScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	// Missing device is reported, not created
	n, err := client.Eval(ctx, updateDeviceScript, []string{"t:device:ghost"}, 2, "name", "x").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 for missing device, got %d", n)
	}
	if mr.Exists("t:device:ghost") {
		t.Error("Update must not create a device")
	}

	mr.HSet("t:device:dev-1", "name", "old", "qod_session_id", "s-1", "qod_profile", "DOWNLINK_S_UPLINK_S")

	n, err = client.Eval(ctx, updateDeviceScript, []string{"t:device:dev-1"},
		2, "name", "new", "qod_session_id", "qod_profile").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1, got %d", n)
	}

	if got := mr.HGet("t:device:dev-1", "name"); got != "new" {
		t.Errorf("Expected name new, got %s", got)
	}
	if got := mr.HGet("t:device:dev-1", "qod_session_id"); got != "" {
		t.Errorf("Expected qod_session_id deleted, got %s", got)
	}
}

func TestDeleteDeviceScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	mr.HSet("t:device:dev-1", "id", "dev-1", "phone_number", "+34600000000")
	if err := mr.Set("t:phone:+34600000000", "dev-1"); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if _, err := mr.SAdd("t:devices", "dev-1"); err != nil {
		t.Fatalf("SADD failed: %v", err)
	}

	n, err := client.Eval(ctx, deleteDeviceScript, []string{"t:device:dev-1", "t:devices"}, "dev-1", "t:phone:").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1, got %d", n)
	}

	if mr.Exists("t:device:dev-1") || mr.Exists("t:phone:+34600000000") {
		t.Error("Expected device and phone index to be removed")
	}
	if ok, _ := mr.SIsMember("t:devices", "dev-1"); ok {
		t.Error("Expected dev-1 removed from devices set")
	}

	n, err = client.Eval(ctx, deleteDeviceScript, []string{"t:device:dev-1", "t:devices"}, "dev-1", "t:phone:").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 for already deleted device, got %d", n)
	}
}
