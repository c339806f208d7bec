package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Server.APIPort != 8080 || cfg.Server.MetricsPort != 9090 {
		t.Errorf("Unexpected ports: %d/%d", cfg.Server.APIPort, cfg.Server.MetricsPort)
	}
	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.KeyPrefix != "qodfleet" {
		t.Errorf("Unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.QoD.DefaultDuration != "1h" || cfg.QoD.MinDuration != "60s" {
		t.Errorf("Unexpected qod defaults: %+v", cfg.QoD)
	}
	if !cfg.Poller.Enabled || !cfg.Poller.ActiveOnly {
		t.Errorf("Unexpected poller defaults: %+v", cfg.Poller)
	}
	if cfg.NAC.LocationMaxAge != "1h" {
		t.Errorf("Expected location max age 1h, got %s", cfg.NAC.LocationMaxAge)
	}
	if cfg.Events.NATSURL != "" {
		t.Errorf("Expected event publishing disabled, got %s", cfg.Events.NATSURL)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("QODFLEET_NAC_MODE", "simulator")
	t.Setenv("QODFLEET_STORAGE_TYPE", "memory")

	cfg, err := Load(writeConfig(t, "nac:\n  mode: http\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NAC.Mode != "simulator" {
		t.Errorf("Expected env to override nac.mode, got %s", cfg.NAC.Mode)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected env to override storage.type, got %s", cfg.Storage.Type)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for a missing config file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad api port", "server:\n  api_port: 70000\n", "invalid API port"},
		{"bad nac mode", "nac:\n  mode: grpc\n", "unsupported nac mode"},
		{"missing base url", "nac:\n  base_url: \"\"\n", "nac.base_url is required"},
		{"negative rate", "nac:\n  rate_limit: -1\n", "rate_limit"},
		{"bad location max age", "nac:\n  location_max_age: old\n", "invalid nac.location_max_age"},
		{"zero location max age", "nac:\n  location_max_age: 0s\n", "location_max_age must be positive"},
		{"bad storage", "storage:\n  type: etcd\n", "unsupported storage type"},
		{"bolt without path", "storage:\n  type: bolt\n  bolt:\n    path: \"\"\n", "storage.bolt.path is required"},
		{"short minimum", "qod:\n  min_duration: 30s\n", "at least 60s"},
		{"default below minimum", "qod:\n  min_duration: 10m\n  default_duration: 5m\n", "below qod.min_duration"},
		{"unparseable duration", "qod:\n  default_duration: soon\n", "invalid qod.default_duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("90s", 0); got.Seconds() != 90 {
		t.Errorf("Expected 90s, got %s", got)
	}
	if got := ParseDuration("later", 42); got != 42 {
		t.Errorf("Expected fallback, got %s", got)
	}
}
