package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NAC     NACConfig     `mapstructure:"nac"`
	Storage StorageConfig `mapstructure:"storage"`
	QoD     QoDConfig     `mapstructure:"qod"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	APIPort      int    `mapstructure:"api_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`

	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS, empty disables
}

// NACConfig defines how the network-exposure API is reached
type NACConfig struct {
	Mode      string  `mapstructure:"mode"`     // "http" or "simulator"
	BaseURL   string  `mapstructure:"base_url"` // e.g. http://nokia-nac:5002
	APIKey    string  `mapstructure:"api_key"`
	Timeout   string  `mapstructure:"timeout"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second, 0 disables pacing
	RateBurst int     `mapstructure:"rate_burst"`

	LocationMaxAge string `mapstructure:"location_max_age"` // oldest fix upstream may answer with
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis", "bolt" or "memory"
	Redis RedisConfig `mapstructure:"redis"`
	Bolt  BoltConfig  `mapstructure:"bolt"`
}

// BoltConfig defines the single-node file store
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// QoDConfig defines session lifecycle settings
type QoDConfig struct {
	DefaultDuration   string `mapstructure:"default_duration"`
	MinDuration       string `mapstructure:"min_duration"`
	ProfileCacheTTL   string `mapstructure:"profile_cache_ttl"`
	UpstreamTimeout   string `mapstructure:"upstream_timeout"`
	TerminateOnExpiry bool   `mapstructure:"terminate_on_expiry"` // best-effort upstream cleanup on expiry
}

// PollerConfig defines background refresh settings
type PollerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	StatusInterval   string `mapstructure:"status_interval"`
	LocationInterval string `mapstructure:"location_interval"`
	SweepInterval    string `mapstructure:"sweep_interval"`
	ActiveOnly       bool   `mapstructure:"active_only"`
}

// EventsConfig defines lifecycle event publishing
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"` // empty disables publishing
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("QODFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.allowed_origins", []string{})

	// Network-exposure API defaults
	v.SetDefault("nac.mode", "http")
	v.SetDefault("nac.base_url", "http://nokia-nac:5002")
	v.SetDefault("nac.api_key", "")
	v.SetDefault("nac.timeout", "10s")
	v.SetDefault("nac.rate_limit", 10.0)
	v.SetDefault("nac.rate_burst", 20)
	v.SetDefault("nac.location_max_age", "1h")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "qodfleet")
	v.SetDefault("storage.bolt.path", "/var/lib/qodfleet/qodfleet.db")

	// QoD defaults
	v.SetDefault("qod.default_duration", "1h")
	v.SetDefault("qod.min_duration", "60s")
	v.SetDefault("qod.profile_cache_ttl", "30s")
	v.SetDefault("qod.upstream_timeout", "30s")
	v.SetDefault("qod.terminate_on_expiry", false)

	// Poller defaults
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.status_interval", "1m")
	v.SetDefault("poller.location_interval", "5m")
	v.SetDefault("poller.sweep_interval", "30s")
	v.SetDefault("poller.active_only", true)

	// Events defaults
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "qodfleet")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.NAC.Mode {
	case "http":
		if cfg.NAC.BaseURL == "" {
			return fmt.Errorf("nac.base_url is required in http mode")
		}
	case "simulator":
	default:
		return fmt.Errorf("unsupported nac mode: %s (must be http or simulator)", cfg.NAC.Mode)
	}
	if cfg.NAC.RateLimit < 0 {
		return fmt.Errorf("nac.rate_limit must not be negative")
	}
	if maxAge, err := time.ParseDuration(cfg.NAC.LocationMaxAge); err != nil {
		return fmt.Errorf("invalid nac.location_max_age: %w", err)
	} else if maxAge <= 0 {
		return fmt.Errorf("nac.location_max_age must be positive, got %s", maxAge)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	switch cfg.Storage.Type {
	case "redis", "memory":
	case "bolt":
		if cfg.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required for bolt storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be redis, bolt or memory)", cfg.Storage.Type)
	}

	minDuration, err := time.ParseDuration(cfg.QoD.MinDuration)
	if err != nil {
		return fmt.Errorf("invalid qod.min_duration: %w", err)
	}
	if minDuration < time.Minute {
		return fmt.Errorf("qod.min_duration must be at least 60s, got %s", minDuration)
	}
	defaultDuration, err := time.ParseDuration(cfg.QoD.DefaultDuration)
	if err != nil {
		return fmt.Errorf("invalid qod.default_duration: %w", err)
	}
	if defaultDuration < minDuration {
		return fmt.Errorf("qod.default_duration (%s) is below qod.min_duration (%s)", defaultDuration, minDuration)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
