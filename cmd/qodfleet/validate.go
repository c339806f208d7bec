package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/qodfleet/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the qodfleet configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig())
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and reports keys no default covers
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns the set of keys that carry a default
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  read_timeout", cfg.Server.ReadTimeout, defaultCfg.Server.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Server.WriteTimeout, defaultCfg.Server.WriteTimeout, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)

	_, _ = cyan.Println("\n[nac]")
	dumpField("  mode", cfg.NAC.Mode, defaultCfg.NAC.Mode, yellow, green)
	dumpField("  base_url", cfg.NAC.BaseURL, defaultCfg.NAC.BaseURL, yellow, green)
	dumpField("  api_key", redactSecret(cfg.NAC.APIKey), redactSecret(defaultCfg.NAC.APIKey), yellow, green)
	dumpField("  timeout", cfg.NAC.Timeout, defaultCfg.NAC.Timeout, yellow, green)
	dumpField("  rate_limit", cfg.NAC.RateLimit, defaultCfg.NAC.RateLimit, yellow, green)
	dumpField("  rate_burst", cfg.NAC.RateBurst, defaultCfg.NAC.RateBurst, yellow, green)
	dumpField("  location_max_age", cfg.NAC.LocationMaxAge, defaultCfg.NAC.LocationMaxAge, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)
	_, _ = cyan.Println("  [storage.bolt]")
	dumpField("    path", cfg.Storage.Bolt.Path, defaultCfg.Storage.Bolt.Path, yellow, green)

	_, _ = cyan.Println("\n[qod]")
	dumpField("  default_duration", cfg.QoD.DefaultDuration, defaultCfg.QoD.DefaultDuration, yellow, green)
	dumpField("  min_duration", cfg.QoD.MinDuration, defaultCfg.QoD.MinDuration, yellow, green)
	dumpField("  profile_cache_ttl", cfg.QoD.ProfileCacheTTL, defaultCfg.QoD.ProfileCacheTTL, yellow, green)
	dumpField("  upstream_timeout", cfg.QoD.UpstreamTimeout, defaultCfg.QoD.UpstreamTimeout, yellow, green)
	dumpField("  terminate_on_expiry", cfg.QoD.TerminateOnExpiry, defaultCfg.QoD.TerminateOnExpiry, yellow, green)

	_, _ = cyan.Println("\n[poller]")
	dumpField("  enabled", cfg.Poller.Enabled, defaultCfg.Poller.Enabled, yellow, green)
	dumpField("  status_interval", cfg.Poller.StatusInterval, defaultCfg.Poller.StatusInterval, yellow, green)
	dumpField("  location_interval", cfg.Poller.LocationInterval, defaultCfg.Poller.LocationInterval, yellow, green)
	dumpField("  sweep_interval", cfg.Poller.SweepInterval, defaultCfg.Poller.SweepInterval, yellow, green)
	dumpField("  active_only", cfg.Poller.ActiveOnly, defaultCfg.Poller.ActiveOnly, yellow, green)

	_, _ = cyan.Println("\n[events]")
	dumpField("  nats_url", cfg.Events.NATSURL, defaultCfg.Events.NATSURL, yellow, green)
	dumpField("  subject_prefix", cfg.Events.SubjectPrefix, defaultCfg.Events.SubjectPrefix, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret hides non-empty credentials
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
