package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/qodfleet/internal/api"
	"github.com/goodtune/qodfleet/internal/config"
	"github.com/goodtune/qodfleet/internal/device"
	"github.com/goodtune/qodfleet/internal/events"
	"github.com/goodtune/qodfleet/internal/lockset"
	"github.com/goodtune/qodfleet/internal/metrics"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/poller"
	"github.com/goodtune/qodfleet/internal/probe"
	"github.com/goodtune/qodfleet/internal/qod"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/goodtune/qodfleet/internal/storage/bolt"
	"github.com/goodtune/qodfleet/internal/storage/memory"
	"github.com/goodtune/qodfleet/internal/storage/redis"
	"github.com/goodtune/qodfleet/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start qodfleet server",
	Long:  `Start the qodfleet REST API, background refresh scheduler, and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting qodfleet")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Initialize network-exposure client
	client, err := openClient(cfg.NAC, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize network-exposure client: %w", err)
	}

	logger.Info().
		Str("mode", cfg.NAC.Mode).
		Str("base_url", cfg.NAC.BaseURL).
		Msg("Network-exposure client initialized")

	// Initialize event publisher
	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		natsPublisher, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = natsPublisher
		logger.Info().
			Str("url", cfg.Events.NATSURL).
			Str("subject_prefix", cfg.Events.SubjectPrefix).
			Msg("Event publishing enabled")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close event publisher")
		}
	}()

	upstreamTimeout := config.ParseDuration(cfg.QoD.UpstreamTimeout, qod.DefaultUpstreamTimeout)
	locks := lockset.New()

	catalog := qod.NewCatalog(
		client,
		config.ParseDuration(cfg.QoD.ProfileCacheTTL, 30*time.Second),
		upstreamTimeout,
		logger,
	)

	manager := qod.NewManager(store.Devices(), client, catalog, locks, publisher, qod.Config{
		MinDuration:       config.ParseDuration(cfg.QoD.MinDuration, qod.MinDurationSeconds*time.Second),
		UpstreamTimeout:   upstreamTimeout,
		TerminateOnExpiry: cfg.QoD.TerminateOnExpiry,
	}, logger)

	prober := probe.NewProber(store.Devices(), client, locks, publisher, probe.Config{
		LocationMaxAge:  config.ParseDuration(cfg.NAC.LocationMaxAge, probe.DefaultLocationMaxAge),
		UpstreamTimeout: upstreamTimeout,
	}, logger)

	service := device.NewService(store.Devices(), manager, prober, locks, publisher, device.Config{
		DefaultDuration: config.ParseDuration(cfg.QoD.DefaultDuration, device.DefaultSessionDuration),
	}, logger)

	logger.Info().Msg("Device service initialized")

	// Initialize background scheduler
	var scheduler *poller.Scheduler
	if cfg.Poller.Enabled {
		scheduler = poller.NewScheduler(store.Devices(), prober, manager, poller.Config{
			StatusInterval:   config.ParseDuration(cfg.Poller.StatusInterval, time.Minute),
			LocationInterval: config.ParseDuration(cfg.Poller.LocationInterval, 5*time.Minute),
			SweepInterval:    config.ParseDuration(cfg.Poller.SweepInterval, 30*time.Second),
			ActiveOnly:       cfg.Poller.ActiveOnly,
		}, logger)
		scheduler.Start()
		logger.Info().Msg("Refresh scheduler started")
	}

	health := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("network-exposure API: %w", err)
		}
		return nil
	}

	// Initialize API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:   apiAddr,
		ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 45*time.Second),

		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, service, health, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, func() error {
		return health(context.Background())
	}, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Msg("qodfleet startup complete")
	logger.Info().Msgf("API: http://%s/api/devices", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, dropping cached QoD profile catalog")
			catalog.Invalidate()
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("qodfleet stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Bolt.Path)
	case "memory":
		return memory.Open(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be redis, bolt or memory)", storageType)
	}
}

func openClient(cfg config.NACConfig, logger zerolog.Logger) (nac.Client, error) {
	switch cfg.Mode {
	case "", "http":
		return nac.NewHTTPClient(nac.HTTPConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   config.ParseDuration(cfg.Timeout, 10*time.Second),
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}, logger)
	case "simulator":
		logger.Warn().Msg("Using the built-in network-exposure simulator; no real network is contacted")
		return nac.NewSimulator(), nil
	default:
		return nil, errors.New("unsupported nac mode: " + cfg.Mode)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
