// Package api exposes the device fleet over a JSON REST interface.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/qodfleet/internal/device"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	service  *device.Service
	health   func(ctx context.Context) error
	server   *http.Server
	router   *mux.Router
	handler  http.Handler
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server. health backs GET /health; nil means
// always healthy.
func NewServer(cfg Config, service *device.Service, health func(ctx context.Context) error, logger zerolog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Long enough to outlast an upstream session create
		cfg.WriteTimeout = 45 * time.Second
	}

	s := &Server{
		config:  cfg,
		service: service,
		health:  health,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	// Preflight requests match no route, so CORS wraps the router itself
	s.handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		s.handler = CORSMiddleware(cfg.AllowedOrigins)(s.router)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	devices := NewDeviceHandler(s.service, s.logger)
	s.router.HandleFunc("/api/devices", devices.List).Methods("GET")
	s.router.HandleFunc("/api/devices", devices.Create).Methods("POST")
	s.router.HandleFunc("/api/devices/{id}", devices.Get).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}", devices.Update).Methods("PATCH", "PUT")
	s.router.HandleFunc("/api/devices/{id}", devices.Delete).Methods("DELETE")
	s.router.HandleFunc("/api/devices/{id}/status", devices.Status).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/location", devices.Location).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/location/verify", devices.VerifyLocation).Methods("POST")

	sessions := NewQoDHandler(s.service, s.logger)
	s.router.HandleFunc("/api/qod/profiles", sessions.Profiles).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/qod", sessions.Get).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/qod", sessions.Create).Methods("POST")
	s.router.HandleFunc("/api/devices/{id}/qod", sessions.Delete).Methods("DELETE")
}

// Handler returns the router wrapped in any server-wide middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
