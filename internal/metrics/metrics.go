package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Upstream network-exposure API metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_upstream_requests_total",
			Help: "Total calls made to the network-exposure API",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qodfleet_upstream_request_duration_seconds",
			Help:    "Network-exposure API call duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// QoD session metrics
	QoDSessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_qod_sessions_created_total",
			Help: "Total QoD sessions created",
		},
		[]string{"profile"},
	)

	QoDSessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_qod_sessions_ended_total",
			Help: "Total QoD sessions ended, by reason",
		},
		[]string{"reason"}, // terminated, expired
	)

	QoDSessionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_qod_session_rejections_total",
			Help: "QoD session requests refused locally",
		},
		[]string{"reason"},
	)

	// Profile catalog cache metrics
	ProfileCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qodfleet_profile_cache_hits_total",
			Help: "QoD profile catalog cache hits",
		},
	)

	ProfileCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qodfleet_profile_cache_misses_total",
			Help: "QoD profile catalog cache misses",
		},
	)

	// Telemetry refresh metrics
	ProbeRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_probe_refreshes_total",
			Help: "Device status/location refreshes",
		},
		[]string{"kind", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qodfleet_api_requests_total",
			Help: "Total REST API requests handled",
		},
		[]string{"route", "code"},
	)

	// Fleet gauges
	DevicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qodfleet_devices_registered",
			Help: "Number of registered devices at the last sweep",
		},
	)

	QoDSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qodfleet_qod_sessions_active",
			Help: "Number of active QoD sessions at the last sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		QoDSessionsCreated,
		QoDSessionsEnded,
		QoDSessionRejections,
		ProfileCacheHits,
		ProfileCacheMisses,
		ProbeRefreshesTotal,
		APIRequestsTotal,
		DevicesRegistered,
		QoDSessionsActive,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. health, when non-nil, backs the
// /health endpoint; a non-nil error reports 503.
func NewServer(addr string, health func() error, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
