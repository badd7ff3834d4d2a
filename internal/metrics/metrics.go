package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Activity metrics
	WorkMinutesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worthier_work_minutes_recorded_total",
			Help: "Total working minutes recorded in the ledger",
		},
	)

	ExtendedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worthier_extended_sessions_total",
			Help: "Total extended focus sessions",
		},
	)

	// Timer metrics
	WorkSessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worthier_work_sessions_started_total",
			Help: "Total work sessions started",
		},
	)

	BreakPrompts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worthier_break_prompts_total",
			Help: "Break-choice prompts by resolution",
		},
		[]string{"choice"},
	)

	// Notification metrics
	NotificationsAllowed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worthier_notifications_allowed_total",
			Help: "Notification permission checks that allowed interruption",
		},
	)

	NotificationsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worthier_notifications_suppressed_total",
			Help: "Notification permission checks suppressed, by reason",
		},
		[]string{"reason"},
	)

	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worthier_probe_failures_total",
			Help: "Environment probe failures, by check",
		},
		[]string{"check"},
	)

	// Sync metrics
	SyncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worthier_sync_cycles_total",
			Help: "Sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	SyncPayloadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worthier_sync_payload_bytes",
			Help:    "Serialized sync payload size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		WorkMinutesRecorded,
		ExtendedSessions,
		WorkSessionsStarted,
		BreakPrompts,
		NotificationsAllowed,
		NotificationsSuppressed,
		ProbeFailures,
		SyncCycles,
		SyncPayloadBytes,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
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

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
