// Package metrics provides Prometheus metrics for the upgrade coordinator.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Upgrade metrics
	upgradePhase       *prometheus.GaugeVec
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec

	// Remote command metrics
	remoteCommandsTotal   *prometheus.CounterVec
	remoteCommandDuration *prometheus.HistogramVec

	// Restart tracking metrics
	restartFlagsSet     *prometheus.CounterVec
	restartFlagsCleared *prometheus.CounterVec

	repoChecksTotal *prometheus.CounterVec

	// HTTP metrics
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		upgradePhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "upgrade_phase",
				Help: "Current upgrade phase (1 for the active phase, 0 otherwise)",
			},
			[]string{"phase"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_transitions_total",
				Help: "Total number of phase-transitioning operations",
			},
			[]string{"operation", "result"},
		),
		transitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upgrade_transition_duration_seconds",
				Help:    "Duration of phase-transitioning operations",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"operation"},
		),
		remoteCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_remote_commands_total",
				Help: "Total number of remote commands run on nodes",
			},
			[]string{"action", "result"},
		),
		remoteCommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upgrade_remote_command_duration_seconds",
				Help:    "Duration of remote commands",
				Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"action"},
		),
		restartFlagsSet: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_restart_flags_set_total",
				Help: "Total number of service restart flags set",
			},
			[]string{"cookbook"},
		),
		restartFlagsCleared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_restart_flags_cleared_total",
				Help: "Total number of restart flag clear operations that changed a node",
			},
			[]string{"scope"},
		),
		repoChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_repo_checks_total",
				Help: "Total number of repository availability checks",
			},
			[]string{"feature", "available"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upgrade_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "upgrade_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
	}
}

// SetPhase marks phase as the active upgrade phase
func (m *Metrics) SetPhase(phase model.UpgradePhase) {
	for _, p := range []model.UpgradePhase{
		model.PhaseIdle, model.PhaseSanityOK, model.PhasePrepared,
		model.PhaseServicesStopped, model.PhaseNodesUpgraded, model.PhaseDone,
	} {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.upgradePhase.WithLabelValues(string(p)).Set(v)
	}
}

// RecordTransition records the outcome of a phase-transitioning operation
func (m *Metrics) RecordTransition(operation model.Operation, result string, duration time.Duration) {
	m.transitionsTotal.WithLabelValues(string(operation), result).Inc()
	m.transitionDuration.WithLabelValues(string(operation)).Observe(duration.Seconds())
}

// RecordRemoteCommand records a remote command run on a node
func (m *Metrics) RecordRemoteCommand(action string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.remoteCommandsTotal.WithLabelValues(action, result).Inc()
	m.remoteCommandDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRestartFlagsSet counts services flagged for manual restart
func (m *Metrics) RecordRestartFlagsSet(cookbook string, count int) {
	m.restartFlagsSet.WithLabelValues(cookbook).Add(float64(count))
}

// RecordRestartFlagsCleared counts a clear operation that modified a node
func (m *Metrics) RecordRestartFlagsCleared(scope string) {
	m.restartFlagsCleared.WithLabelValues(scope).Inc()
}

// RecordRepoCheck records a repository availability check
func (m *Metrics) RecordRepoCheck(feature model.Feature, available bool) {
	m.repoChecksTotal.WithLabelValues(string(feature), strconv.FormatBool(available)).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// MetricsMiddleware creates middleware that records HTTP metrics. Requests
// are labelled by route template so path parameters do not explode label
// cardinality.
func MetricsMiddleware(m *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if routeName != nil {
				if name := routeName(r); name != "" {
					path = name
				}
			}
			m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server serving gatherer
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
