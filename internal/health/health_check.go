package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	components map[string]Pinger
	timeout    time.Duration
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Nil components are skipped.
func NewHealthChecker(components map[string]Pinger, logger *zap.Logger) *HealthChecker {
	filtered := make(map[string]Pinger, len(components))
	for name, p := range components {
		if p != nil {
			filtered[name] = p
		}
	}
	return &HealthChecker{
		components: filtered,
		timeout:    5 * time.Second,
		logger:     logger,
	}
}

// Check pings every component and reports per-component results
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.components[name].Ping(ctx); err != nil {
			h.logger.Error("Health check failed",
				zap.String("component", name),
				zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}
	return checks, allHealthy
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, allHealthy := h.Check(r.Context())

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// GRPCHealthServer serves the standard gRPC health service, mirroring the
// readiness of the HealthChecker
type GRPCHealthServer struct {
	checker  *HealthChecker
	health   *grpchealth.Server
	server   *grpc.Server
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewGRPCHealthServer creates a new gRPC health server
func NewGRPCHealthServer(checker *HealthChecker, interval time.Duration, logger *zap.Logger) *GRPCHealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCHealthServer{
		checker:  checker,
		health:   hs,
		server:   server,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Refresh runs the readiness checks once and publishes the result
func (s *GRPCHealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	_, ready := s.checker.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	return status
}

// Start serves on port and refreshes the serving status in the background.
// It blocks until the server stops.
func (s *GRPCHealthServer) Start(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *GRPCHealthServer) Serve(lis net.Listener) error {
	s.Refresh(context.Background())
	go s.backgroundCheck()

	s.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

func (s *GRPCHealthServer) backgroundCheck() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Refresh(context.Background())
		}
	}
}

// Stop marks the service as not serving and stops the server gracefully
func (s *GRPCHealthServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	s.health.Shutdown()
	s.server.GracefulStop()
}
