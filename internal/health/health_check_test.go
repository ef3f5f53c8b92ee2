package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

func TestHealthChecker_LivenessHandler(t *testing.T) {
	hc := NewHealthChecker(nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	hc.LivenessHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
}

func TestHealthChecker_ReadinessHandler(t *testing.T) {
	t.Run("all components healthy", func(t *testing.T) {
		hc := NewHealthChecker(map[string]Pinger{
			"node_directory": &fakePinger{},
			"state_store":    &fakePinger{},
		}, zap.NewNop())

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp HealthStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, map[string]string{"node_directory": "healthy", "state_store": "healthy"}, resp.Checks)
	})

	t.Run("component down", func(t *testing.T) {
		hc := NewHealthChecker(map[string]Pinger{
			"node_directory": &fakePinger{},
			"state_store":    &fakePinger{err: stderrors.New("connection refused")},
			"policy_store":   nil,
		}, zap.NewNop())

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "not_ready", resp.Status)
		assert.Equal(t, "unhealthy: connection refused", resp.Checks["state_store"])
		assert.NotContains(t, resp.Checks, "policy_store")
	})
}

func TestGRPCHealthServer(t *testing.T) {
	pinger := &fakePinger{}
	hc := NewHealthChecker(map[string]Pinger{"state_store": pinger}, zap.NewNop())
	srv := NewGRPCHealthServer(hc, time.Hour, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	pinger.err = stderrors.New("redis down")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Refresh(ctx))

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
