package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

func newCoordinator(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func execute(t *testing.T, url string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--url", url}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestGetStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upgrade", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"phase":"prepared","addons":["ha"]}`))
	})

	code, stdout, stderr := execute(t, newCoordinator(t, mux), "get-status")

	assert.Equal(t, 0, code)
	assert.Empty(t, stderr)
	var status model.UpgradeStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &status))
	assert.Equal(t, model.PhasePrepared, status.Phase)
	assert.Equal(t, []string{"ha"}, status.Addons)
}

func TestExitCodes_BodylessRateLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upgrade/prepare", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	code, _, stderr := execute(t, newCoordinator(t, mux), "prepare")

	assert.Equal(t, 7, code)
	assert.Contains(t, stderr, string(errors.KindRateLimited))
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		path string
		kind errors.Kind
		want int
	}{
		{"precondition failed", []string{"upgrade-nodes"}, "/api/upgrade/nodes", errors.KindPreconditionFailed, 2},
		{"already in progress", []string{"prepare"}, "/api/upgrade/prepare", errors.KindAlreadyInProgress, 3},
		{"not found", []string{"set-restart-policy", "--cookbook", "pacemaker", "--disallow"}, "/api/restart_management/configuration", errors.KindNotFound, 4},
		{"invalid request", []string{"clear-restarts", "--node", "n1"}, "/api/restart_management/restarts", errors.KindInvalidRequest, 6},
		{"internal", []string{"finalize"}, "/api/upgrade/finalize", errors.KindInternal, 1},
		{"rate limited", []string{"cancel"}, "/api/upgrade/cancel", errors.KindRateLimited, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eh := errors.NewHandler(zap.NewNop())
			mux := http.NewServeMux()
			mux.HandleFunc(tt.path, func(w http.ResponseWriter, r *http.Request) {
				eh.WriteErrorResponse(w, errors.ErrorResponse{ErrorCode: tt.kind, Message: "rejected"})
			})

			code, stdout, stderr := execute(t, newCoordinator(t, mux), tt.args...)

			assert.Equal(t, tt.want, code)
			assert.Empty(t, stdout)
			assert.Contains(t, stderr, "rejected")
			assert.Contains(t, stderr, string(tt.kind))
		})
	}
}

func TestRemoteExecutionFailureListsNodes(t *testing.T) {
	eh := errors.NewHandler(zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upgrade/services", func(w http.ResponseWriter, r *http.Request) {
		eh.HandleError(w, r, errors.RemoteExecutionFailed("stop_services", []errors.NodeFailure{
			{Node: "n2.example.com", ExitCode: 1, Stderr: "unit not loaded"},
			{Node: "n1.example.com", Error: "connection refused"},
		}))
	})

	code, _, stderr := execute(t, newCoordinator(t, mux), "stop-services")

	assert.Equal(t, 5, code)
	assert.Contains(t, stderr, "n1.example.com: connection refused")
	assert.Contains(t, stderr, "n2.example.com: exit 1: unit not loaded")
}

func TestClearRestartsSendsScope(t *testing.T) {
	var got model.ClearRestartsRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/restart_management/restarts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"ok"}`))
	})

	code, stdout, _ := execute(t, newCoordinator(t, mux),
		"clear-restarts", "--node", "controller1", "--cookbook", "nova", "--service", "openstack-nova-api")

	assert.Equal(t, 0, code)
	assert.JSONEq(t, `{"status":"ok"}`, stdout)
	assert.Equal(t, model.ClearRestartsRequest{Node: "controller1", Cookbook: "nova", Service: "openstack-nova-api"}, got)
}

func TestSetRestartPolicy(t *testing.T) {
	var got model.SetPolicyRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/restart_management/configuration", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"nova":false}`))
	})

	code, stdout, _ := execute(t, newCoordinator(t, mux), "set-restart-policy", "--cookbook", "nova", "--disallow=false")

	assert.Equal(t, 0, code)
	assert.JSONEq(t, `{"nova":false}`, stdout)
	assert.Equal(t, "nova", got.Cookbook)
	require.NotNil(t, got.Disallow)
	assert.False(t, *got.Disallow)
}

func TestUsageErrors(t *testing.T) {
	url := newCoordinator(t, http.NewServeMux())

	for _, args := range [][]string{
		{"clear-restarts"},
		{"set-restart-policy", "--cookbook", "nova"},
		{"get-status", "extra"},
		{"bogus"},
	} {
		code, _, stderr := execute(t, url, args...)
		assert.Equal(t, 6, code, args)
		assert.Contains(t, stderr, string(errors.KindInvalidRequest), args)
	}
}

func TestUnreachableCoordinator(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()

	code, _, stderr := execute(t, url, "get-status")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "request to coordinator failed")
}
