package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// MockUpgradeOperator is a mock implementation of UpgradeOperator
type MockUpgradeOperator struct {
	mock.Mock
}

func (m *MockUpgradeOperator) Status(ctx context.Context) (*model.UpgradeStatus, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*model.UpgradeStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUpgradeOperator) Prechecks(ctx context.Context) (*model.PrecheckReport, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*model.PrecheckReport), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUpgradeOperator) state(args mock.Arguments) (*model.UpgradeState, error) {
	if s := args.Get(0); s != nil {
		return s.(*model.UpgradeState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUpgradeOperator) Prepare(ctx context.Context) (*model.UpgradeState, error) {
	return m.state(m.Called(ctx))
}

func (m *MockUpgradeOperator) StopServices(ctx context.Context) (*model.UpgradeState, error) {
	return m.state(m.Called(ctx))
}

func (m *MockUpgradeOperator) UpgradeNodes(ctx context.Context) (*model.UpgradeState, error) {
	return m.state(m.Called(ctx))
}

func (m *MockUpgradeOperator) Finalize(ctx context.Context) (*model.UpgradeState, error) {
	return m.state(m.Called(ctx))
}

func (m *MockUpgradeOperator) Cancel(ctx context.Context) (*model.UpgradeState, error) {
	return m.state(m.Called(ctx))
}

// MockRepoChecker is a mock implementation of RepoChecker
type MockRepoChecker struct {
	mock.Mock
}

func (m *MockRepoChecker) AdminRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(model.RepoCheckResult)
	return r, args.Error(1)
}

func (m *MockRepoChecker) NodeRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(model.RepoCheckResult)
	return r, args.Error(1)
}

// MockRestartManager is a mock implementation of RestartManager
type MockRestartManager struct {
	mock.Mock
}

func (m *MockRestartManager) ListRestarts(ctx context.Context) (map[string]model.RestartEntry, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(map[string]model.RestartEntry)
	return r, args.Error(1)
}

func (m *MockRestartManager) ClearRestarts(ctx context.Context, req model.ClearRestartsRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockRestartManager) GetPolicy(ctx context.Context) (model.RestartPolicy, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(model.RestartPolicy)
	return p, args.Error(1)
}

func (m *MockRestartManager) SetPolicy(ctx context.Context, cookbook string, disallow bool) (model.RestartPolicy, error) {
	args := m.Called(ctx, cookbook, disallow)
	p, _ := args.Get(0).(model.RestartPolicy)
	return p, args.Error(1)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func newUpgradeHandler() (*UpgradeHandler, *MockUpgradeOperator, *MockRepoChecker) {
	upgrade := new(MockUpgradeOperator)
	repos := new(MockRepoChecker)
	logger := zap.NewNop()
	return NewUpgradeHandler(upgrade, repos, errors.NewHandler(logger), logger), upgrade, repos
}

func TestUpgradeHandler_Status(t *testing.T) {
	h, upgrade, _ := newUpgradeHandler()
	upgrade.On("Status", mock.Anything).Return(&model.UpgradeStatus{
		Phase:              model.PhaseIdle,
		Addons:             []string{"ceph"},
		MaintenanceUpdates: map[string]string{},
		NetworkChecks:      []string{},
	}, nil)

	w := httptest.NewRecorder()
	h.Status(w, httptest.NewRequest(http.MethodGet, "/api/upgrade", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var status model.UpgradeStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, model.PhaseIdle, status.Phase)
	assert.Equal(t, []string{"ceph"}, status.Addons)
}

func TestUpgradeHandler_TransitionErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   errors.Kind
	}{
		{"phase mismatch", errors.PhaseMismatch("upgrade_nodes", "idle", "services_stopped"), http.StatusUnprocessableEntity, errors.KindPreconditionFailed},
		{"lock held", errors.AlreadyInProgress("upgrade_nodes"), http.StatusConflict, errors.KindAlreadyInProgress},
		{"node failed", errors.RemoteExecutionFailed("upgrade_nodes", []errors.NodeFailure{{Node: "n2.example.com", ExitCode: 1}}), http.StatusUnprocessableEntity, errors.KindRemoteExecutionFailed},
		{"store down", errors.InternalError("failed to load upgrade state", nil), http.StatusInternalServerError, errors.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, upgrade, _ := newUpgradeHandler()
			upgrade.On("UpgradeNodes", mock.Anything).Return(nil, tt.err)

			w := httptest.NewRecorder()
			h.UpgradeNodes(w, httptest.NewRequest(http.MethodPost, "/api/upgrade/nodes", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).ErrorCode)
		})
	}
}

func TestUpgradeHandler_RemoteFailureCarriesNodes(t *testing.T) {
	h, upgrade, _ := newUpgradeHandler()
	upgrade.On("StopServices", mock.Anything).Return(nil, errors.RemoteExecutionFailed("stop_services",
		[]errors.NodeFailure{{Node: "n2.example.com", ExitCode: 1, Stderr: "Failed to stop"}}))

	w := httptest.NewRecorder()
	h.StopServices(w, httptest.NewRequest(http.MethodPost, "/api/upgrade/services", nil))

	resp := decodeError(t, w)
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "n2.example.com", resp.Nodes[0].Node)
	assert.Equal(t, "Failed to stop", resp.Nodes[0].Stderr)
}

func TestUpgradeHandler_CancelFailureMessageVerbatim(t *testing.T) {
	h, upgrade, _ := newUpgradeHandler()
	upgrade.On("Cancel", mock.Anything).Return(nil, errors.New(errors.KindRemoteExecutionFailed, "Some Error", nil))

	w := httptest.NewRecorder()
	h.Cancel(w, httptest.NewRequest(http.MethodPost, "/api/upgrade/cancel", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "Some Error", decodeError(t, w).Message)
}

func TestUpgradeHandler_Finalize(t *testing.T) {
	h, upgrade, _ := newUpgradeHandler()
	upgrade.On("Finalize", mock.Anything).Return(&model.UpgradeState{Phase: model.PhaseDone, Addons: []string{}}, nil)

	w := httptest.NewRecorder()
	h.Finalize(w, httptest.NewRequest(http.MethodPost, "/api/upgrade/finalize", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var state model.UpgradeState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, model.PhaseDone, state.Phase)
}

func TestUpgradeHandler_NodeRepoCheck(t *testing.T) {
	h, _, repos := newUpgradeHandler()
	repos.On("NodeRepoCheck", mock.Anything).Return(model.RepoCheckResult{
		model.FeatureOS:        {Available: true, Repos: map[string]model.RepoDetail{}},
		model.FeatureOpenStack: {Available: true, Repos: map[string]model.RepoDetail{}},
	}, nil)

	w := httptest.NewRecorder()
	h.NodeRepoCheck(w, httptest.NewRequest(http.MethodGet, "/api/upgrade/noderepocheck", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"os":{"available":true,"repos":{}},"openstack":{"available":true,"repos":{}}}`, w.Body.String())
}

func newRestartHandler() (*RestartHandler, *MockRestartManager) {
	restarts := new(MockRestartManager)
	logger := zap.NewNop()
	return NewRestartHandler(restarts, errors.NewHandler(logger), logger), restarts
}

func TestRestartHandler_ListRestarts(t *testing.T) {
	h, restarts := newRestartHandler()
	restarts.On("ListRestarts", mock.Anything).Return(map[string]model.RestartEntry{
		"n1.example.com": {Alias: "controller1", Cookbooks: map[string]map[string]string{"nova": {"nova-api": ""}}},
	}, nil)

	w := httptest.NewRecorder()
	h.ListRestarts(w, httptest.NewRequest(http.MethodGet, "/api/restart_management/restarts", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"n1.example.com":{"alias":"controller1","nova":{"nova-api":true}}}`, w.Body.String())
}

func TestRestartHandler_ClearRestarts(t *testing.T) {
	t.Run("form parameters", func(t *testing.T) {
		h, restarts := newRestartHandler()
		want := model.ClearRestartsRequest{Node: "n1.example.com", Cookbook: "storage", Service: "api"}
		restarts.On("ClearRestarts", mock.Anything, want).Return(nil)

		form := url.Values{"node": {"n1.example.com"}, "cookbook": {"storage"}, "service": {"api"}}
		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/restarts", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		h.ClearRestarts(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		restarts.AssertExpectations(t)
	})

	t.Run("json body", func(t *testing.T) {
		h, restarts := newRestartHandler()
		want := model.ClearRestartsRequest{Node: "controller1"}
		restarts.On("ClearRestarts", mock.Anything, want).Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/restarts", strings.NewReader(`{"node":"controller1"}`))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		w := httptest.NewRecorder()
		h.ClearRestarts(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		restarts.AssertExpectations(t)
	})

	t.Run("unmanaged cookbook", func(t *testing.T) {
		h, restarts := newRestartHandler()
		restarts.On("ClearRestarts", mock.Anything, mock.Anything).Return(errors.CookbookNotManaged("pacemaker"))

		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/restarts", strings.NewReader(`{"node":"n1.example.com","cookbook":"pacemaker"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ClearRestarts(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, errors.KindNotFound, decodeError(t, w).ErrorCode)
	})

	t.Run("malformed json", func(t *testing.T) {
		h, restarts := newRestartHandler()

		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/restarts", strings.NewReader(`{"node":`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ClearRestarts(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		restarts.AssertNotCalled(t, "ClearRestarts", mock.Anything, mock.Anything)
	})
}

func TestRestartHandler_SetPolicy(t *testing.T) {
	t.Run("form parameters", func(t *testing.T) {
		h, restarts := newRestartHandler()
		restarts.On("SetPolicy", mock.Anything, "nova", true).Return(model.RestartPolicy{"nova": true}, nil)

		form := url.Values{"cookbook": {"nova"}, "disallow_restart": {"true"}}
		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/configuration", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		h.SetPolicy(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"nova":true}`, w.Body.String())
	})

	t.Run("json body", func(t *testing.T) {
		h, restarts := newRestartHandler()
		restarts.On("SetPolicy", mock.Anything, "storage", false).Return(model.RestartPolicy{"storage": false}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/restart_management/configuration",
			strings.NewReader(`{"cookbook":"storage","disallow_restart":false}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.SetPolicy(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		restarts.AssertExpectations(t)
	})

	invalid := []struct {
		name string
		form url.Values
	}{
		{"missing cookbook", url.Values{"disallow_restart": {"true"}}},
		{"missing flag", url.Values{"cookbook": {"nova"}}},
		{"non boolean flag", url.Values{"cookbook": {"nova"}, "disallow_restart": {"maybe"}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			h, restarts := newRestartHandler()

			req := httptest.NewRequest(http.MethodPost, "/api/restart_management/configuration", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			h.SetPolicy(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, errors.KindInvalidRequest, decodeError(t, w).ErrorCode)
			restarts.AssertNotCalled(t, "SetPolicy", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRestartHandler_GetPolicy(t *testing.T) {
	h, restarts := newRestartHandler()
	restarts.On("GetPolicy", mock.Anything).Return(model.RestartPolicy{}, nil)

	w := httptest.NewRecorder()
	h.GetPolicy(w, httptest.NewRequest(http.MethodGet, "/api/restart_management/configuration", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}
