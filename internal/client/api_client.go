package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
)

// APIClient talks to the coordinator's operator HTTP API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client. A zero timeout waits forever, which
// long fan-out operations such as upgrade_nodes may need.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status returns the upgrade status
func (c *APIClient) Status(ctx context.Context) (*model.UpgradeStatus, error) {
	var status model.UpgradeStatus
	if err := c.do(ctx, http.MethodGet, "/api/upgrade", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Prechecks runs the upgrade prechecks
func (c *APIClient) Prechecks(ctx context.Context) (*model.PrecheckReport, error) {
	var report model.PrecheckReport
	if err := c.do(ctx, http.MethodGet, "/api/upgrade/prechecks", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Prepare starts the upgrade
func (c *APIClient) Prepare(ctx context.Context) (*model.UpgradeState, error) {
	return c.transition(ctx, "/api/upgrade/prepare")
}

// StopServices stops the upgrade-affected services on every node
func (c *APIClient) StopServices(ctx context.Context) (*model.UpgradeState, error) {
	return c.transition(ctx, "/api/upgrade/services")
}

// UpgradeNodes upgrades every node
func (c *APIClient) UpgradeNodes(ctx context.Context) (*model.UpgradeState, error) {
	return c.transition(ctx, "/api/upgrade/nodes")
}

// Finalize completes the upgrade
func (c *APIClient) Finalize(ctx context.Context) (*model.UpgradeState, error) {
	return c.transition(ctx, "/api/upgrade/finalize")
}

// Cancel reverts the upgrade
func (c *APIClient) Cancel(ctx context.Context) (*model.UpgradeState, error) {
	return c.transition(ctx, "/api/upgrade/cancel")
}

func (c *APIClient) transition(ctx context.Context, path string) (*model.UpgradeState, error) {
	var state model.UpgradeState
	if err := c.do(ctx, http.MethodPost, path, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// AdminRepoCheck checks the admin node repositories
func (c *APIClient) AdminRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	var result model.RepoCheckResult
	if err := c.do(ctx, http.MethodGet, "/api/upgrade/adminrepocheck", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// NodeRepoCheck checks the repositories the nodes need
func (c *APIClient) NodeRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	var result model.RepoCheckResult
	if err := c.do(ctx, http.MethodGet, "/api/upgrade/noderepocheck", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListRestarts returns the services needing a manual restart per node
func (c *APIClient) ListRestarts(ctx context.Context) (map[string]model.RestartEntry, error) {
	result := make(map[string]model.RestartEntry)
	if err := c.do(ctx, http.MethodGet, "/api/restart_management/restarts", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ClearRestarts clears restart flags
func (c *APIClient) ClearRestarts(ctx context.Context, req model.ClearRestartsRequest) error {
	return c.do(ctx, http.MethodPost, "/api/restart_management/restarts", req, nil)
}

// GetPolicy returns the restart policy
func (c *APIClient) GetPolicy(ctx context.Context) (model.RestartPolicy, error) {
	policy := make(model.RestartPolicy)
	if err := c.do(ctx, http.MethodGet, "/api/restart_management/configuration", nil, &policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// SetPolicy updates the restart policy of one cookbook
func (c *APIClient) SetPolicy(ctx context.Context, cookbook string, disallow bool) (model.RestartPolicy, error) {
	policy := make(model.RestartPolicy)
	req := model.SetPolicyRequest{Cookbook: cookbook, Disallow: &disallow}
	if err := c.do(ctx, http.MethodPost, "/api/restart_management/configuration", req, &policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.InvalidRequest(fmt.Sprintf("failed to encode request: %v", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.InvalidRequest(fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.InternalError("request to coordinator failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.InternalError("failed to read coordinator response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.InternalError("failed to decode coordinator response", err)
	}
	return nil
}

func decodeError(statusCode int, data []byte) error {
	var resp errors.ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ErrorCode == "" {
		return errors.New(errors.KindFromHTTPStatus(statusCode),
			fmt.Sprintf("coordinator returned %d: %s", statusCode, strings.TrimSpace(string(data))), nil)
	}

	e := errors.New(resp.ErrorCode, resp.Message, nil)
	e.Nodes = resp.Nodes
	for k, v := range resp.Details {
		e.WithDetail(k, v)
	}
	return e
}
