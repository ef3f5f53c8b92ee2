// Package handler provides the operator HTTP API handlers.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// UpgradeOperator drives the cluster upgrade
type UpgradeOperator interface {
	Status(ctx context.Context) (*model.UpgradeStatus, error)
	Prechecks(ctx context.Context) (*model.PrecheckReport, error)
	Prepare(ctx context.Context) (*model.UpgradeState, error)
	StopServices(ctx context.Context) (*model.UpgradeState, error)
	UpgradeNodes(ctx context.Context) (*model.UpgradeState, error)
	Finalize(ctx context.Context) (*model.UpgradeState, error)
	Cancel(ctx context.Context) (*model.UpgradeState, error)
}

// RepoChecker reports repository availability
type RepoChecker interface {
	AdminRepoCheck(ctx context.Context) (model.RepoCheckResult, error)
	NodeRepoCheck(ctx context.Context) (model.RepoCheckResult, error)
}

// RestartManager tracks services awaiting a manual restart
type RestartManager interface {
	ListRestarts(ctx context.Context) (map[string]model.RestartEntry, error)
	ClearRestarts(ctx context.Context, req model.ClearRestartsRequest) error
	GetPolicy(ctx context.Context) (model.RestartPolicy, error)
	SetPolicy(ctx context.Context, cookbook string, disallow bool) (model.RestartPolicy, error)
}

// StatusResponse acknowledges an operation without a result body
type StatusResponse struct {
	Status string `json:"status"`
}

func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
