package handler

import (
	"context"
	"net/http"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// UpgradeHandler serves the /api/upgrade endpoints
type UpgradeHandler struct {
	upgrade      UpgradeOperator
	repos        RepoChecker
	errorHandler *errors.Handler
	logger       *zap.Logger
}

// NewUpgradeHandler creates a new upgrade handler
func NewUpgradeHandler(upgrade UpgradeOperator, repos RepoChecker, errorHandler *errors.Handler, logger *zap.Logger) *UpgradeHandler {
	return &UpgradeHandler{
		upgrade:      upgrade,
		repos:        repos,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Status handles GET /api/upgrade
func (h *UpgradeHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.upgrade.Status(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, status)
}

// Prechecks handles GET /api/upgrade/prechecks
func (h *UpgradeHandler) Prechecks(w http.ResponseWriter, r *http.Request) {
	report, err := h.upgrade.Prechecks(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, report)
}

// Prepare handles POST /api/upgrade/prepare
func (h *UpgradeHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.upgrade.Prepare)
}

// StopServices handles POST /api/upgrade/services
func (h *UpgradeHandler) StopServices(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.upgrade.StopServices)
}

// UpgradeNodes handles POST /api/upgrade/nodes
func (h *UpgradeHandler) UpgradeNodes(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.upgrade.UpgradeNodes)
}

// Finalize handles POST /api/upgrade/finalize
func (h *UpgradeHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.upgrade.Finalize)
}

// Cancel handles POST /api/upgrade/cancel
func (h *UpgradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.upgrade.Cancel)
}

func (h *UpgradeHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context) (*model.UpgradeState, error)) {
	state, err := op(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, state)
}

// AdminRepoCheck handles GET /api/upgrade/adminrepocheck
func (h *UpgradeHandler) AdminRepoCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.repos.AdminRepoCheck(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, result)
}

// NodeRepoCheck handles GET /api/upgrade/noderepocheck
func (h *UpgradeHandler) NodeRepoCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.repos.NodeRepoCheck(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, result)
}
