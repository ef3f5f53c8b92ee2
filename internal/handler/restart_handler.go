package handler

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// RestartHandler serves the /api/restart_management endpoints. Requests are
// accepted as JSON bodies or as form parameters.
type RestartHandler struct {
	restarts     RestartManager
	errorHandler *errors.Handler
	logger       *zap.Logger
}

// NewRestartHandler creates a new restart management handler
func NewRestartHandler(restarts RestartManager, errorHandler *errors.Handler, logger *zap.Logger) *RestartHandler {
	return &RestartHandler{
		restarts:     restarts,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// ListRestarts handles GET /api/restart_management/restarts
func (h *RestartHandler) ListRestarts(w http.ResponseWriter, r *http.Request) {
	restarts, err := h.restarts.ListRestarts(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, restarts)
}

// ClearRestarts handles POST /api/restart_management/restarts
func (h *RestartHandler) ClearRestarts(w http.ResponseWriter, r *http.Request) {
	var req model.ClearRestartsRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorHandler.HandleError(w, r, errors.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.errorHandler.HandleError(w, r, errors.InvalidRequest(fmt.Sprintf("invalid form: %v", err)))
			return
		}
		req = model.ClearRestartsRequest{
			Node:     r.FormValue("node"),
			Cookbook: r.FormValue("cookbook"),
			Service:  r.FormValue("service"),
		}
	}

	if err := h.restarts.ClearRestarts(r.Context(), req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, StatusResponse{Status: "ok"})
}

// GetPolicy handles GET /api/restart_management/configuration
func (h *RestartHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.restarts.GetPolicy(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, policy)
}

// SetPolicy handles POST /api/restart_management/configuration
func (h *RestartHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	req, err := parseSetPolicy(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	policy, err := h.restarts.SetPolicy(r.Context(), req.Cookbook, *req.Disallow)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, policy)
}

func parseSetPolicy(r *http.Request) (model.SetPolicyRequest, error) {
	var req model.SetPolicyRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.InvalidRequest(fmt.Sprintf("invalid request body: %v", err))
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, errors.InvalidRequest(fmt.Sprintf("invalid form: %v", err))
		}
		req.Cookbook = r.FormValue("cookbook")
		if raw := r.FormValue("disallow_restart"); raw != "" {
			disallow, err := strconv.ParseBool(raw)
			if err != nil {
				return req, errors.InvalidRequest(fmt.Sprintf("disallow_restart must be a boolean, got %q", raw))
			}
			req.Disallow = &disallow
		}
	}

	if req.Cookbook == "" {
		return req, errors.InvalidRequest("cookbook is required")
	}
	if req.Disallow == nil {
		return req, errors.InvalidRequest("disallow_restart is required")
	}
	return req, nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
