// Package errors provides typed upgrade coordinator errors and their mapping
// to HTTP responses, gRPC codes and CLI exit codes.
package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode Kind                   `json:"error_code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Nodes     []NodeFailure          `json:"nodes,omitempty"`
}

// Handler provides error handling functionality.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	ue, ok := As(err)
	if !ok {
		h.WriteErrorResponse(w, ErrorResponse{
			ErrorCode: KindInternal,
			Message:   err.Error(),
			RequestID: requestID,
		})
		return
	}

	if ue.Kind == KindInternal && ue.Cause != nil {
		h.logger.Error("Internal error",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(ue.Cause))
	}

	resp := ErrorResponse{
		ErrorCode: ue.Kind,
		Message:   ue.Error(),
		RequestID: requestID,
		Nodes:     ue.Nodes,
	}
	if len(ue.Details) > 0 {
		resp.Details = ue.Details
	}
	h.WriteErrorResponse(w, resp)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, resp ErrorResponse) {
	statusCode := resp.ErrorCode.HTTPStatus()
	resp.Status = "error"

	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
