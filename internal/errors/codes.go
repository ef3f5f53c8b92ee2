package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind is the stable classification of an upgrade coordinator failure
type Kind string

const (
	KindOK                    Kind = "OK"
	KindNotFound              Kind = "NOT_FOUND"
	KindPreconditionFailed    Kind = "PRECONDITION_FAILED"
	KindAlreadyInProgress     Kind = "ALREADY_IN_PROGRESS"
	KindRemoteExecutionFailed Kind = "REMOTE_EXECUTION_FAILED"
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindExperimentalDisabled  Kind = "EXPERIMENTAL_DISABLED"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindInternal              Kind = "INTERNAL_ERROR"
)

// NodeFailure carries the captured output of a node that failed a command
type NodeFailure struct {
	Node     string `json:"node"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UpgradeError represents a structured error with kind and context
type UpgradeError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Nodes   []NodeFailure
	Cause   error
}

// Error implements the error interface
func (e *UpgradeError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *UpgradeError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *UpgradeError) WithDetail(key string, value interface{}) *UpgradeError {
	e.Details[key] = value
	return e
}

// HTTPStatus maps a kind to an HTTP status code
func (k Kind) HTTPStatus() int {
	switch k {
	case KindOK:
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed, KindRemoteExecutionFailed:
		return http.StatusUnprocessableEntity
	case KindAlreadyInProgress:
		return http.StatusConflict
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindExperimentalDisabled:
		return http.StatusNotAcceptable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps a kind to the operator CLI process exit code
func (k Kind) ExitCode() int {
	switch k {
	case KindOK:
		return 0
	case KindPreconditionFailed:
		return 2
	case KindAlreadyInProgress:
		return 3
	case KindNotFound:
		return 4
	case KindRemoteExecutionFailed:
		return 5
	case KindInvalidRequest, KindExperimentalDisabled:
		return 6
	case KindRateLimited:
		return 7
	default:
		return 1
	}
}

// KindFromHTTPStatus recovers the kind of an error response lacking a body
func KindFromHTTPStatus(code int) Kind {
	switch code {
	case http.StatusOK, http.StatusNoContent:
		return KindOK
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnprocessableEntity, http.StatusPreconditionFailed:
		return KindPreconditionFailed
	case http.StatusConflict:
		return KindAlreadyInProgress
	case http.StatusBadRequest:
		return KindInvalidRequest
	case http.StatusNotAcceptable:
		return KindExperimentalDisabled
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindInternal
	}
}

// New creates a new UpgradeError
func New(kind Kind, message string, cause error) *UpgradeError {
	return &UpgradeError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func NodeNotFound(name string) *UpgradeError {
	return New(KindNotFound, fmt.Sprintf("node %s not found", name), nil).
		WithDetail("node", name)
}

func CookbookNotManaged(cookbook string) *UpgradeError {
	return New(KindNotFound, fmt.Sprintf("cookbook %s is not managed", cookbook), nil).
		WithDetail("cookbook", cookbook)
}

func CookbookNotFlagged(cookbook, node string) *UpgradeError {
	return New(KindNotFound, fmt.Sprintf("cookbook %s not found on node %s", cookbook, node), nil).
		WithDetail("cookbook", cookbook).
		WithDetail("node", node)
}

func PreconditionFailed(message string) *UpgradeError {
	return New(KindPreconditionFailed, message, nil)
}

func PhaseMismatch(operation string, current string, allowed ...string) *UpgradeError {
	return New(KindPreconditionFailed,
		fmt.Sprintf("%s is not allowed in phase %s (allowed: %s)", operation, current, strings.Join(allowed, ", ")), nil).
		WithDetail("operation", operation).
		WithDetail("phase", current)
}

func AlreadyInProgress(operation string) *UpgradeError {
	return New(KindAlreadyInProgress, fmt.Sprintf("%s: another upgrade operation is in progress", operation), nil).
		WithDetail("operation", operation)
}

// RemoteExecutionFailed aggregates the failing nodes of a fan-out operation
func RemoteExecutionFailed(operation string, failures []NodeFailure) *UpgradeError {
	sort.Slice(failures, func(i, j int) bool { return failures[i].Node < failures[j].Node })
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Node)
	}
	e := New(KindRemoteExecutionFailed,
		fmt.Sprintf("%s failed on node(s): %s", operation, strings.Join(names, ", ")), nil).
		WithDetail("operation", operation).
		WithDetail("nodes", names)
	e.Nodes = failures
	return e
}

func InvalidRequest(message string) *UpgradeError {
	return New(KindInvalidRequest, message, nil)
}

func InternalError(message string, cause error) *UpgradeError {
	return New(KindInternal, message, cause)
}

func ExperimentalDisabled(option string) *UpgradeError {
	return New(KindExperimentalDisabled, fmt.Sprintf("experimental option %s is disabled", option), nil).
		WithDetail("option", option)
}

func RateLimited() *UpgradeError {
	return New(KindRateLimited, "too many requests", nil)
}

// As extracts an UpgradeError from an error chain
func As(err error) (*UpgradeError, bool) {
	var ue *UpgradeError
	if stderrors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// KindOf extracts the kind of an error; unknown errors are internal
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	if ue, ok := As(err); ok {
		return ue.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
