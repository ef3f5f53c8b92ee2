// Package middleware provides HTTP middleware for the operator API.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey struct{}

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestIDFrom returns the request ID stored in ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// RequestID tags every request with an ID, reusing one supplied by the caller.
// The ID is mirrored onto the request header so error responses can echo it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

// Logging logs one line per request. Health probes are logged at debug level
// and failed requests at warn.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sr, r)

			level := zap.InfoLevel
			switch {
			case strings.HasPrefix(r.URL.Path, "/health/"):
				level = zap.DebugLevel
			case sr.status >= http.StatusBadRequest:
				level = zap.WarnLevel
			}
			if ce := logger.Check(level, "HTTP request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", sr.status),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", r.Header.Get(RequestIDHeader)),
				)
			}
		})
	}
}

// Recovery turns a handler panic into an INTERNAL_ERROR response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	eh := errors.NewHandler(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Panic in handler",
						zap.Any("panic", p),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					eh.WriteErrorResponse(w, errors.ErrorResponse{
						ErrorCode: errors.KindInternal,
						Message:   "internal server error",
						RequestID: r.Header.Get(RequestIDHeader),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter throttles mutating requests. Reads such as status polling are
// never throttled.
type RateLimiter struct {
	limiter *rate.Limiter
	errs    *errors.Handler
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter admitting perSecond mutating requests with
// the given burst.
func NewRateLimiter(perSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		errs:    errors.NewHandler(logger),
		logger:  logger,
	}
}

// Limit is the middleware function.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || rl.limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("Rate limit exceeded",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get(RequestIDHeader)))
		w.Header().Set("Retry-After", "1")
		rl.errs.HandleError(w, r, errors.RateLimited())
	})
}

// Experimental rejects every request with EXPERIMENTAL_DISABLED unless the
// named option is enabled.
func Experimental(option string, enabled bool, logger *zap.Logger) func(http.Handler) http.Handler {
	eh := errors.NewHandler(logger)
	return func(next http.Handler) http.Handler {
		if enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			eh.HandleError(w, r, errors.ExperimentalDisabled(option))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Chain composes middleware so the first one listed runs outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}
