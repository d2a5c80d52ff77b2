// Package shield provides the HTTP middleware of the mirror server:
// security headers, JSON body limits, request tracing and per-client rate
// limiting of content replacement.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(logger) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(rate.Every(time.Second), 5).Middleware).Put("/content", h)
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// TraceKey is the context key for the request trace id.
const TraceKey contextKey = "shield_trace"

// DefaultMaxBody bounds JSON request bodies.
const DefaultMaxBody = 64 * 1024

// Stack returns the standard middleware stack, ordered HeadToGet,
// SecurityHeaders, MaxJSONBody, TraceID.
func Stack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(DefaultMaxBody),
		TraceID(logger),
	}
}
