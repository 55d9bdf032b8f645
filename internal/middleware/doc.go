// Package middleware provides the HTTP middleware the engine installs on the
// host application's router.
//
// Middleware stack includes:
//   - Capture: correlation id assignment, root span, request/response capture
//   - CORS: cross-origin resource sharing for the dashboard API
//   - RateLimit: per-IP token bucket rate limiting for the dashboard API
//
// Capture behavior:
//   - Every application request gets a fresh correlation id, returned in the
//     X-Request-ID response header
//   - When tracing is enabled, a root server span "METHOD /path" opens the
//     request's trace; the trace closes and persists when the handler returns
//   - Request and response bodies are captured up to the configured cap
//   - Panics are captured as exceptions, then re-raised
//   - Dashboard paths are excluded: the engine never observes itself
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.Capture(deps))
package middleware
