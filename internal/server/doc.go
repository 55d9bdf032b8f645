// Package server provides HTTP server setup and initialization for the
// radar engine.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, capture, rate limiting, metrics)
//   - Storage selection (in-memory or postgres by DSN)
//   - Tracing manager, task tracker, and WebSocket feed wiring
//
// Server Lifecycle:
//  1. Load configuration from environment/file
//  2. Initialize logger (production or development)
//  3. Open the storage sink and ensure the schema when postgres is used
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown on signal
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg)
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
