// Package main is the entry point for the radar telemetry engine server.
//
// The server hosts the correlation engine end to end: the capture middleware
// observes every application request, the tracing engine persists span trees,
// the task tracker follows deferred work, and the dashboard API plus the
// WebSocket task feed serve what was collected.
//
// Configuration:
//   - Environment variables (12-factor, RADAR_* prefix)
//   - Optional YAML file via -config (overlays environment values)
//
// Usage:
//
//	# In-memory storage, defaults
//	./server
//
//	# Durable storage
//	RADAR_DATABASE_DSN=postgres://... ./server
//
//	# Checked-in configuration
//	./server -config radar.yaml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
