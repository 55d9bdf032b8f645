/*
Package monitoring provides Prometheus metrics for the engine itself.

# Overview

This package tracks what the engine observes and what it costs: captured
HTTP requests, recorded spans and persisted traces, captured queries and
exceptions, task completions, and live WebSocket feed connections.

Metrics live on a per-engine registry rather than the process default, so
a host embedding the engine never collides with its own collectors.

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain events
	metrics.RecordTrace(spanCount)
	metrics.RecordTask("finished", duration)

# Metrics Endpoint

The dashboard API serves the registry at GET /radar/api/metrics.
*/
package monitoring
