// Package api serves the dashboard's JSON surface: captured requests, trace
// waterfalls, and the background-task registry.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radarhq/radar/internal/monitoring"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tasks"
	"github.com/radarhq/radar/internal/tracing"
)

const defaultListLimit = 100

// Handlers contains all dashboard API handlers
type Handlers struct {
	store   storage.Store
	tracker *tasks.Tracker
	metrics *monitoring.Metrics
}

// NewHandlers creates a new handler set
func NewHandlers(store storage.Store, tracker *tasks.Tracker, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		store:   store,
		tracker: tracker,
		metrics: metrics,
	}
}

// Register mounts the dashboard routes onto the given group.
func (h *Handlers) Register(group *gin.RouterGroup) {
	group.GET("/health", h.Health)
	group.GET("/metrics", h.Metrics)

	group.GET("/traces", h.ListTraces)
	group.GET("/traces/:id", h.GetTrace)
	group.GET("/traces/:id/waterfall", h.GetWaterfall)

	group.GET("/requests", h.ListRequests)
	group.GET("/requests/:id", h.GetRequest)

	group.GET("/tasks", h.ListTasks)
	group.POST("/tasks/:id/rerun", h.RerunTask)
	group.DELETE("/tasks", h.ClearTasks)
}

// Health handles health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "radar",
	})
}

// Metrics serves the Prometheus scrape endpoint.
func (h *Handlers) Metrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	h.metrics.UpdateUptime()
	promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}).
		ServeHTTP(c.Writer, c.Request)
}

// ListTraces lists recent trace summaries, newest first.
func (h *Handlers) ListTraces(c *gin.Context) {
	traces, err := h.store.ListTraces(c.Request.Context(), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces})
}

// GetTrace returns one trace with its full span set.
func (h *Handlers) GetTrace(c *gin.Context) {
	traceID := c.Param("id")

	trace, err := h.store.GetTrace(c.Request.Context(), traceID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	spans, err := h.store.TraceSpans(c.Request.Context(), traceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trace": trace,
		"spans": spans,
	})
}

// GetWaterfall returns the reconstructed waterfall rows for one trace.
func (h *Handlers) GetWaterfall(c *gin.Context) {
	traceID := c.Param("id")

	if _, err := h.store.GetTrace(c.Request.Context(), traceID); err != nil {
		respondStoreError(c, err)
		return
	}
	spans, err := h.store.TraceSpans(c.Request.Context(), traceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	relations, err := h.store.TraceRelations(c.Request.Context(), traceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trace_id":  traceID,
		"waterfall": tracing.BuildWaterfall(spans, relations),
	})
}

// ListRequests lists recent captured requests, newest first.
func (h *Handlers) ListRequests(c *gin.Context) {
	requests, err := h.store.ListRequests(c.Request.Context(), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// GetRequest returns one captured request with its queries and exceptions.
func (h *Handlers) GetRequest(c *gin.Context) {
	requestID := c.Param("id")

	request, err := h.store.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	queries, err := h.store.RequestQueries(c.Request.Context(), requestID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	exceptions, err := h.store.RequestExceptions(c.Request.Context(), requestID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request":    request,
		"queries":    queries,
		"exceptions": exceptions,
	})
}

// ListTasks returns the current task snapshot, most recently queued first.
func (h *Handlers) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, tasks.Snapshot{Tasks: h.tracker.List()})
}

// RerunTask re-invokes a finished task with its captured arguments.
func (h *Handlers) RerunTask(c *gin.Context) {
	taskID := c.Param("id")

	newID, err := h.tracker.Rerun(taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":   newID,
		"rerun_of":  taskID,
		"scheduled": true,
	})
}

// ClearTasks empties the task registry.
func (h *Handlers) ClearTasks(c *gin.Context) {
	h.tracker.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func listLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
