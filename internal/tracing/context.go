// Package tracing implements the span engine: per-request trace contexts,
// hierarchical spans, relation precomputation at trace close, and waterfall
// reconstruction for rendering.
package tracing

import (
	"sync"
	"time"

	"github.com/radarhq/radar/internal/shared/id"
	"github.com/radarhq/radar/internal/storage"
)

// Context constructs the span tree for one trace and computes its closing
// summary. Spans are kept in a flat map keyed by span id so out-of-order and
// concurrent completion need no tree bookkeeping; the hierarchy is rebuilt
// from parent back-references only at close or render time.
//
// All methods are safe for concurrent use. Operations referencing an unknown
// span id are silent no-ops: instrumentation must never fail a request.
type Context struct {
	mu sync.Mutex

	traceID     string
	serviceName string

	rootSpanID    string
	currentSpanID string
	spans         map[string]*storage.Span
	startTime     time.Time
	closed        bool
}

// NewContext creates a trace context with a fresh 32-hex trace id.
func NewContext(serviceName string) *Context {
	return &Context{
		traceID:     id.NewTraceID().String(),
		serviceName: serviceName,
		spans:       make(map[string]*storage.Span),
		startTime:   time.Now().UTC(),
	}
}

// SpanOption customizes span creation.
type SpanOption func(*spanOptions)

type spanOptions struct {
	parentSpanID string
	kind         string
	tags         map[string]any
}

// WithParent sets an explicit parent span id instead of the current span.
func WithParent(spanID string) SpanOption {
	return func(o *spanOptions) { o.parentSpanID = spanID }
}

// WithKind sets the span kind (server, client, internal, producer, consumer).
func WithKind(kind string) SpanOption {
	return func(o *spanOptions) { o.kind = kind }
}

// WithTags sets initial span tags.
func WithTags(tags map[string]any) SpanOption {
	return func(o *spanOptions) { o.tags = tags }
}

// CreateSpan registers a new span and returns its id. The parent defaults to
// the current span; the first span created becomes the trace's root, and root
// assignment is immutable afterward. Returns an empty id once the trace has
// been closed: spans must not be added to a persisted trace.
func (c *Context) CreateSpan(operationName string, opts ...SpanOption) string {
	options := spanOptions{kind: storage.KindServer}
	for _, opt := range opts {
		opt(&options)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ""
	}

	spanID := id.NewSpanID().String()
	parent := options.parentSpanID
	if parent == "" {
		parent = c.currentSpanID
	}

	tags := make(map[string]any, len(options.tags))
	for k, v := range options.tags {
		tags[k] = v
	}

	c.spans[spanID] = &storage.Span{
		SpanID:        spanID,
		TraceID:       c.traceID,
		ParentSpanID:  parent,
		OperationName: operationName,
		ServiceName:   c.serviceName,
		Kind:          options.kind,
		StartTime:     time.Now().UTC(),
		Status:        storage.StatusOK,
		Tags:          tags,
	}

	if c.rootSpanID == "" {
		c.rootSpanID = spanID
	}
	return spanID
}

// FinishSpan sets the span's end time, computes its duration, and merges the
// given tags key by key. Unknown span ids are ignored.
func (c *Context) FinishSpan(spanID string, status string, tags map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	span, ok := c.spans[spanID]
	if !ok {
		return
	}

	end := time.Now().UTC()
	span.EndTime = &end
	duration := float64(end.Sub(span.StartTime)) / float64(time.Millisecond)
	span.DurationMs = &duration
	if status != "" {
		span.Status = status
	}
	for k, v := range tags {
		span.Tags[k] = v
	}
}

// AddSpanLog appends a timestamped log entry to the span. Unknown span ids
// are ignored.
func (c *Context) AddSpanLog(spanID, message, level string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	span, ok := c.spans[spanID]
	if !ok {
		return
	}
	if level == "" {
		level = "info"
	}
	span.Logs = append(span.Logs, storage.SpanLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// SetCurrentSpan updates which span new children default their parent to.
func (c *Context) SetCurrentSpan(spanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentSpanID = spanID
}

// TraceID returns the trace identifier.
func (c *Context) TraceID() string { return c.traceID }

// RootSpanID returns the root span id, or empty before any span exists.
func (c *Context) RootSpanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootSpanID
}

// CurrentSpanID returns the span new children currently default to.
func (c *Context) CurrentSpanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSpanID
}

// Spans returns a snapshot copy of all spans created so far.
func (c *Context) Spans() []storage.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() []storage.Span {
	out := make([]storage.Span, 0, len(c.spans))
	for _, span := range c.spans {
		out = append(out, *span)
	}
	return out
}

// Summary aggregates all spans into a trace record. The second return is
// false when no spans exist.
func (c *Context) Summary() (storage.Trace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *Context) summaryLocked() (storage.Trace, bool) {
	if len(c.spans) == 0 {
		return storage.Trace{}, false
	}

	var (
		start      time.Time
		end        time.Time
		errorCount int
	)
	for _, span := range c.spans {
		if start.IsZero() || span.StartTime.Before(start) {
			start = span.StartTime
		}
		if span.StartTime.After(end) {
			end = span.StartTime
		}
		if span.EndTime != nil && span.EndTime.After(end) {
			end = *span.EndTime
		}
		if span.Status == storage.StatusError {
			errorCount++
		}
	}

	operation := "unknown"
	if root, ok := c.spans[c.rootSpanID]; ok {
		operation = root.OperationName
	}

	status := storage.StatusOK
	if errorCount > 0 {
		status = storage.StatusError
	}

	return storage.Trace{
		TraceID:       c.traceID,
		ServiceName:   c.serviceName,
		OperationName: operation,
		StartTime:     start,
		EndTime:       end,
		DurationMs:    float64(end.Sub(start)) / float64(time.Millisecond),
		SpanCount:     len(c.spans),
		Status:        status,
	}, true
}

// finalize auto-closes any still-open spans, marks the context closed, and
// returns the persistable trace, spans, and relation rows. Open spans get
// EndTime=now and a radar.incomplete tag: the duration is then computable
// and the span still participates in relation precomputation.
func (c *Context) finalize() (storage.Trace, []storage.Span, []storage.SpanRelation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return storage.Trace{}, nil, nil, false
	}
	c.closed = true

	now := time.Now().UTC()
	for _, span := range c.spans {
		if span.EndTime != nil {
			continue
		}
		end := now
		span.EndTime = &end
		duration := float64(end.Sub(span.StartTime)) / float64(time.Millisecond)
		span.DurationMs = &duration
		span.Tags["radar.incomplete"] = true
	}

	trace, ok := c.summaryLocked()
	if !ok {
		return storage.Trace{}, nil, nil, false
	}
	return trace, c.snapshotLocked(), computeRelations(c.traceID, c.rootSpanID, c.spans), true
}
