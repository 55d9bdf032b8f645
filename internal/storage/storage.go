// Package storage defines the persistence sink the engine writes captured
// telemetry through, plus the read-side queries the dashboard API serves.
//
// Two implementations ship with the engine: an in-memory store suitable for
// development and tests, and a postgres store for durable retention. Write
// failures are the caller's concern to swallow: instrumentation must never
// fail the operation it observes.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by read operations when no record matches.
var ErrNotFound = errors.New("storage: record not found")

// Span statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Span kinds.
const (
	KindServer   = "server"
	KindClient   = "client"
	KindInternal = "internal"
	KindProducer = "producer"
	KindConsumer = "consumer"
)

// SpanLog is one timestamped event recorded on a span.
type SpanLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Span is a single timed operation within a trace.
type Span struct {
	SpanID        string         `json:"span_id"`
	TraceID       string         `json:"trace_id"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	OperationName string         `json:"operation_name"`
	ServiceName   string         `json:"service_name"`
	Kind          string         `json:"span_kind"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	DurationMs    *float64       `json:"duration_ms,omitempty"`
	Status        string         `json:"status"`
	Tags          map[string]any `json:"tags,omitempty"`
	Logs          []SpanLog      `json:"logs,omitempty"`
}

// Trace aggregates a connected span set sharing one trace id.
type Trace struct {
	TraceID       string    `json:"trace_id"`
	ServiceName   string    `json:"service_name"`
	OperationName string    `json:"operation_name"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMs    float64   `json:"duration_ms"`
	SpanCount     int       `json:"span_count"`
	Status        string    `json:"status"`
}

// SpanRelation is a denormalized parent→child edge with precomputed depth,
// written once at trace close so deep trees reconstruct without recursion.
type SpanRelation struct {
	TraceID      string `json:"trace_id"`
	ParentSpanID string `json:"parent_span_id"`
	ChildSpanID  string `json:"child_span_id"`
	Depth        int    `json:"depth"`
}

// CapturedRequest is one observed inbound HTTP request.
type CapturedRequest struct {
	RequestID       string            `json:"request_id"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Path            string            `json:"path"`
	QueryParams     map[string]string `json:"query_params,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	StatusCode      int               `json:"status_code"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	DurationMs      float64           `json:"duration_ms"`
	ClientIP        string            `json:"client_ip,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// CapturedQuery is one observed database operation, tied to its request.
type CapturedQuery struct {
	RequestID      string    `json:"request_id"`
	SQL            string    `json:"sql"`
	Parameters     []string  `json:"parameters,omitempty"`
	DurationMs     float64   `json:"duration_ms"`
	RowsAffected   *int64    `json:"rows_affected,omitempty"`
	ConnectionName string    `json:"connection_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CapturedException is one observed error, tied to its request.
type CapturedException struct {
	RequestID      string    `json:"request_id"`
	ExceptionType  string    `json:"exception_type"`
	ExceptionValue string    `json:"exception_value"`
	Stacktrace     string    `json:"stacktrace"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink is the write side the engine calls into. A closed trace, its spans,
// and its relations are written atomically.
type Sink interface {
	SaveTrace(ctx context.Context, trace Trace, spans []Span, relations []SpanRelation) error
	SaveRequest(ctx context.Context, req CapturedRequest) error
	SaveQuery(ctx context.Context, q CapturedQuery) error
	SaveException(ctx context.Context, e CapturedException) error
}

// Store extends the sink with the queries the dashboard API serves.
type Store interface {
	Sink

	GetTrace(ctx context.Context, traceID string) (Trace, error)
	ListTraces(ctx context.Context, limit int) ([]Trace, error)
	TraceSpans(ctx context.Context, traceID string) ([]Span, error)
	TraceRelations(ctx context.Context, traceID string) ([]SpanRelation, error)

	GetRequest(ctx context.Context, requestID string) (CapturedRequest, error)
	ListRequests(ctx context.Context, limit int) ([]CapturedRequest, error)
	RequestQueries(ctx context.Context, requestID string) ([]CapturedQuery, error)
	RequestExceptions(ctx context.Context, requestID string) ([]CapturedException, error)
}
