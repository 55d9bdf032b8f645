package tracing

import (
	"context"

	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/storage"
)

// Metrics receives counts of persisted traces and their spans. It is
// satisfied by *monitoring.Metrics.
type Metrics interface {
	RecordTrace(spanCount int)
	RecordSpan(kind, status string)
}

// Manager closes trace contexts and persists them through the sink. Sink
// failures are logged and swallowed: persistence must never fail the request
// that produced the trace.
type Manager struct {
	sink    storage.Sink
	logger  *logging.Logger
	metrics Metrics
}

// NewManager creates a trace manager writing through the given sink.
func NewManager(sink storage.Sink, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{sink: sink, logger: logger}
}

// WithMetrics attaches a metrics recorder and returns the manager.
func (m *Manager) WithMetrics(metrics Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Close finalizes the trace context, auto-closing any spans left open,
// computes its relation rows, and writes trace, spans, and relations
// atomically. Closing an already-closed or empty context is a no-op.
func (m *Manager) Close(ctx context.Context, tc *Context) {
	if tc == nil {
		return
	}

	trace, spans, relations, ok := tc.finalize()
	if !ok {
		return
	}

	if err := m.sink.SaveTrace(ctx, trace, spans, relations); err != nil {
		m.logger.Warn("failed to persist trace",
			zap.String("trace_id", trace.TraceID),
			zap.Int("span_count", trace.SpanCount),
			zap.Error(err),
		)
		return
	}
	if m.metrics != nil {
		m.metrics.RecordTrace(len(spans))
		for _, span := range spans {
			m.metrics.RecordSpan(span.Kind, span.Status)
		}
	}
}
