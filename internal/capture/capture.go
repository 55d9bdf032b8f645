// Package capture feeds query, exception, and outbound-call events into
// storage, consulting the correlation context and span engine to tag each
// record with its originating request. Everything here is best-effort: a
// capture failure never changes the outcome of the operation it observes,
// and code running outside a tracked request is observed by nobody.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/correlation"
	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tracing"
)

const maxStatementLength = 500

// Metrics receives counts of captured queries and exceptions. It is
// satisfied by *monitoring.Metrics.
type Metrics interface {
	RecordQuery(slow bool)
	RecordException()
}

// QueryObserver wraps database calls with a client span and a captured
// query record. It is the generic entry point DB driver hooks call into;
// no ORM-specific wiring lives in the engine.
type QueryObserver struct {
	sink               storage.Sink
	logger             *logging.Logger
	metrics            Metrics
	captureBindings    bool
	slowQueryThreshold time.Duration
	connectionName     string
}

// QueryObserverConfig configures a QueryObserver.
type QueryObserverConfig struct {
	CaptureBindings    bool
	SlowQueryThreshold time.Duration
	ConnectionName     string
	Metrics            Metrics
}

// NewQueryObserver creates an observer writing through the given sink.
func NewQueryObserver(sink storage.Sink, logger *logging.Logger, cfg QueryObserverConfig) *QueryObserver {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 100 * time.Millisecond
	}
	return &QueryObserver{
		sink:               sink,
		logger:             logger,
		metrics:            cfg.Metrics,
		captureBindings:    cfg.CaptureBindings,
		slowQueryThreshold: cfg.SlowQueryThreshold,
		connectionName:     cfg.ConnectionName,
	}
}

// Observe runs fn, recording a DB span on the active trace and a captured
// query keyed by the active correlation id. fn's rows-affected count and
// error pass through untouched. Outside a tracked request, fn simply runs.
func (o *QueryObserver) Observe(ctx context.Context, sqlText string, params []any, fn func(context.Context) (int64, error)) (int64, error) {
	rid, tracked := correlation.RequestID(ctx)
	tc := correlation.Trace(ctx)

	var spanID string
	if tc != nil {
		opType := operationType(sqlText)
		spanID = tc.CreateSpan("DB "+opType,
			tracing.WithKind(storage.KindClient),
			tracing.WithTags(map[string]any{
				"db.statement":      truncate(sqlText, maxStatementLength),
				"db.operation_type": opType,
				"component":         "database",
			}),
		)
	}

	start := time.Now()
	rows, err := fn(ctx)
	duration := time.Since(start)
	durationMs := float64(duration) / float64(time.Millisecond)

	if tc != nil && spanID != "" {
		tags := map[string]any{
			"db.duration_ms":   durationMs,
			"db.rows_affected": rows,
		}
		status := storage.StatusOK
		if err != nil {
			status = storage.StatusError
			tags["error.message"] = err.Error()
		} else if duration >= o.slowQueryThreshold {
			tags["db.slow_query"] = true
		}
		tc.FinishSpan(spanID, status, tags)
	}

	if !tracked || isEngineStatement(sqlText) {
		return rows, err
	}

	if o.metrics != nil {
		o.metrics.RecordQuery(duration >= o.slowQueryThreshold)
	}

	record := storage.CapturedQuery{
		RequestID:      rid,
		SQL:            sqlText,
		DurationMs:     durationMs,
		RowsAffected:   &rows,
		ConnectionName: o.connectionName,
		CreatedAt:      time.Now().UTC(),
	}
	if o.captureBindings {
		record.Parameters = renderParams(params)
	}
	if saveErr := o.sink.SaveQuery(ctx, record); saveErr != nil {
		o.logger.Debug("failed to persist captured query", zap.Error(saveErr))
	}
	return rows, err
}

// ExceptionRecorder persists captured errors keyed by correlation id.
type ExceptionRecorder struct {
	sink    storage.Sink
	logger  *logging.Logger
	metrics Metrics
}

// NewExceptionRecorder creates a recorder writing through the given sink.
func NewExceptionRecorder(sink storage.Sink, logger *logging.Logger) *ExceptionRecorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ExceptionRecorder{sink: sink, logger: logger}
}

// WithMetrics attaches a metrics recorder and returns the recorder.
func (r *ExceptionRecorder) WithMetrics(metrics Metrics) *ExceptionRecorder {
	r.metrics = metrics
	return r
}

// Record persists an exception for the current request. Outside a tracked
// request it is a silent no-op.
func (r *ExceptionRecorder) Record(ctx context.Context, exceptionType string, err error, stack string) {
	rid, tracked := correlation.RequestID(ctx)
	if !tracked || err == nil {
		return
	}
	if exceptionType == "" {
		exceptionType = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordException()
	}
	record := storage.CapturedException{
		RequestID:      rid,
		ExceptionType:  exceptionType,
		ExceptionValue: err.Error(),
		Stacktrace:     stack,
		CreatedAt:      time.Now().UTC(),
	}
	if saveErr := r.sink.SaveException(ctx, record); saveErr != nil {
		r.logger.Debug("failed to persist captured exception", zap.Error(saveErr))
	}
}

// operationType extracts the leading SQL verb of a statement.
func operationType(statement string) string {
	head := strings.ToUpper(strings.TrimSpace(statement))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER"} {
		if strings.HasPrefix(head, op) {
			return op
		}
	}
	return "OTHER"
}

// isEngineStatement reports whether a statement touches the engine's own
// tables; those are skipped so the sink's writes never observe themselves.
func isEngineStatement(statement string) bool {
	return strings.Contains(statement, "radar_")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

const maxCapturedParams = 100

func renderParams(params []any) []string {
	if len(params) == 0 {
		return nil
	}
	if len(params) > maxCapturedParams {
		params = params[:maxCapturedParams]
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = fmt.Sprint(p)
	}
	return out
}
