package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radarhq/radar/internal/correlation"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tracing"
)

func trackedContext(t *testing.T) (context.Context, *tracing.Context) {
	t.Helper()
	tc := tracing.NewContext("radar-test")
	ctx := correlation.WithRequestID(context.Background(), "req_test")
	ctx = correlation.WithTrace(ctx, tc)
	return ctx, tc
}

func TestObserveRecordsSpanAndQuery(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{
		CaptureBindings: true,
		ConnectionName:  "primary",
	})
	ctx, tc := trackedContext(t)

	rows, err := obs.Observe(ctx, "SELECT * FROM users WHERE id = $1", []any{42},
		func(context.Context) (int64, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	spans := tc.Spans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "DB SELECT", span.OperationName)
	assert.Equal(t, storage.KindClient, span.Kind)
	assert.Equal(t, storage.StatusOK, span.Status)
	assert.Equal(t, "SELECT", span.Tags["db.operation_type"])
	assert.Equal(t, int64(3), span.Tags["db.rows_affected"])
	require.NotNil(t, span.EndTime)

	queries, err := store.RequestQueries(ctx, "req_test")
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "SELECT * FROM users WHERE id = $1", queries[0].SQL)
	assert.Equal(t, []string{"42"}, queries[0].Parameters)
	assert.Equal(t, "primary", queries[0].ConnectionName)
	require.NotNil(t, queries[0].RowsAffected)
	assert.Equal(t, int64(3), *queries[0].RowsAffected)
}

func TestObserveBindingsOffByDefault(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{})
	ctx, _ := trackedContext(t)

	_, err := obs.Observe(ctx, "SELECT 1", []any{"secret"},
		func(context.Context) (int64, error) { return 0, nil })
	require.NoError(t, err)

	queries, err := store.RequestQueries(ctx, "req_test")
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Nil(t, queries[0].Parameters, "bindings are opt-in")
}

func TestObserveFailureMarksSpanError(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{})
	ctx, tc := trackedContext(t)

	queryErr := errors.New("relation does not exist")
	_, err := obs.Observe(ctx, "SELECT * FROM missing", nil,
		func(context.Context) (int64, error) { return 0, queryErr })
	assert.ErrorIs(t, err, queryErr, "observer passes the failure through")

	spans := tc.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, storage.StatusError, spans[0].Status)
	assert.Equal(t, queryErr.Error(), spans[0].Tags["error.message"])

	// Failed queries are still captured.
	queries, err := store.RequestQueries(ctx, "req_test")
	require.NoError(t, err)
	assert.Len(t, queries, 1)
}

func TestObserveSlowQueryTagged(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{
		SlowQueryThreshold: time.Microsecond,
	})
	ctx, tc := trackedContext(t)

	_, err := obs.Observe(ctx, "SELECT pg_sleep(1)", nil,
		func(context.Context) (int64, error) {
			time.Sleep(time.Millisecond)
			return 0, nil
		})
	require.NoError(t, err)

	spans := tc.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, true, spans[0].Tags["db.slow_query"])
}

func TestObserveSkipsOwnTables(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{})
	ctx, _ := trackedContext(t)

	_, err := obs.Observe(ctx, "INSERT INTO radar_requests VALUES ($1)", nil,
		func(context.Context) (int64, error) { return 1, nil })
	require.NoError(t, err)

	queries, err := store.RequestQueries(ctx, "req_test")
	require.NoError(t, err)
	assert.Empty(t, queries, "the engine never observes its own writes")
}

func TestObserveUntrackedRunsUntouched(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{})

	rows, err := obs.Observe(context.Background(), "SELECT 1", nil,
		func(context.Context) (int64, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(7), rows)

	reqs, err := store.ListRequests(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestObserveTruncatesLongStatements(t *testing.T) {
	store := storage.NewMemory(100)
	obs := NewQueryObserver(store, nil, QueryObserverConfig{})
	ctx, tc := trackedContext(t)

	long := "SELECT '"
	for len(long) < 2*maxStatementLength {
		long += "x"
	}
	long += "'"

	_, err := obs.Observe(ctx, long, nil,
		func(context.Context) (int64, error) { return 0, nil })
	require.NoError(t, err)

	spans := tc.Spans()
	require.Len(t, spans, 1)
	stmt, _ := spans[0].Tags["db.statement"].(string)
	assert.Len(t, stmt, maxStatementLength, "span tag is truncated")

	// The captured record keeps the full text.
	queries, err := store.RequestQueries(ctx, "req_test")
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, long, queries[0].SQL)
}

// countingMetrics counts capture events.
type countingMetrics struct {
	queries    int
	slow       int
	exceptions int
}

func (c *countingMetrics) RecordQuery(isSlow bool) {
	c.queries++
	if isSlow {
		c.slow++
	}
}

func (c *countingMetrics) RecordException() { c.exceptions++ }

func TestObserveRecordsMetrics(t *testing.T) {
	store := storage.NewMemory(100)
	rec := &countingMetrics{}
	obs := NewQueryObserver(store, nil, QueryObserverConfig{
		SlowQueryThreshold: time.Microsecond,
		Metrics:            rec,
	})
	ctx, _ := trackedContext(t)

	_, err := obs.Observe(ctx, "SELECT pg_sleep(1)", nil,
		func(context.Context) (int64, error) {
			time.Sleep(time.Millisecond)
			return 0, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.queries)
	assert.Equal(t, 1, rec.slow)

	// Self-observation and untracked work leave the counters alone.
	_, err = obs.Observe(ctx, "INSERT INTO radar_requests VALUES ($1)", nil,
		func(context.Context) (int64, error) { return 1, nil })
	require.NoError(t, err)
	_, err = obs.Observe(context.Background(), "SELECT 1", nil,
		func(context.Context) (int64, error) { return 0, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, rec.queries)
}

func TestExceptionRecorderRecordsMetrics(t *testing.T) {
	store := storage.NewMemory(100)
	rec := &countingMetrics{}
	recorder := NewExceptionRecorder(store, nil).WithMetrics(rec)
	ctx, _ := trackedContext(t)

	recorder.Record(ctx, "ValidationError", errors.New("field missing"), "")
	recorder.Record(context.Background(), "err", errors.New("untracked"), "")

	assert.Equal(t, 1, rec.exceptions, "only tracked exceptions are counted")
}

func TestOperationType(t *testing.T) {
	assert.Equal(t, "SELECT", operationType("  select * from t"))
	assert.Equal(t, "INSERT", operationType("INSERT INTO t VALUES (1)"))
	assert.Equal(t, "UPDATE", operationType("update t set x = 1"))
	assert.Equal(t, "DELETE", operationType("DELETE FROM t"))
	assert.Equal(t, "OTHER", operationType("EXPLAIN SELECT 1"))
}

func TestExceptionRecorder(t *testing.T) {
	store := storage.NewMemory(100)
	rec := NewExceptionRecorder(store, nil)
	ctx, _ := trackedContext(t)

	rec.Record(ctx, "ValidationError", errors.New("field missing"), "goroutine 1 [running]:\n...")

	exceptions, err := store.RequestExceptions(ctx, "req_test")
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, "ValidationError", exceptions[0].ExceptionType)
	assert.Equal(t, "field missing", exceptions[0].ExceptionValue)
	assert.NotEmpty(t, exceptions[0].Stacktrace)
}

func TestExceptionRecorderUntrackedIsNoop(t *testing.T) {
	store := storage.NewMemory(100)
	rec := NewExceptionRecorder(store, nil)

	rec.Record(context.Background(), "err", errors.New("lost"), "")
	rec.Record(correlation.WithRequestID(context.Background(), "req_x"), "err", nil, "")

	exceptions, err := store.RequestExceptions(context.Background(), "req_x")
	require.NoError(t, err)
	assert.Empty(t, exceptions, "nil errors and untracked contexts record nothing")
}

func TestInstrumentOutbound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := InstrumentOutbound(resty.New())
	ctx, tc := trackedContext(t)

	resp, err := client.R().SetContext(ctx).Get(srv.URL + "/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	spans := tc.Spans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP GET", span.OperationName)
	assert.Equal(t, storage.KindClient, span.Kind)
	assert.Equal(t, storage.StatusOK, span.Status)
	assert.Equal(t, "GET", span.Tags["http.method"])
	assert.Equal(t, http.StatusOK, span.Tags["http.status_code"])
	require.NotNil(t, span.EndTime)
}

func TestInstrumentOutboundServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := InstrumentOutbound(resty.New())
	ctx, tc := trackedContext(t)

	resp, err := client.R().SetContext(ctx).Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode())

	spans := tc.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, storage.StatusError, spans[0].Status)
}

func TestInstrumentOutboundWithoutTrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := InstrumentOutbound(resty.New())

	resp, err := client.R().Get(srv.URL)
	require.NoError(t, err, "untraced requests pass through untouched")
	assert.Equal(t, http.StatusOK, resp.StatusCode())
}
