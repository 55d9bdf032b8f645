package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is a durable Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a postgres-backed store from a lib/pq DSN and verifies
// connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the radar_* tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS radar_requests (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(64) UNIQUE NOT NULL,
			method VARCHAR(10) NOT NULL,
			url VARCHAR(500) NOT NULL,
			path VARCHAR(500) NOT NULL,
			query_params JSONB,
			headers JSONB,
			body TEXT,
			status_code INTEGER,
			response_body TEXT,
			response_headers JSONB,
			duration_ms DOUBLE PRECISION,
			client_ip VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_requests_created ON radar_requests (created_at)`,
		`CREATE TABLE IF NOT EXISTS radar_queries (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL,
			sql_text TEXT NOT NULL,
			parameters JSONB,
			duration_ms DOUBLE PRECISION,
			rows_affected BIGINT,
			connection_name VARCHAR(100),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_queries_request ON radar_queries (request_id)`,
		`CREATE TABLE IF NOT EXISTS radar_exceptions (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL,
			exception_type VARCHAR(100) NOT NULL,
			exception_value TEXT,
			stacktrace TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_exceptions_request ON radar_exceptions (request_id)`,
		`CREATE TABLE IF NOT EXISTS radar_traces (
			trace_id VARCHAR(32) PRIMARY KEY,
			service_name VARCHAR(100),
			operation_name VARCHAR(200),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration_ms DOUBLE PRECISION,
			span_count INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'ok',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_traces_start ON radar_traces (start_time)`,
		`CREATE TABLE IF NOT EXISTS radar_spans (
			span_id VARCHAR(16) PRIMARY KEY,
			trace_id VARCHAR(32) NOT NULL REFERENCES radar_traces(trace_id) ON DELETE CASCADE,
			parent_span_id VARCHAR(16),
			operation_name VARCHAR(200) NOT NULL,
			service_name VARCHAR(100),
			span_kind VARCHAR(20) NOT NULL DEFAULT 'server',
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration_ms DOUBLE PRECISION,
			status VARCHAR(20) NOT NULL DEFAULT 'ok',
			tags JSONB,
			logs JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_spans_trace ON radar_spans (trace_id)`,
		`CREATE TABLE IF NOT EXISTS radar_span_relations (
			id BIGSERIAL PRIMARY KEY,
			trace_id VARCHAR(32) NOT NULL,
			parent_span_id VARCHAR(16) NOT NULL,
			child_span_id VARCHAR(16) NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_span_relations_trace ON radar_span_relations (trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_radar_span_relations_child ON radar_span_relations (child_span_id)`,
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) SaveTrace(ctx context.Context, trace Trace, spans []Span, relations []SpanRelation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO radar_traces
			(trace_id, service_name, operation_name, start_time, end_time, duration_ms, span_count, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trace.TraceID, trace.ServiceName, trace.OperationName,
		trace.StartTime, trace.EndTime, trace.DurationMs, trace.SpanCount, trace.Status,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for _, s := range spans {
		tags, err := marshalJSON(s.Tags)
		if err != nil {
			return err
		}
		logs, err := marshalJSON(s.Logs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO radar_spans
				(span_id, trace_id, parent_span_id, operation_name, service_name, span_kind,
				 start_time, end_time, duration_ms, status, tags, logs)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.SpanID, s.TraceID, s.ParentSpanID, s.OperationName, s.ServiceName, s.Kind,
			s.StartTime, s.EndTime, s.DurationMs, s.Status, tags, logs,
		)
		if err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	for _, r := range relations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO radar_span_relations (trace_id, parent_span_id, child_span_id, depth)
			 VALUES ($1, $2, $3, $4)`,
			r.TraceID, r.ParentSpanID, r.ChildSpanID, r.Depth,
		)
		if err != nil {
			return fmt.Errorf("insert span relation: %w", err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) SaveRequest(ctx context.Context, req CapturedRequest) error {
	queryParams, err := marshalJSON(req.QueryParams)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(req.Headers)
	if err != nil {
		return err
	}
	respHeaders, err := marshalJSON(req.ResponseHeaders)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO radar_requests
			(request_id, method, url, path, query_params, headers, body, status_code,
			 response_body, response_headers, duration_ms, client_ip, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.RequestID, req.Method, req.URL, req.Path, queryParams, headers, req.Body,
		req.StatusCode, req.ResponseBody, respHeaders, req.DurationMs, req.ClientIP, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *Postgres) SaveQuery(ctx context.Context, q CapturedQuery) error {
	params, err := marshalJSON(q.Parameters)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO radar_queries
			(request_id, sql_text, parameters, duration_ms, rows_affected, connection_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		q.RequestID, q.SQL, params, q.DurationMs, q.RowsAffected, q.ConnectionName, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

func (p *Postgres) SaveException(ctx context.Context, e CapturedException) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO radar_exceptions
			(request_id, exception_type, exception_value, stacktrace, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.RequestID, e.ExceptionType, e.ExceptionValue, e.Stacktrace, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (p *Postgres) GetTrace(ctx context.Context, traceID string) (Trace, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT trace_id, service_name, operation_name, start_time, end_time, duration_ms, span_count, status
		 FROM radar_traces WHERE trace_id = $1`, traceID)

	var tr Trace
	err := row.Scan(&tr.TraceID, &tr.ServiceName, &tr.OperationName,
		&tr.StartTime, &tr.EndTime, &tr.DurationMs, &tr.SpanCount, &tr.Status)
	if err == sql.ErrNoRows {
		return Trace{}, ErrNotFound
	}
	if err != nil {
		return Trace{}, fmt.Errorf("select trace: %w", err)
	}
	return tr, nil
}

func (p *Postgres) ListTraces(ctx context.Context, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT trace_id, service_name, operation_name, start_time, end_time, duration_ms, span_count, status
		 FROM radar_traces ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var tr Trace
		if err := rows.Scan(&tr.TraceID, &tr.ServiceName, &tr.OperationName,
			&tr.StartTime, &tr.EndTime, &tr.DurationMs, &tr.SpanCount, &tr.Status); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *Postgres) TraceSpans(ctx context.Context, traceID string) ([]Span, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT span_id, trace_id, COALESCE(parent_span_id, ''), operation_name, service_name,
		        span_kind, start_time, end_time, duration_ms, status, tags, logs
		 FROM radar_spans WHERE trace_id = $1 ORDER BY start_time`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	defer rows.Close()

	var out []Span
	for rows.Next() {
		var (
			s          Span
			endTime    sql.NullTime
			durationMs sql.NullFloat64
			tags, logs []byte
		)
		if err := rows.Scan(&s.SpanID, &s.TraceID, &s.ParentSpanID, &s.OperationName, &s.ServiceName,
			&s.Kind, &s.StartTime, &endTime, &durationMs, &s.Status, &tags, &logs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		if endTime.Valid {
			t := endTime.Time
			s.EndTime = &t
		}
		if durationMs.Valid {
			d := durationMs.Float64
			s.DurationMs = &d
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &s.Tags); err != nil {
				return nil, fmt.Errorf("decode span tags: %w", err)
			}
		}
		if len(logs) > 0 {
			if err := json.Unmarshal(logs, &s.Logs); err != nil {
				return nil, fmt.Errorf("decode span logs: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) TraceRelations(ctx context.Context, traceID string) ([]SpanRelation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT trace_id, parent_span_id, child_span_id, depth
		 FROM radar_span_relations WHERE trace_id = $1`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list span relations: %w", err)
	}
	defer rows.Close()

	var out []SpanRelation
	for rows.Next() {
		var r SpanRelation
		if err := rows.Scan(&r.TraceID, &r.ParentSpanID, &r.ChildSpanID, &r.Depth); err != nil {
			return nil, fmt.Errorf("scan span relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRequest(ctx context.Context, requestID string) (CapturedRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT request_id, method, url, path, query_params, headers, body, status_code,
		        response_body, response_headers, duration_ms, client_ip, created_at
		 FROM radar_requests WHERE request_id = $1`, requestID)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return CapturedRequest{}, ErrNotFound
	}
	if err != nil {
		return CapturedRequest{}, fmt.Errorf("select request: %w", err)
	}
	return req, nil
}

func (p *Postgres) ListRequests(ctx context.Context, limit int) ([]CapturedRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_id, method, url, path, query_params, headers, body, status_code,
		        response_body, response_headers, duration_ms, client_ip, created_at
		 FROM radar_requests ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []CapturedRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) RequestQueries(ctx context.Context, requestID string) ([]CapturedQuery, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_id, sql_text, parameters, duration_ms, rows_affected, connection_name, created_at
		 FROM radar_queries WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var out []CapturedQuery
	for rows.Next() {
		var (
			q      CapturedQuery
			params []byte
			ra     sql.NullInt64
		)
		if err := rows.Scan(&q.RequestID, &q.SQL, &params, &q.DurationMs, &ra, &q.ConnectionName, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		if ra.Valid {
			v := ra.Int64
			q.RowsAffected = &v
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &q.Parameters); err != nil {
				return nil, fmt.Errorf("decode query parameters: %w", err)
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *Postgres) RequestExceptions(ctx context.Context, requestID string) ([]CapturedException, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_id, exception_type, exception_value, stacktrace, created_at
		 FROM radar_exceptions WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var out []CapturedException
	for rows.Next() {
		var e CapturedException
		if err := rows.Scan(&e.RequestID, &e.ExceptionType, &e.ExceptionValue, &e.Stacktrace, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (CapturedRequest, error) {
	var (
		req                         CapturedRequest
		queryParams, headers, respH []byte
	)
	err := row.Scan(&req.RequestID, &req.Method, &req.URL, &req.Path, &queryParams, &headers,
		&req.Body, &req.StatusCode, &req.ResponseBody, &respH, &req.DurationMs, &req.ClientIP, &req.CreatedAt)
	if err != nil {
		return CapturedRequest{}, err
	}
	for _, pair := range []struct {
		raw  []byte
		dest *map[string]string
	}{
		{queryParams, &req.QueryParams},
		{headers, &req.Headers},
		{respH, &req.ResponseHeaders},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dest); err != nil {
				return CapturedRequest{}, fmt.Errorf("decode request json: %w", err)
			}
		}
	}
	return req, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

var _ Store = (*Postgres)(nil)
