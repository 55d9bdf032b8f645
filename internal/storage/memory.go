package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Store. It bounds request retention so a
// long-running process does not grow without limit; traces are retained
// alongside their originating requests and share the same bound.
type Memory struct {
	mu sync.RWMutex

	maxRequests int

	requests   []CapturedRequest // insertion order, oldest first
	queries    map[string][]CapturedQuery
	exceptions map[string][]CapturedException

	traces     []Trace // insertion order, oldest first
	spans      map[string][]Span
	relations  map[string][]SpanRelation
	traceIndex map[string]int // trace id -> index into traces
}

// NewMemory creates an in-memory store retaining at most maxRequests
// captured requests (and the same number of traces). Zero or negative
// means 1000.
func NewMemory(maxRequests int) *Memory {
	if maxRequests <= 0 {
		maxRequests = 1000
	}
	return &Memory{
		maxRequests: maxRequests,
		queries:     make(map[string][]CapturedQuery),
		exceptions:  make(map[string][]CapturedException),
		spans:       make(map[string][]Span),
		relations:   make(map[string][]SpanRelation),
		traceIndex:  make(map[string]int),
	}
}

func (m *Memory) SaveTrace(ctx context.Context, trace Trace, spans []Span, relations []SpanRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.traces = append(m.traces, trace)
	m.spans[trace.TraceID] = append([]Span(nil), spans...)
	m.relations[trace.TraceID] = append([]SpanRelation(nil), relations...)

	if len(m.traces) > m.maxRequests {
		evicted := m.traces[0]
		m.traces = m.traces[1:]
		delete(m.spans, evicted.TraceID)
		delete(m.relations, evicted.TraceID)
	}
	m.reindexTracesLocked()
	return nil
}

func (m *Memory) reindexTracesLocked() {
	m.traceIndex = make(map[string]int, len(m.traces))
	for i, tr := range m.traces {
		m.traceIndex[tr.TraceID] = i
	}
}

func (m *Memory) SaveRequest(ctx context.Context, req CapturedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.requests) > m.maxRequests {
		evicted := m.requests[0]
		m.requests = m.requests[1:]
		delete(m.queries, evicted.RequestID)
		delete(m.exceptions, evicted.RequestID)
	}
	return nil
}

func (m *Memory) SaveQuery(ctx context.Context, q CapturedQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[q.RequestID] = append(m.queries[q.RequestID], q)
	return nil
}

func (m *Memory) SaveException(ctx context.Context, e CapturedException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions[e.RequestID] = append(m.exceptions[e.RequestID], e)
	return nil
}

func (m *Memory) GetTrace(ctx context.Context, traceID string) (Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.traceIndex[traceID]; ok {
		return m.traces[i], nil
	}
	return Trace{}, ErrNotFound
}

func (m *Memory) ListTraces(ctx context.Context, limit int) ([]Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Trace, len(m.traces))
	copy(out, m.traces)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TraceSpans(ctx context.Context, traceID string) ([]Span, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Span(nil), m.spans[traceID]...), nil
}

func (m *Memory) TraceRelations(ctx context.Context, traceID string) ([]SpanRelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SpanRelation(nil), m.relations[traceID]...), nil
}

func (m *Memory) GetRequest(ctx context.Context, requestID string) (CapturedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].RequestID == requestID {
			return m.requests[i], nil
		}
	}
	return CapturedRequest{}, ErrNotFound
}

func (m *Memory) ListRequests(ctx context.Context, limit int) ([]CapturedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CapturedRequest, len(m.requests))
	copy(out, m.requests)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RequestQueries(ctx context.Context, requestID string) ([]CapturedQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CapturedQuery(nil), m.queries[requestID]...), nil
}

func (m *Memory) RequestExceptions(ctx context.Context, requestID string) ([]CapturedException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CapturedException(nil), m.exceptions[requestID]...), nil
}

var _ Store = (*Memory)(nil)
