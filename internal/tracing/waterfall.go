package tracing

import (
	"sort"
	"time"

	"github.com/radarhq/radar/internal/storage"
)

// WaterfallRow is one rendering-ready timeline entry. Rows are flat: the
// consumer needs no further tree walking, which is the point of precomputing
// relations at write time.
type WaterfallRow struct {
	SpanID        string         `json:"span_id"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	OperationName string         `json:"operation_name"`
	ServiceName   string         `json:"service_name"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	DurationMs    *float64       `json:"duration_ms,omitempty"`
	Status        string         `json:"status"`
	Tags          map[string]any `json:"tags,omitempty"`
	Depth         int            `json:"depth"`
	OffsetMs      float64        `json:"offset_ms"`
}

// BuildWaterfall turns a persisted trace's spans and relation rows into an
// ordered timeline. Depth comes from the relation table, defaulting to zero
// for the root and for spans whose parent row was never persisted. Offsets
// are relative to the earliest span start. Rows sort ascending by
// (offset_ms, depth): temporal order first, ancestors before descendants at
// the same instant.
func BuildWaterfall(spans []storage.Span, relations []storage.SpanRelation) []WaterfallRow {
	if len(spans) == 0 {
		return nil
	}

	depths := make(map[string]int, len(relations))
	for _, r := range relations {
		depths[r.ChildSpanID] = r.Depth
	}

	minStart := spans[0].StartTime
	for _, s := range spans[1:] {
		if s.StartTime.Before(minStart) {
			minStart = s.StartTime
		}
	}

	rows := make([]WaterfallRow, 0, len(spans))
	for _, s := range spans {
		rows = append(rows, WaterfallRow{
			SpanID:        s.SpanID,
			ParentSpanID:  s.ParentSpanID,
			OperationName: s.OperationName,
			ServiceName:   s.ServiceName,
			StartTime:     s.StartTime,
			EndTime:       s.EndTime,
			DurationMs:    s.DurationMs,
			Status:        s.Status,
			Tags:          s.Tags,
			Depth:         depths[s.SpanID],
			OffsetMs:      float64(s.StartTime.Sub(minStart)) / float64(time.Millisecond),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].OffsetMs != rows[j].OffsetMs {
			return rows[i].OffsetMs < rows[j].OffsetMs
		}
		return rows[i].Depth < rows[j].Depth
	})
	return rows
}
