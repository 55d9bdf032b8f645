package tracing

import (
	"github.com/radarhq/radar/internal/storage"
)

// computeRelations produces one parent→child row per edge in the root's
// subtree, annotated with the child's depth from the root. The traversal is
// an explicit worklist rather than recursion so pathologically deep span
// trees cannot exhaust the stack. Spans unreachable from the root produce no
// rows; the waterfall defaults their depth to zero.
func computeRelations(traceID, rootSpanID string, spans map[string]*storage.Span) []storage.SpanRelation {
	if rootSpanID == "" {
		return nil
	}

	children := make(map[string][]string, len(spans))
	for spanID, span := range spans {
		if span.ParentSpanID != "" {
			children[span.ParentSpanID] = append(children[span.ParentSpanID], spanID)
		}
	}

	type frame struct {
		spanID string
		depth  int
	}

	var relations []storage.SpanRelation
	visited := map[string]bool{rootSpanID: true}
	stack := []frame{{spanID: rootSpanID, depth: 0}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, childID := range children[top.spanID] {
			if visited[childID] {
				// Malformed parent links could introduce a cycle; never
				// revisit a span.
				continue
			}
			visited[childID] = true
			relations = append(relations, storage.SpanRelation{
				TraceID:      traceID,
				ParentSpanID: top.spanID,
				ChildSpanID:  childID,
				Depth:        top.depth + 1,
			})
			stack = append(stack, frame{spanID: childID, depth: top.depth + 1})
		}
	}
	return relations
}
