// Package id provides centralized ID generation for the telemetry engine.
//
// Identifier formats follow the wire shapes consumers expect:
//   - Request IDs: prefixed ULIDs (req_*), lexicographically sortable so
//     captured requests order by time without an extra timestamp index
//   - Trace IDs: 32 lowercase hex characters (UUID without dashes)
//   - Span IDs: 16 lowercase hex characters, unique within a trace
//   - Task IDs: canonical UUID strings
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RequestID identifies one captured inbound request. It doubles as the
// correlation id tying queries, exceptions, and spans to their origin.
type RequestID string

// TraceID identifies the span set of one logical unit of work.
type TraceID string

// SpanID identifies a single timed operation within a trace.
type SpanID string

// TaskID identifies a tracked background task record.
type TaskID string

const requestPrefix = "req"

// Generator produces ULIDs from a guarded entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Tests can pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRequestID generates a correlation id for an inbound request.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(requestPrefix))
}

// NewTraceID generates a 32-hex-character trace id.
func NewTraceID() TraceID {
	u := uuid.New()
	return TraceID(hex.EncodeToString(u[:]))
}

// NewSpanID generates a 16-hex-character span id.
func NewSpanID() SpanID {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// UUID-derived token rather than returning an empty id.
		u := uuid.New()
		copy(b[:], u[:8])
	}
	return SpanID(hex.EncodeToString(b[:]))
}

// NewTaskID generates a task id.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

func (id RequestID) String() string { return string(id) }
func (id TraceID) String() string   { return string(id) }
func (id SpanID) String() string    { return string(id) }
func (id TaskID) String() string    { return string(id) }

// Timestamp extracts the embedded time from a prefixed request id.
func Timestamp(id RequestID) (time.Time, error) {
	s := string(id)
	if len(s) > len(requestPrefix)+1 && s[:len(requestPrefix)+1] == requestPrefix+"_" {
		s = s[len(requestPrefix)+1:]
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
