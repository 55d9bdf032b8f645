// Package tasks tracks the lifecycle of deferred background work: bounded
// registry, rerun from captured arguments, and live snapshot fan-out to
// subscribers.
package tasks

import (
	"math"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Task is one tracked background unit of work. The registry owns the record
// from creation to eviction; only the runner executing this specific task
// mutates it, while listeners and snapshot producers read concurrently
// through copies taken under the registry lock.
type Task struct {
	ID            string
	FunctionKey   string
	FunctionName  string
	CorrelationID string
	QueuedAt      time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	Status        Status
	Args          []any // serialized representation
	ErrorMessage  string
	ErrorTrace    string

	rawArgs []any // original values retained for rerun
}

// DurationMs returns the task's run duration, or nil while it has not both
// started and ended.
func (t *Task) DurationMs() *float64 {
	if t.StartedAt == nil || t.EndedAt == nil {
		return nil
	}
	ms := float64(t.EndedAt.Sub(*t.StartedAt)) / float64(time.Millisecond)
	ms = math.Round(ms*100) / 100
	return &ms
}

// View is the JSON-serializable projection of a task sent to subscribers and
// returned by the dashboard API.
type View struct {
	ID            string     `json:"id"`
	FunctionKey   string     `json:"function_key"`
	FunctionName  string     `json:"function_name"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Status        Status     `json:"status"`
	QueuedAt      time.Time  `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	DurationMs    *float64   `json:"duration_ms"`
	Params        Params     `json:"params"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorTrace    string     `json:"error_trace,omitempty"`
}

// Params carries the serialized call arguments.
type Params struct {
	Args []any `json:"args"`
}

// Snapshot is the payload pushed to live subscribers on connect and after
// every task state transition.
type Snapshot struct {
	Tasks []View `json:"tasks"`
}

func (t *Task) view() View {
	return View{
		ID:            t.ID,
		FunctionKey:   t.FunctionKey,
		FunctionName:  t.FunctionName,
		CorrelationID: t.CorrelationID,
		Status:        t.Status,
		QueuedAt:      t.QueuedAt,
		StartedAt:     t.StartedAt,
		EndedAt:       t.EndedAt,
		DurationMs:    t.DurationMs(),
		Params:        Params{Args: t.Args},
		ErrorMessage:  t.ErrorMessage,
		ErrorTrace:    t.ErrorTrace,
	}
}
