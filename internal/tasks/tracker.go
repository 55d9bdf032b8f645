package tasks

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/correlation"
	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/shared/id"
)

// ErrTaskNotFound is returned by Rerun when the task id is unknown or its
// retained callable was evicted with it.
var ErrTaskNotFound = errors.New("tasks: task not found")

// TaskFunc is the unit of work the tracker observes. The context carries the
// correlation id when the task was wrapped with one. A TaskFunc runs to
// completion on its own goroutine; there is no separate awaitable phase,
// asynchronous work is simply work the function has not returned from yet.
type TaskFunc func(ctx context.Context, args ...any) error

// Runner executes one wrapped task. The tracker never schedules it; the
// host's deferral mechanism (a goroutine, a worker pool) invokes it. The
// returned error is the wrapped callable's own failure, for callers that
// invoke synchronously; the task record captures it either way.
type Runner func() error

// Subscriber receives snapshot payloads. A Send error prunes the subscriber
// on the next broadcast; it never affects task execution.
type Subscriber interface {
	Send(snapshot []byte) error
}

// Metrics receives task lifecycle and snapshot-delivery counts. It is
// satisfied by *monitoring.Metrics.
type Metrics interface {
	RecordTask(status string, duration time.Duration)
	SetTasksTracked(n int)
	RecordSnapshot()
}

// Tracker observes the full lifecycle of deferred work with bounded
// retention and live push updates.
//
// Locking discipline: the registry (tasks + retained callables) has one
// mutex covering every mutation and snapshot; the subscriber set has its
// own, so the registry lock is never held across a potentially slow send.
// Neither lock is held while the wrapped callable runs.
type Tracker struct {
	maxTasks int
	logger   *logging.Logger
	metrics  Metrics

	mu    sync.Mutex
	tasks map[string]*Task
	funcs map[string]TaskFunc

	subMu sync.Mutex
	subs  map[Subscriber]struct{}
}

// NewTracker creates a tracker retaining at most maxTasks records. Zero or
// negative selects the default of 10000.
func NewTracker(maxTasks int, logger *logging.Logger) *Tracker {
	if maxTasks <= 0 {
		maxTasks = 10000
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		maxTasks: maxTasks,
		logger:   logger,
		tasks:    make(map[string]*Task),
		funcs:    make(map[string]TaskFunc),
	}
}

// WithMetrics attaches a metrics recorder and returns the tracker.
func (t *Tracker) WithMetrics(metrics Metrics) *Tracker {
	t.metrics = metrics
	return t
}

// Wrap registers fn with its arguments as a queued task and returns the
// runner the host scheduler invokes. Arguments are serialized up front, and
// the callable is retained under its function key so the task can be rerun
// later.
func (t *Tracker) Wrap(fn TaskFunc, args ...any) Runner {
	_, runner := t.wrap("", fn, args)
	return runner
}

// WrapCorrelated is Wrap for work spawned from within a tracked request: the
// task record carries the correlation id and the runner passes it to fn
// through the context.
func (t *Tracker) WrapCorrelated(correlationID string, fn TaskFunc, args ...any) Runner {
	_, runner := t.wrap(correlationID, fn, args)
	return runner
}

func (t *Tracker) wrap(correlationID string, fn TaskFunc, args []any) (string, Runner) {
	taskID := id.NewTaskID().String()
	key := functionKey(fn)

	task := &Task{
		ID:            taskID,
		FunctionKey:   key,
		FunctionName:  functionName(key),
		CorrelationID: correlationID,
		QueuedAt:      time.Now().UTC(),
		Status:        StatusQueued,
		Args:          serializeArgs(args),
		rawArgs:       args,
	}

	t.mu.Lock()
	t.tasks[taskID] = task
	t.funcs[key] = fn
	t.enforceLimitLocked()
	tracked := len(t.tasks)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetTasksTracked(tracked)
	}

	t.broadcast()

	runner := func() (err error) {
		t.markRunning(taskID)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
				t.markFailed(taskID, err, string(debug.Stack()))
			}
			t.finalize(taskID)
		}()

		ctx := context.Background()
		if correlationID != "" {
			ctx = correlation.WithRequestID(ctx, correlationID)
		}

		if err = fn(ctx, args...); err != nil {
			t.markFailed(taskID, err, string(debug.Stack()))
			return err
		}
		t.markFinished(taskID)
		return nil
	}
	return taskID, runner
}

// CorrelationIDFromContext returns the correlation id a correlated task was
// wrapped with. The id is bound through the correlation package, so capture
// adapters invoked from the task body see it too.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	return correlation.RequestID(ctx)
}

// List returns a frozen snapshot of all tracked tasks, most recently queued
// first. Safe to serialize while tasks keep mutating.
func (t *Tracker) List() []View {
	t.mu.Lock()
	views := make([]View, 0, len(t.tasks))
	for _, task := range t.tasks {
		views = append(views, task.view())
	}
	t.mu.Unlock()

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].QueuedAt.After(views[j].QueuedAt)
	})
	return views
}

// Clear empties the registry and the retained-callable map, then broadcasts
// the now-empty snapshot.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.tasks = make(map[string]*Task)
	t.funcs = make(map[string]TaskFunc)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetTasksTracked(0)
	}

	t.broadcast()
}

// Rerun re-invokes a task's callable with its captured arguments as a brand
// new task record on a new goroutine. The original record is never mutated.
// Returns the new task id, or ErrTaskNotFound when the id or its retained
// callable has been evicted.
func (t *Tracker) Rerun(taskID string) (string, error) {
	t.mu.Lock()
	task, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	fn, ok := t.funcs[task.FunctionKey]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: callable for %s", ErrTaskNotFound, task.FunctionKey)
	}
	correlationID := task.CorrelationID
	args := task.rawArgs
	t.mu.Unlock()

	newID, runner := t.wrap(correlationID, fn, args)
	go func() {
		_ = runner() // failure is captured on the task record
	}()
	return newID, nil
}

// Subscribe registers a live subscriber and immediately sends it the full
// current snapshot.
func (t *Tracker) Subscribe(s Subscriber) {
	t.subMu.Lock()
	if t.subs == nil {
		t.subs = make(map[Subscriber]struct{})
	}
	t.subs[s] = struct{}{}
	t.subMu.Unlock()

	payload, err := t.snapshotPayload()
	if err != nil {
		return
	}
	if err := s.Send(payload); err != nil {
		t.Unsubscribe(s)
		return
	}
	if t.metrics != nil {
		t.metrics.RecordSnapshot()
	}
}

// Unsubscribe removes a subscriber. Unknown subscribers are ignored.
func (t *Tracker) Unsubscribe(s Subscriber) {
	t.subMu.Lock()
	delete(t.subs, s)
	t.subMu.Unlock()
}

func (t *Tracker) markRunning(taskID string) {
	now := time.Now().UTC()
	t.mutate(taskID, func(task *Task) {
		task.Status = StatusRunning
		task.StartedAt = &now
	})
}

func (t *Tracker) markFinished(taskID string) {
	t.mutate(taskID, func(task *Task) {
		task.Status = StatusFinished
	})
}

func (t *Tracker) markFailed(taskID string, err error, stack string) {
	t.mutate(taskID, func(task *Task) {
		task.Status = StatusFailed
		task.ErrorMessage = err.Error()
		task.ErrorTrace = stack
	})
}

// finalize records the end time and enforces the registry bound, success or
// failure alike.
func (t *Tracker) finalize(taskID string) {
	now := time.Now().UTC()
	var status Status
	var duration time.Duration
	var finished bool

	t.mu.Lock()
	if task, ok := t.tasks[taskID]; ok {
		task.EndedAt = &now
		t.enforceLimitLocked()
		status = task.Status
		if task.StartedAt != nil {
			duration = now.Sub(*task.StartedAt)
		}
		finished = true
	}
	tracked := len(t.tasks)
	t.mu.Unlock()

	if t.metrics != nil {
		if finished {
			t.metrics.RecordTask(string(status), duration)
		}
		t.metrics.SetTasksTracked(tracked)
	}

	t.broadcast()
}

func (t *Tracker) mutate(taskID string, apply func(*Task)) {
	t.mu.Lock()
	if task, ok := t.tasks[taskID]; ok {
		apply(task)
	}
	t.mu.Unlock()

	t.broadcast()
}

// enforceLimitLocked evicts the excess oldest-by-completion records:
// candidates order by (ended_at, started_at, queued_at) ascending with
// unfinished tasks last, so a task that has not finished is never evicted
// while a finished one remains.
func (t *Tracker) enforceLimitLocked() {
	if len(t.tasks) <= t.maxTasks {
		return
	}

	candidates := make([]*Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		candidates = append(candidates, task)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := compareTimePtr(a.EndedAt, b.EndedAt); c != 0 {
			return c < 0
		}
		if c := compareTimePtr(a.StartedAt, b.StartedAt); c != 0 {
			return c < 0
		}
		return a.QueuedAt.Before(b.QueuedAt)
	})

	excess := len(t.tasks) - t.maxTasks
	for i := 0; i < excess; i++ {
		delete(t.tasks, candidates[i].ID)
	}
}

// compareTimePtr orders nil (still running) after any concrete time.
func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	default:
		return 0
	}
}

func (t *Tracker) snapshotPayload() ([]byte, error) {
	payload, err := sonic.Marshal(Snapshot{Tasks: t.List()})
	if err != nil {
		t.logger.Warn("failed to encode task snapshot", zap.Error(err))
		return nil, err
	}
	return payload, nil
}

// broadcast pushes a fresh snapshot to every subscriber. The payload is
// encoded once; failing subscribers are pruned. Runs outside both locks'
// critical path for sends.
func (t *Tracker) broadcast() {
	t.subMu.Lock()
	if len(t.subs) == 0 {
		t.subMu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subMu.Unlock()

	payload, err := t.snapshotPayload()
	if err != nil {
		return
	}

	var stale []Subscriber
	for _, s := range subs {
		if err := s.Send(payload); err != nil {
			stale = append(stale, s)
			continue
		}
		if t.metrics != nil {
			t.metrics.RecordSnapshot()
		}
	}
	if len(stale) > 0 {
		t.subMu.Lock()
		for _, s := range stale {
			delete(t.subs, s)
		}
		t.subMu.Unlock()
	}
}

// functionKey derives a stable identity for the callable from its runtime
// symbol name, e.g. "github.com/acme/billing/jobs.SendInvoice".
func functionKey(fn TaskFunc) string {
	pc := reflect.ValueOf(fn).Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return "unknown"
}

// functionName is the short display name: the symbol after the last slash
// and package dot.
func functionName(key string) string {
	name := key
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return key
	}
	return name
}
