package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radarhq/radar/internal/capture"
	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/storage"
)

func newTestTracker(maxTasks int) *Tracker {
	return NewTracker(maxTasks, logging.NewNop())
}

func noopTask(ctx context.Context, args ...any) error { return nil }

func failingTask(ctx context.Context, args ...any) error {
	return errors.New("boom")
}

func TestWrapHappyPath(t *testing.T) {
	tr := newTestTracker(100)

	runner := tr.Wrap(noopTask, 1, 2)

	queued := tr.List()
	require.Len(t, queued, 1)
	assert.Equal(t, StatusQueued, queued[0].Status)
	assert.Equal(t, []any{1, 2}, queued[0].Params.Args)
	assert.Nil(t, queued[0].StartedAt)

	require.NoError(t, runner())

	tasks := tr.List()
	require.Len(t, tasks, 1, "exactly one task record for one wrap")
	task := tasks[0]
	assert.Equal(t, StatusFinished, task.Status)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.EndedAt)
	require.NotNil(t, task.DurationMs)
	assert.GreaterOrEqual(t, *task.DurationMs, 0.0)
	assert.Contains(t, task.FunctionKey, "noopTask")
	assert.Equal(t, "noopTask", task.FunctionName)
}

func TestWrapFailure(t *testing.T) {
	tr := newTestTracker(100)

	runner := tr.Wrap(failingTask)
	err := runner()
	require.Error(t, err, "direct synchronous invocation surfaces the failure")

	tasks := tr.List()
	require.Len(t, tasks, 1, "failures are not dropped")
	task := tasks[0]
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "boom", task.ErrorMessage)
	assert.NotEmpty(t, task.ErrorTrace)
	require.NotNil(t, task.EndedAt)
}

func TestWrapPanicIsCaptured(t *testing.T) {
	tr := newTestTracker(100)

	runner := tr.Wrap(func(ctx context.Context, args ...any) error {
		panic("kaboom")
	})

	var err error
	assert.NotPanics(t, func() { err = runner() })
	require.Error(t, err)

	tasks := tr.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].ErrorMessage, "kaboom")
	assert.NotEmpty(t, tasks[0].ErrorTrace)
}

func TestListMostRecentlyQueuedFirst(t *testing.T) {
	tr := newTestTracker(100)

	for i := 0; i < 3; i++ {
		tr.Wrap(noopTask, i)
		time.Sleep(2 * time.Millisecond)
	}

	tasks := tr.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, []any{2}, tasks[0].Params.Args)
	assert.Equal(t, []any{0}, tasks[2].Params.Args)
}

func TestRegistryBound(t *testing.T) {
	const max = 5
	tr := newTestTracker(max)

	var finishedIDs []string
	for i := 0; i < max+5; i++ {
		runner := tr.Wrap(noopTask, i)
		require.NoError(t, runner())
		tasks := tr.List()
		finishedIDs = append(finishedIDs, tasks[0].ID)
		time.Sleep(time.Millisecond)
	}

	tasks := tr.List()
	require.Len(t, tasks, max, "registry holds exactly the configured maximum")

	// The retained entries are the most recently completed ones.
	retained := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		retained[task.ID] = true
	}
	for _, tid := range finishedIDs[len(finishedIDs)-max:] {
		assert.True(t, retained[tid], "newest-completed tasks survive eviction")
	}
	for _, tid := range finishedIDs[:len(finishedIDs)-max] {
		assert.False(t, retained[tid], "oldest-completed tasks are evicted first")
	}
}

func TestUnfinishedTaskNeverEvictedWhileFinishedRemain(t *testing.T) {
	const max = 3
	tr := newTestTracker(max)

	block := make(chan struct{})
	started := make(chan struct{})
	runner := tr.Wrap(func(ctx context.Context, args ...any) error {
		close(started)
		<-block
		return nil
	}, "long")
	go func() { _ = runner() }()
	<-started

	// Fill well past the bound with finished tasks.
	for i := 0; i < max+4; i++ {
		r := tr.Wrap(noopTask, i)
		require.NoError(t, r())
		time.Sleep(time.Millisecond)
	}

	var foundRunning bool
	for _, task := range tr.List() {
		if task.Status == StatusRunning {
			foundRunning = true
		}
	}
	assert.True(t, foundRunning, "the running task must survive eviction")

	close(block)
}

func TestRerun(t *testing.T) {
	tr := newTestTracker(100)

	var mu sync.Mutex
	var invocations [][]any
	record := func(ctx context.Context, args ...any) error {
		mu.Lock()
		invocations = append(invocations, args)
		mu.Unlock()
		return nil
	}

	runner := tr.Wrap(record, "alpha", 7)
	require.NoError(t, runner())

	original := tr.List()[0]

	newID, err := tr.Rerun(original.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, newID, "rerun creates a brand-new task record")

	require.Eventually(t, func() bool {
		for _, task := range tr.List() {
			if task.ID == newID && (task.Status == StatusFinished || task.Status == StatusFailed) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	tasks := tr.List()
	require.Len(t, tasks, 2)
	var rerun View
	for _, task := range tasks {
		if task.ID == newID {
			rerun = task
		}
	}
	assert.Equal(t, original.Params.Args, rerun.Params.Args, "identical serialized arguments")
	assert.Equal(t, StatusFinished, rerun.Status)

	// The original record was not mutated by the rerun.
	for _, task := range tasks {
		if task.ID == original.ID {
			assert.Equal(t, original.EndedAt, task.EndedAt)
		}
	}

	mu.Lock()
	assert.Len(t, invocations, 2)
	mu.Unlock()
}

func TestRerunUnknownTask(t *testing.T) {
	tr := newTestTracker(100)
	_, err := tr.Rerun("no-such-task")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRerunAfterClear(t *testing.T) {
	tr := newTestTracker(100)
	runner := tr.Wrap(noopTask)
	require.NoError(t, runner())
	taskID := tr.List()[0].ID

	tr.Clear()
	assert.Empty(t, tr.List())

	_, err := tr.Rerun(taskID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// recordingSubscriber collects snapshots; it can be told to start failing.
type recordingSubscriber struct {
	mu        sync.Mutex
	snapshots []Snapshot
	fail      bool
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	var snap Snapshot
	if err := sonic.Unmarshal(payload, &snap); err != nil {
		return err
	}
	r.snapshots = append(r.snapshots, snap)
	return nil
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recordingSubscriber) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}

func TestSubscriberReceivesSnapshotOnConnectAndTransitions(t *testing.T) {
	tr := newTestTracker(100)

	sub := &recordingSubscriber{}
	tr.Subscribe(sub)
	require.Equal(t, 1, sub.count(), "immediate snapshot on subscribe")
	assert.Empty(t, sub.last().Tasks)

	runner := tr.Wrap(noopTask, 42)
	require.NoError(t, runner())

	// queued + running + finalize broadcasts, observed in order.
	require.GreaterOrEqual(t, sub.count(), 4)
	var statuses []Status
	sub.mu.Lock()
	for _, snap := range sub.snapshots[1:] {
		if len(snap.Tasks) > 0 {
			statuses = append(statuses, snap.Tasks[0].Status)
		}
	}
	sub.mu.Unlock()
	assert.Equal(t, StatusQueued, statuses[0])
	assert.Equal(t, StatusFinished, statuses[len(statuses)-1])

	last := sub.last()
	require.Len(t, last.Tasks, 1)
	assert.Equal(t, []any{float64(42)}, last.Tasks[0].Params.Args)
}

func TestFailingSubscriberIsPrunedSilently(t *testing.T) {
	tr := newTestTracker(100)

	healthy := &recordingSubscriber{}
	broken := &recordingSubscriber{fail: true}
	tr.Subscribe(healthy)

	tr.subMu.Lock()
	tr.subs[broken] = struct{}{}
	tr.subMu.Unlock()

	runner := tr.Wrap(noopTask)
	require.NoError(t, runner(), "broadcast failure never affects task execution")

	tr.subMu.Lock()
	_, stillThere := tr.subs[broken]
	tr.subMu.Unlock()
	assert.False(t, stillThere, "erroring subscriber is pruned")
	assert.Greater(t, healthy.count(), 1)
}

func TestClearBroadcastsEmptySnapshot(t *testing.T) {
	tr := newTestTracker(100)
	runner := tr.Wrap(noopTask)
	require.NoError(t, runner())

	sub := &recordingSubscriber{}
	tr.Subscribe(sub)
	require.Len(t, sub.last().Tasks, 1)

	tr.Clear()
	assert.Empty(t, sub.last().Tasks)
}

func TestWrapCorrelated(t *testing.T) {
	tr := newTestTracker(100)

	got := make(chan string, 1)
	runner := tr.WrapCorrelated("req_123", func(ctx context.Context, args ...any) error {
		rid, _ := CorrelationIDFromContext(ctx)
		got <- rid
		return nil
	})
	require.NoError(t, runner())

	assert.Equal(t, "req_123", <-got)
	assert.Equal(t, "req_123", tr.List()[0].CorrelationID)
}

func TestCorrelatedTaskWorkIsCaptured(t *testing.T) {
	tr := newTestTracker(100)
	store := storage.NewMemory(10)
	obs := capture.NewQueryObserver(store, nil, capture.QueryObserverConfig{})

	// Capture adapters invoked inside the task body must see the task's
	// correlation id through the context.
	runner := tr.WrapCorrelated("req_task", func(ctx context.Context, args ...any) error {
		_, err := obs.Observe(ctx, "SELECT 1", nil,
			func(context.Context) (int64, error) { return 1, nil })
		return err
	})
	require.NoError(t, runner())

	queries, err := store.RequestQueries(context.Background(), "req_task")
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "SELECT 1", queries[0].SQL)
}

// countingTaskMetrics records tracker lifecycle events.
type countingTaskMetrics struct {
	mu        sync.Mutex
	completed []string
	durations []time.Duration
	tracked   int
	snapshots int
}

func (c *countingTaskMetrics) RecordTask(status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, status)
	c.durations = append(c.durations, duration)
}

func (c *countingTaskMetrics) SetTasksTracked(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = n
}

func (c *countingTaskMetrics) RecordSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots++
}

func TestTrackerRecordsMetrics(t *testing.T) {
	rec := &countingTaskMetrics{}
	tr := newTestTracker(100).WithMetrics(rec)
	tr.Subscribe(&recordingSubscriber{})

	require.NoError(t, tr.Wrap(noopTask)())
	require.Error(t, tr.Wrap(failingTask)())

	rec.mu.Lock()
	assert.Equal(t, []string{"finished", "failed"}, rec.completed)
	for _, d := range rec.durations {
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
	assert.Equal(t, 2, rec.tracked, "gauge follows the registry size")
	assert.Greater(t, rec.snapshots, 0, "delivered snapshots are counted")
	rec.mu.Unlock()

	tr.Clear()
	rec.mu.Lock()
	assert.Equal(t, 0, rec.tracked)
	rec.mu.Unlock()
}

func TestConcurrentWrapAndList(t *testing.T) {
	tr := newTestTracker(1000)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runner := tr.Wrap(noopTask, fmt.Sprintf("job-%d", n))
			_ = runner()
		}(i)
	}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.List()
		}()
	}
	wg.Wait()

	tasks := tr.List()
	assert.Len(t, tasks, 16)
	for _, task := range tasks {
		assert.Equal(t, StatusFinished, task.Status)
	}
}
