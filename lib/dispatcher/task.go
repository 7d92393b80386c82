package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Priorities
// --------------------------------------------------------------------------

// Priority orders ready tasks on a worker. Lower Value runs first.
type Priority struct {
	ID    int
	Name  string
	Value int
}

func (p Priority) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Value)
}

var (
	FlusherPriority           = Priority{ID: 0, Name: "flusher", Value: 0}
	BgFetcherPriority         = Priority{ID: 1, Name: "bg_fetcher", Value: 1}
	VKeyStatBgFetcherPriority = Priority{ID: 2, Name: "vkey_stat_bg_fetcher", Value: 3}
	VBucketPersistPriority    = Priority{ID: 3, Name: "vbucket_persist", Value: 2}
	VBucketDeletionPriority   = Priority{ID: 4, Name: "vbucket_deletion", Value: 2}
	StatSnapPriority          = Priority{ID: 5, Name: "stat_snap", Value: 9}
)

// --------------------------------------------------------------------------
// Task
// --------------------------------------------------------------------------

// TaskFunc is the body of a task. Returning true schedules it again after its
// sleep interval. ctx is cancelled when the dispatcher stops.
type TaskFunc func(ctx context.Context, t *Task) bool

// Task is a unit of background work.
type Task struct {
	id       uint64
	name     string
	priority Priority
	fn       TaskFunc

	worker    int
	sleep     atomic.Int64
	cancelled atomic.Bool
	runs      atomic.Int64

	doneOnce sync.Once
	done     chan struct{}
}

// NewTask creates an unscheduled task. The initial sleep is used as the delay
// before the first run.
func NewTask(name string, priority Priority, sleep time.Duration, fn TaskFunc) *Task {
	t := &Task{
		name:     name,
		priority: priority,
		fn:       fn,
		worker:   -1,
		done:     make(chan struct{}),
	}
	t.sleep.Store(int64(sleep))
	return t
}

// ID returns the id assigned when the task was scheduled.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Priority returns the task priority.
func (t *Task) Priority() Priority { return t.priority }

// Worker returns the index of the worker the task was routed to.
func (t *Task) Worker() int { return t.worker }

// Runs returns how many times the task body ran.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Snooze sets the interval before the next run.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Task) Snooze(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.sleep.Store(int64(d))
}

// SleepInterval returns the current sleep interval.
func (t *Task) SleepInterval() time.Duration {
	return time.Duration(t.sleep.Load())
}

// Cancel stops the task from running again. A running body finishes normally.
// Use Dispatcher.Cancel to also remove it from its worker promptly.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// IsCancelled reports whether Cancel was called.
func (t *Task) IsCancelled() bool { return t.cancelled.Load() }

// Done is closed once the task will never run again.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{id: %d, name: %s, priority: %s, worker: %d}", t.id, t.name, t.priority, t.worker)
}

// --------------------------------------------------------------------------
// Workload policy
// --------------------------------------------------------------------------

// WorkloadPolicy sizes the writer and reader classes.
type WorkloadPolicy struct {
	MaxWorkers  int
	ReaderRatio float64
}

// DefaultWorkloadPolicy returns four workers split evenly
func DefaultWorkloadPolicy() WorkloadPolicy {
	return WorkloadPolicy{MaxWorkers: 4, ReaderRatio: 0.5}
}

// NumReaders returns the size of the reader class, at least one.
func (p WorkloadPolicy) NumReaders() int {
	n := int(float64(p.MaxWorkers)*p.ReaderRatio + 0.5)
	if n < 1 {
		n = 1
	}
	if p.MaxWorkers > 1 && n >= p.MaxWorkers {
		n = p.MaxWorkers - 1
	}
	return n
}

// NumWriters returns the size of the writer class, at least one.
func (p WorkloadPolicy) NumWriters() int {
	n := p.MaxWorkers - p.NumReaders()
	if n < 1 {
		n = 1
	}
	return n
}

// WriterFor routes writer-class work for a shard.
func (p WorkloadPolicy) WriterFor(shard int) int {
	return nonNegMod(shard, p.NumWriters())
}

// ReaderFor routes reader-class work for a shard.
func (p WorkloadPolicy) ReaderFor(shard int) int {
	return p.NumWriters() + nonNegMod(shard, p.NumReaders())
}

func nonNegMod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
