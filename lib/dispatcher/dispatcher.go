package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("dispatcher")

// ErrStopped is returned when work is scheduled on a stopped dispatcher.
var ErrStopped = errors.New("dispatcher: stopped")

// Dispatcher owns the worker pool.
//
// Thread-safety: all methods are thread-safe and can be called concurrently.
type Dispatcher struct {
	policy  WorkloadPolicy
	workers []*worker
	tasks   *xsync.MapOf[uint64, *Task]
	nextID  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a dispatcher with policy.NumWriters()+policy.NumReaders() workers.
// Workers do not run until Start.
func New(policy WorkloadPolicy) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		policy: policy,
		tasks:  xsync.NewMapOf[uint64, *Task](),
		ctx:    ctx,
		cancel: cancel,
	}
	n := policy.NumWriters() + policy.NumReaders()
	d.workers = make([]*worker, n)
	for i := range d.workers {
		d.workers[i] = newWorker(d, i, i < policy.NumWriters())
	}
	return d
}

// Policy returns the workload policy.
func (d *Dispatcher) Policy() WorkloadPolicy { return d.policy }

// NumWorkers returns the size of the pool.
func (d *Dispatcher) NumWorkers() int { return len(d.workers) }

// Start launches the workers. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for _, w := range d.workers {
		d.wg.Add(1)
		go w.run(d.ctx)
	}
	log.Infof("started %d writers and %d readers", d.policy.NumWriters(), d.policy.NumReaders())
}

// Stop cancels every task and waits for the workers to exit. A task body that
// is running when Stop is called finishes first. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for _, w := range d.workers {
		w.mailbox.Close()
		for range w.mailbox.Recv() {
		}
	}
	d.tasks.Range(func(id uint64, t *Task) bool {
		t.Cancel()
		t.finish()
		d.tasks.Delete(id)
		return true
	})
	log.Infof("stopped")
}

// --------------------------------------------------------------------------
// Scheduling
// --------------------------------------------------------------------------

// Schedule hands a task to a worker and returns its id. The first run happens
// after the task's sleep interval.
func (d *Dispatcher) Schedule(t *Task, workerIdx int) (uint64, error) {
	t.id = d.nextID.Add(1)
	t.worker = nonNegMod(workerIdx, len(d.workers))

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		t.Cancel()
		t.finish()
		return t.id, ErrStopped
	}

	d.tasks.Store(t.id, t)
	if !d.workers[t.worker].mailbox.Push(&message{kind: msgSchedule, task: t}) {
		d.tasks.Delete(t.id)
		t.Cancel()
		t.finish()
		return t.id, ErrStopped
	}
	return t.id, nil
}

// Wake moves a sleeping task to the ready queue of its worker.
func (d *Dispatcher) Wake(id uint64) bool {
	t, ok := d.tasks.Load(id)
	if !ok {
		return false
	}
	return d.workers[t.worker].mailbox.Push(&message{kind: msgWake, task: t})
}

// Cancel stops a task from running again and removes it from its worker.
func (d *Dispatcher) Cancel(id uint64) bool {
	t, ok := d.tasks.Load(id)
	if !ok {
		return false
	}
	t.Cancel()
	d.workers[t.worker].mailbox.Push(&message{kind: msgWake, task: t})
	return true
}

// Lookup returns a scheduled task by id.
func (d *Dispatcher) Lookup(id uint64) (*Task, bool) {
	return d.tasks.Load(id)
}

func (d *Dispatcher) schedule(name string, prio Priority, fn TaskFunc, sleep time.Duration, workerIdx int) (*Task, error) {
	t := NewTask(name, prio, sleep, fn)
	_, err := d.Schedule(t, workerIdx)
	return t, err
}

// ScheduleFlusherTask schedules the recurring flusher on a writer.
func (d *Dispatcher) ScheduleFlusherTask(fn TaskFunc, shard int) (*Task, error) {
	return d.schedule("flusher", FlusherPriority, fn, 0, d.policy.WriterFor(shard))
}

// ScheduleVBSnapshot schedules a bucket state snapshot on a writer.
func (d *Dispatcher) ScheduleVBSnapshot(fn TaskFunc, shard int) (*Task, error) {
	return d.schedule("vbucket_snapshot", VBucketPersistPriority, fn, 0, d.policy.WriterFor(shard))
}

// ScheduleVBDelete schedules a bucket deletion on a writer after delay.
func (d *Dispatcher) ScheduleVBDelete(fn TaskFunc, shard int, delay time.Duration) (*Task, error) {
	return d.schedule("vbucket_delete", VBucketDeletionPriority, fn, delay, d.policy.WriterFor(shard))
}

// ScheduleStatsSnapshot schedules a stats snapshot on a writer. fn returning
// true repeats it every interval.
func (d *Dispatcher) ScheduleStatsSnapshot(fn TaskFunc, shard int, interval time.Duration) (*Task, error) {
	return d.schedule("stat_snap", StatSnapPriority, fn, interval, d.policy.WriterFor(shard))
}

// ScheduleMultiBGFetcher schedules a batching background fetcher on a reader.
func (d *Dispatcher) ScheduleMultiBGFetcher(fn TaskFunc, shard int, interval time.Duration) (*Task, error) {
	return d.schedule("multi_bg_fetcher", BgFetcherPriority, fn, interval, d.policy.ReaderFor(shard))
}

// ScheduleVKeyFetch schedules a key stat fetch on a reader after delay.
func (d *Dispatcher) ScheduleVKeyFetch(fn TaskFunc, shard int, delay time.Duration) (*Task, error) {
	return d.schedule("vkey_fetch", VKeyStatBgFetcherPriority, fn, delay, d.policy.ReaderFor(shard))
}

// ScheduleBGFetch schedules a single background fetch on a reader after delay.
func (d *Dispatcher) ScheduleBGFetch(fn TaskFunc, shard int, delay time.Duration) (*Task, error) {
	return d.schedule("bg_fetch", BgFetcherPriority, fn, delay, d.policy.ReaderFor(shard))
}

// --------------------------------------------------------------------------
// Diagnostics
// --------------------------------------------------------------------------

// WorkerStats describes one worker.
type WorkerStats struct {
	Index  int    `json:"index"`
	Class  string `json:"class"`
	Ready  int64  `json:"ready"`
	Future int64  `json:"future"`
	Runs   int64  `json:"runs"`
}

// Stats returns a snapshot of every worker.
func (d *Dispatcher) Stats() []WorkerStats {
	out := make([]WorkerStats, len(d.workers))
	for i, w := range d.workers {
		class := "reader"
		if w.writer {
			class = "writer"
		}
		out[i] = WorkerStats{
			Index:  i,
			Class:  class,
			Ready:  w.readyLen.Load(),
			Future: w.futureLen.Load(),
			Runs:   w.runs.Load(),
		}
	}
	return out
}
