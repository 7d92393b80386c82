package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/lib/dispatcher"
)

var flog = logger.GetLogger("flusher")

// FlusherState is the lifecycle state of the flusher.
type FlusherState int32

const (
	FlusherInitializing FlusherState = iota
	FlusherRunning
	FlusherPausing
	FlusherPaused
	FlusherStopping
	FlusherStopped
)

func (s FlusherState) String() string {
	switch s {
	case FlusherInitializing:
		return "initializing"
	case FlusherRunning:
		return "running"
	case FlusherPausing:
		return "pausing"
	case FlusherPaused:
		return "paused"
	case FlusherStopping:
		return "stopping"
	case FlusherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Flusher drives flush cycles as a recurring writer task.
//
//	initializing -> running <-> pausing -> paused
//	any state    -> stopping -> stopped
//
// Stopping drains the queue with MinDataAge forced to zero before the flusher
// reports stopped.
type Flusher struct {
	store *Store
	d     *dispatcher.Dispatcher
	task  *dispatcher.Task
	state atomic.Int32

	stopOnce    sync.Once
	stoppedOnce sync.Once
	stopped     chan struct{}
}

func newFlusher(s *Store, d *dispatcher.Dispatcher) *Flusher {
	return &Flusher{
		store:   s,
		d:       d,
		stopped: make(chan struct{}),
	}
}

// Start schedules the flusher task. Without a dispatcher the flusher stays
// initializing and only runs through RunFlushCycle and Stop.
func (f *Flusher) Start() {
	if f.d == nil {
		return
	}
	task, err := f.d.ScheduleFlusherTask(f.step, 0)
	if err != nil {
		flog.Errorf("cannot schedule flusher: %v", err)
		return
	}
	f.task = task
}

// State returns the current state.
func (f *Flusher) State() FlusherState {
	return FlusherState(f.state.Load())
}

func (f *Flusher) transition(from, to FlusherState) bool {
	if f.state.CompareAndSwap(int32(from), int32(to)) {
		flog.Debugf("%s -> %s", from, to)
		return true
	}
	return false
}

// Wake runs the flusher task now if it is sleeping.
func (f *Flusher) Wake() {
	if f.d != nil && f.task != nil {
		f.d.Wake(f.task.ID())
	}
}

// Pause stops flushing after the current transaction. Returns false when the
// flusher is stopping or already paused.
func (f *Flusher) Pause() bool {
	if f.transition(FlusherRunning, FlusherPausing) || f.transition(FlusherInitializing, FlusherPausing) {
		f.Wake()
		return true
	}
	return false
}

// Resume continues a paused flusher.
func (f *Flusher) Resume() bool {
	if f.transition(FlusherPaused, FlusherRunning) || f.transition(FlusherPausing, FlusherRunning) {
		f.Wake()
		return true
	}
	return false
}

// Stop drains the dirty queue and stops the flusher. It does not wait, see
// Wait. Stop is idempotent.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		f.state.Store(int32(FlusherStopping))
		flog.Infof("stopping, %d items queued", f.store.queue.Size())
		if f.task == nil {
			f.store.drain()
			f.markStopped()
			return
		}
		f.Wake()
	})
}

// Wait blocks until the flusher stopped. If the dispatcher went away before the
// flusher task saw the stop, the queue is drained on the calling goroutine.
func (f *Flusher) Wait() {
	if f.task == nil {
		<-f.stopped
		return
	}
	select {
	case <-f.stopped:
		return
	case <-f.task.Done():
	}

	select {
	case <-f.stopped:
	default:
		f.store.drain()
		f.markStopped()
	}
}

func (f *Flusher) markStopped() {
	f.stoppedOnce.Do(func() {
		f.state.Store(int32(FlusherStopped))
		close(f.stopped)
		flog.Infof("stopped")
	})
}

// step is the body of the flusher task
func (f *Flusher) step(ctx context.Context, t *dispatcher.Task) bool {
	maxSleep := f.store.opts.FlusherMaxSleep

	f.transition(FlusherInitializing, FlusherRunning)
	switch f.State() {
	case FlusherStopping:
		f.store.drain()
		f.markStopped()
		return false
	case FlusherStopped:
		return false
	case FlusherPausing:
		f.transition(FlusherPausing, FlusherPaused)
		t.Snooze(maxSleep)
		return true
	case FlusherPaused:
		t.Snooze(maxSleep)
		return true
	}

	res := f.store.flushCycle(func() bool {
		return f.State() != FlusherRunning
	})
	t.Snooze(nextSleep(res, maxSleep))
	return true
}

// nextSleep picks the pause before the next cycle
func nextSleep(res cycleResult, maxSleep time.Duration) time.Duration {
	switch {
	case !res.worked:
		return maxSleep
	case res.left > 0:
		return 0
	case res.delay < maxSleep:
		return res.delay
	default:
		return maxSleep
	}
}
