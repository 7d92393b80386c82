package dispatcher

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

type msgKind int

const (
	msgSchedule msgKind = iota
	msgWake
)

type message struct {
	kind msgKind
	task *Task
}

// worker runs the tasks routed to it one at a time
type worker struct {
	d       *Dispatcher
	idx     int
	writer  bool
	mailbox *mailbox[message]

	// owned by the worker goroutine
	future *taskHeap // by wake time (unix nanos)
	ready  *taskHeap // by priority, then id
	tasks  map[uint64]*Task

	readyLen  atomic.Int64
	futureLen atomic.Int64
	runs      atomic.Int64
}

func newWorker(d *Dispatcher, idx int, writer bool) *worker {
	return &worker{
		d:       d,
		idx:     idx,
		writer:  writer,
		mailbox: newMailbox[message](),
		future:  newTaskHeap(),
		ready:   newTaskHeap(),
		tasks:   make(map[uint64]*Task),
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.d.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			w.shutdown()
			return
		}

		w.drainMailbox()
		w.promoteDue(time.Now())

		if e, ok := w.ready.PopMin(); ok {
			w.execute(ctx, w.tasks[e.Key])
			w.updateGauges()
			continue
		}
		w.updateGauges()

		wait := time.Hour
		if e, ok := w.future.Peek(); ok {
			wait = time.Until(time.Unix(0, int64(e.Priority)))
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
		case msg, ok := <-w.mailbox.Recv():
			if ok {
				w.mailbox.Taken()
				w.handle(msg)
			}
		case <-timer.C:
		}
	}
}

// drainMailbox handles every message pushed so far without blocking on an
// empty mailbox
func (w *worker) drainMailbox() {
	for w.mailbox.Pending() > 0 {
		msg, ok := <-w.mailbox.Recv()
		if !ok {
			return
		}
		w.mailbox.Taken()
		w.handle(msg)
	}
}

// handle runs on the worker goroutine between executions, so a wake sent while
// its task runs is seen after sleep parked the task again
func (w *worker) handle(msg *message) {
	t := msg.task
	switch msg.kind {
	case msgSchedule:
		w.tasks[t.id] = t
		w.sleep(t, time.Now())
	case msgWake:
		if _, ok := w.tasks[t.id]; !ok {
			return
		}
		if t.IsCancelled() {
			w.retire(t)
			return
		}
		if _, ok := w.future.Remove(t.id); ok {
			w.ready.Add(t.id, readyRank(t))
		}
	}
}

// sleep parks a task in the future queue until now plus its sleep interval
func (w *worker) sleep(t *Task, now time.Time) {
	wake := now.Add(t.SleepInterval()).UnixNano()
	if wake < 0 {
		wake = 0
	}
	w.future.Add(t.id, uint64(wake))
}

// promoteDue moves every task whose wake time passed to the ready queue
func (w *worker) promoteDue(now time.Time) {
	due := uint64(now.UnixNano())
	for {
		e, ok := w.future.Peek()
		if !ok || e.Priority > due {
			return
		}
		w.future.PopMin()
		w.ready.Add(e.Key, readyRank(w.tasks[e.Key]))
	}
}

func (w *worker) execute(ctx context.Context, t *Task) {
	if t.IsCancelled() {
		w.retire(t)
		return
	}
	t.runs.Add(1)
	w.runs.Add(1)
	again := t.fn(ctx, t)
	if !again || t.IsCancelled() || ctx.Err() != nil {
		w.retire(t)
		return
	}
	w.sleep(t, time.Now())
}

func (w *worker) retire(t *Task) {
	w.future.Remove(t.id)
	w.ready.Remove(t.id)
	delete(w.tasks, t.id)
	w.d.tasks.Delete(t.id)
	t.finish()
}

func (w *worker) shutdown() {
	for _, t := range w.tasks {
		t.Cancel()
		w.retire(t)
	}
	w.updateGauges()
}

func (w *worker) updateGauges() {
	w.readyLen.Store(int64(w.ready.Len()))
	w.futureLen.Store(int64(w.future.Len()))
}

// readyRank orders by priority value first and keeps scheduling order within a
// priority via the task id
func readyRank(t *Task) uint64 {
	v := t.priority.Value
	if v < 0 {
		v = 0
	}
	if v > math.MaxUint16 {
		v = math.MaxUint16
	}
	return uint64(v)<<48 | (t.id & (1<<48 - 1))
}
