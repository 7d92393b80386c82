package store

import (
	"time"

	"github.com/mickelfeng/ep-engine/lib/hashtable"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/vbucket"
)

// initialCommitBackoff is the first sleep after a failed commit
const initialCommitBackoff = 10 * time.Millisecond

// flushRecord is the state a backend callback needs to undo a failed write.
// It holds no pointer into the hash table, the value is looked up again.
type flushRecord struct {
	qi        item.QueuedItem
	queuedAt  time.Time
	dirtiedAt time.Time
}

// cycleResult summarizes one flush cycle
type cycleResult struct {
	worked    bool
	processed int
	requeued  int
	// smallest retry delay reported for too young items, MinDataAge otherwise
	delay time.Duration
	// items left in writing because the cycle was interrupted
	left int
}

// RunFlushCycle runs one complete flush cycle on the calling goroutine. It
// returns the suggested delay before the next cycle and false if there was
// nothing to flush.
func (s *Store) RunFlushCycle() (time.Duration, bool) {
	res := s.flushCycle(nil)
	return res.delay, res.worked
}

// flushCycle moves pending into writing, flushes writing in transactions of
// TxnSize items and merges the rejects back into pending. interrupt is polled
// after every transaction.
func (s *Store) flushCycle(interrupt func() bool) cycleResult {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	n, ok := s.beginFlush()
	if !ok {
		return cycleResult{}
	}

	start := time.Now()
	res := cycleResult{worked: true, delay: s.stats.MinDataAgeValue()}
	for s.queue.WritingLen() > 0 {
		if d := s.flushSome(); d < res.delay {
			res.delay = d
		}
		if interrupt != nil && interrupt() {
			break
		}
	}
	res.left = s.queue.WritingLen()
	res.processed = n - res.left
	res.requeued = s.completeFlush(start)
	return res
}

// beginFlush hands pending over to writing. Returns false when both are empty.
func (s *Store) beginFlush() (int, bool) {
	n, ok := s.queue.BeginFlush()
	if !ok {
		s.stats.DirtyAge.Update(0)
		return 0, false
	}
	pending := s.queue.Size()
	s.stats.FlusherTodo.Update(int64(n))
	s.stats.QueueSize.Update(int64(pending))
	log.Debugf("flushing %d items with %d still in queue", n, pending)
	return n, true
}

// flushSome flushes up to TxnSize items in one transaction and commits it.
// Returns the smallest retry delay any item asked for, capped at MinDataAge.
func (s *Store) flushSome() time.Duration {
	tsz := s.stats.TxnSizeValue()
	oldest := s.stats.MinDataAgeValue()

	s.underlying.Begin()
	for i := 0; i < tsz && s.queue.WritingLen() > 0; i++ {
		if d := s.flushOne(); d > 0 && d < oldest {
			oldest = d
		}
	}

	cstart := time.Now()
	s.commit()
	s.stats.CommitTime.Update(int64(time.Since(cstart)))

	if s.resetPending {
		// the reset dropped the persisted bucket states
		s.resetPending = false
		if !s.underlying.SnapshotVBuckets(s.VBucketStates()) {
			log.Warningf("vbucket state snapshot after reset failed")
		}
	}
	return oldest
}

// commit retries until the backend commits. Nothing in the transaction is
// durable before that, so there is nothing to requeue instead.
func (s *Store) commit() {
	backoff := initialCommitBackoff
	if backoff > s.opts.CommitRetryInterval {
		backoff = s.opts.CommitRetryInterval
	}
	for {
		err := s.underlying.Commit()
		if err == nil {
			return
		}
		s.stats.CommitFailed.Inc(1)
		log.Warningf("commit failed, retrying in %s: %v", backoff, err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.opts.CommitRetryInterval {
			backoff = s.opts.CommitRetryInterval
		}
	}
}

// flushOne processes the front of writing. Returns how long a too young item
// needs until it becomes eligible, 0 otherwise.
func (s *Store) flushOne() time.Duration {
	qi, ok := s.queue.PopWriting()
	if !ok {
		return 0
	}
	defer s.stats.FlusherTodo.Update(int64(s.queue.WritingLen()))

	if qi.IsReset() {
		s.underlying.Reset()
		s.resetPending = true
		return 0
	}

	vb, ok := s.vbuckets.Get(qi.VBucket)
	if !ok {
		log.Debugf("dropping %s, vbucket is gone", qi)
		return 0
	}

	var (
		found   bool
		toStore *item.Item
		delay   time.Duration
		rec     = flushRecord{qi: qi}
	)
	now := s.now()
	vb.HT.Compute(qi.Key, func(v *hashtable.StoredValue) {
		if v == nil {
			return
		}
		found = true
		if v.IsClean() {
			// persisted by an earlier entry of the same key
			return
		}

		rec.queuedAt, rec.dirtiedAt = v.MarkClean()
		dataAge := now.Sub(rec.dirtiedAt)
		dirtyAge := now.Sub(rec.queuedAt)

		if dirtyAge > s.stats.QueueAgeCapValue() {
			s.stats.TooOld.Inc(1)
		} else if minAge := s.stats.MinDataAgeValue(); dataAge < minAge {
			s.stats.TooYoung.Inc(1)
			v.ReDirty(rec.queuedAt, rec.dirtiedAt)
			s.queue.Reject(qi)
			delay = minAge - dataAge
			return
		}

		s.stats.DirtyAge.Update(int64(dirtyAge))
		s.stats.DataAge.Update(int64(dataAge))
		s.stats.DirtyAgeHW.Observe(int64(dirtyAge))
		s.stats.DataAgeHW.Observe(int64(dataAge))
		toStore = v.ToItem(qi.VBucket)
		s.stats.TotalPersisted.Inc(1)
	})

	switch {
	case toStore != nil:
		s.underlying.Set(toStore, func(ok bool, id int64) {
			if !ok {
				s.requeue(vb, rec, true)
				return
			}
			if id > 0 {
				vb.HT.Compute(qi.Key, func(v *hashtable.StoredValue) {
					if v != nil {
						v.SetID(id)
					}
				})
			}
		})
	case !found:
		s.underlying.Del(qi.Key, qi.VBucket, func(ok bool) {
			if !ok {
				s.requeue(vb, rec, false)
			}
		})
	}
	return delay
}

// requeue handles a rejected backend write. The value is looked up again, it
// may have changed or disappeared while the backend call was outstanding.
func (s *Store) requeue(vb *vbucket.VBucket, rec flushRecord, wasSet bool) {
	s.stats.FlushFailed.Inc(1)

	again := false
	vb.HT.Compute(rec.qi.Key, func(v *hashtable.StoredValue) {
		switch {
		case v == nil:
			// a failed delete must be retried, a failed set of a value deleted
			// since then is superseded by the delete's own queue entry
			again = !wasSet
		case wasSet && v.IsClean():
			v.ReDirty(rec.queuedAt, rec.dirtiedAt)
			again = true
		case wasSet:
			// mutated again and queued by the producer, keep the older queue time
			if rec.queuedAt.Before(v.QueuedAt()) {
				v.ReDirty(rec.queuedAt, v.DirtiedAt())
			}
		}
	})

	if again {
		s.queue.Reject(rec.qi)
	}
}

// completeFlush merges the rejects into pending and records the cycle
// duration. Returns how many items were requeued.
func (s *Store) completeFlush(start time.Time) int {
	requeued, pending := s.queue.CompleteFlush()
	s.stats.QueueSize.Update(int64(pending + s.queue.WritingLen()))

	d := time.Since(start)
	s.stats.FlushDuration.Update(int64(d))
	s.stats.FlushDurationHW.Observe(int64(d))
	if requeued > 0 {
		log.Debugf("requeued %d items", requeued)
	}
	return requeued
}

// drain flushes until the queue is empty, ignoring MinDataAge. It gives up
// when a cycle persists nothing.
func (s *Store) drain() {
	s.SetMinDataAge(0)
	for {
		res := s.flushCycle(nil)
		if !res.worked || s.queue.Empty() {
			return
		}
		if res.requeued >= res.processed {
			log.Errorf("flusher made no progress, %d items left in queue", s.queue.Size())
			return
		}
	}
}
