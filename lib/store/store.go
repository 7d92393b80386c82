package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/lib/dispatcher"
	"github.com/mickelfeng/ep-engine/lib/hashtable"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	"github.com/mickelfeng/ep-engine/lib/queue"
	"github.com/mickelfeng/ep-engine/lib/stats"
	"github.com/mickelfeng/ep-engine/lib/util"
	"github.com/mickelfeng/ep-engine/lib/vbucket"
)

var log = logger.GetLogger("store")

// Store is the eventually persistent store. Mutations are applied to the
// in-memory vbuckets and queued for the flusher, which writes them to the
// backing store in the background.
type Store struct {
	opts       Options
	now        func() time.Time
	underlying kvstore.KVStore
	dispatcher *dispatcher.Dispatcher

	vbuckets   *vbucket.VBucketMap
	queue      *queue.DirtyQueue
	stats      *stats.EPStats
	flusher    *Flusher
	valueSizes *util.SizeHistogram

	// one flush cycle at a time
	flushMu sync.Mutex
	// a reset marker was flushed in the open transaction, guarded by flushMu
	resetPending bool

	closeOnce sync.Once
	closeErr  error
	statTask  *dispatcher.Task
}

// New creates a store on top of underlying and starts its flusher on d. A nil
// dispatcher leaves the flusher to RunFlushCycle and Close and makes the
// background fetch operations return ErrNoDispatcher.
func New(underlying kvstore.KVStore, d *dispatcher.Dispatcher, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:       opts,
		now:        opts.Clock,
		underlying: underlying,
		dispatcher: d,
		vbuckets:   vbucket.NewMap(),
		queue:      queue.New(),
		stats:      stats.New(),
		valueSizes: util.NewSizeHistogram(),
	}
	s.stats.SetThresholds(opts.MinDataAge, opts.QueueAgeCap, opts.TxnSize)

	if opts.StartVB0 {
		s.vbuckets.Add(s.newVBucket(0, vbucket.Active))
	}
	if !opts.DoPersistence {
		log.Infof("persistence disabled, mutations stay in memory")
	}

	s.flusher = newFlusher(s, d)
	s.flusher.Start()

	if d != nil && opts.StatSnapInterval > 0 {
		s.statTask, _ = d.ScheduleStatsSnapshot(s.statSnap, 0, opts.StatSnapInterval)
	}
	return s
}

func (s *Store) newVBucket(id uint16, state vbucket.State) *vbucket.VBucket {
	return vbucket.New(id, state, s.opts.NumShards)
}

// Now returns the time according to the store clock.
func (s *Store) Now() time.Time { return s.now() }

// bucket routes a request. Unknown and dead vbuckets are not ours.
func (s *Store) bucket(id uint16) (*vbucket.VBucket, error) {
	vb, ok := s.vbuckets.Get(id)
	if !ok || vb.State() == vbucket.Dead {
		return nil, NewError(RetCNotMyVBucket, fmt.Sprintf("vbucket %d", id))
	}
	return vb, nil
}

// keyBucket is bucket for key operations. The empty key is reserved for the
// reset marker and never reaches the hash table.
func (s *Store) keyBucket(key string, id uint16) (*vbucket.VBucket, error) {
	if len(key) == 0 {
		return nil, NewError(RetCInvalidKey, "empty key")
	}
	return s.bucket(id)
}

// queueDirty appends a key to the dirty queue unless persistence is disabled.
func (s *Store) queueDirty(key string, vb uint16) {
	s.enqueue(item.QueuedItem{Key: key, VBucket: vb})
}

// queueReset appends the marker that wipes the backing store.
func (s *Store) queueReset(vb uint16) {
	s.enqueue(item.ResetMarker(vb))
}

func (s *Store) enqueue(qi item.QueuedItem) {
	if !s.opts.DoPersistence {
		return
	}
	n := s.queue.Push(qi)
	s.stats.TotalEnqueued.Inc(1)
	s.stats.QueueSize.Update(int64(n))
	if n == 1 {
		s.flusher.Wake()
	}
}

// --------------------------------------------------------------------------
// Key operations
// --------------------------------------------------------------------------

// SetResult describes the outcome of Set.
type SetResult struct {
	Accepted bool
	Status   hashtable.MutationType
	// Cas is the cas assigned to the stored value when accepted
	Cas uint64
}

// Set stores an item in memory and queues it for persistence. A non-zero
// it.Cas must match the stored cas, and unlocks a locked value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *Store) Set(it *item.Item) (SetResult, error) {
	vb, err := s.keyBucket(it.Key, it.VBucket)
	if err != nil {
		return SetResult{}, err
	}

	mtype := vb.HT.Set(it, s.now())
	res := SetResult{Status: mtype}
	switch mtype {
	case hashtable.InvalidCas:
		return res, NewError(RetCInvalidCAS, it.Key)
	case hashtable.IsLocked:
		return res, NewError(RetCLocked, it.Key)
	case hashtable.NotFound:
		s.stats.CurrItems.Inc(1)
		s.queueDirty(it.Key, it.VBucket)
	case hashtable.WasClean:
		s.queueDirty(it.Key, it.VBucket)
	}
	s.valueSizes.AddSample(len(it.Value))

	res.Accepted = true
	res.Cas = it.Cas
	return res, nil
}

// Get returns a copy of the in-memory value. A locked value carries
// item.InvalidCAS.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *Store) Get(key string, vbID uint16) (*item.Item, bool, error) {
	vb, err := s.keyBucket(key, vbID)
	if err != nil {
		return nil, false, err
	}
	it, ok := vb.HT.Get(key, vbID, s.now())
	return it, ok, nil
}

// GetLocked locks a value until now+timeout and returns it with a new cas that
// unlocks it on the next Set.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *Store) GetLocked(key string, vbID uint16, now time.Time, timeout time.Duration) (*item.Item, hashtable.LockOutcome, error) {
	vb, err := s.keyBucket(key, vbID)
	if err != nil {
		return nil, hashtable.LockNotFound, err
	}
	it, outcome := vb.HT.GetLocked(key, vbID, now, timeout)
	return it, outcome, nil
}

// Delete removes a key from memory and queues the removal. Returns whether
// the key existed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *Store) Delete(key string, vbID uint16) (bool, error) {
	vb, err := s.keyBucket(key, vbID)
	if err != nil {
		return false, err
	}
	if !vb.HT.Del(key) {
		return false, nil
	}
	s.queueDirty(key, vbID)
	s.stats.CurrItems.Dec(1)
	return true, nil
}

// Reset drops every value of a vbucket and queues a full backend reset.
func (s *Store) Reset(vbID uint16) error {
	vb, err := s.bucket(vbID)
	if err != nil {
		return err
	}
	removed := vb.HT.Clear()
	s.stats.CurrItems.Dec(int64(removed))
	s.queueReset(vbID)
	log.Infof("reset vbucket %d, dropped %d items", vbID, removed)
	return nil
}

// GetFromUnderlying reads a key straight from the backing store on a reader
// worker. cb runs on that worker.
func (s *Store) GetFromUnderlying(key string, vbID uint16, cb kvstore.GetCallback) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	if len(key) == 0 {
		return NewError(RetCInvalidKey, "empty key")
	}
	_, err := s.dispatcher.ScheduleBGFetch(func(ctx context.Context, _ *dispatcher.Task) bool {
		s.underlying.Get(key, vbID, func(it *item.Item, err error) {
			switch {
			case err == nil:
				s.stats.BgFetched.Inc(1)
			case !errors.Is(err, kvstore.ErrNotFound):
				s.stats.BgFetchFailed.Inc(1)
			}
			cb(it, err)
		})
		return false
	}, int(vbID), 0)
	return err
}

// --------------------------------------------------------------------------
// Key stats
// --------------------------------------------------------------------------

// KeyStats describes the in-memory state of one key.
type KeyStats struct {
	Dirty   bool          `json:"dirty"`
	Locked  bool          `json:"locked"`
	Exptime int64         `json:"exptime"`
	Flags   uint32        `json:"flags"`
	Cas     uint64        `json:"cas"`
	ID      int64         `json:"id"`
	Dirtied time.Time     `json:"dirtied"`
	DataAge time.Duration `json:"data_age"`

	// filled by FetchKeyStats only
	OnDisk      bool `json:"on_disk"`
	DiskMatches bool `json:"disk_matches"`
}

// GetKeyStats reports the state of a key. The bool is false when the key is
// not in memory.
func (s *Store) GetKeyStats(key string, vbID uint16) (KeyStats, bool, error) {
	vb, err := s.keyBucket(key, vbID)
	if err != nil {
		return KeyStats{}, false, err
	}
	var (
		ks    KeyStats
		found bool
	)
	now := s.now()
	vb.HT.Compute(key, func(v *hashtable.StoredValue) {
		if v == nil {
			return
		}
		found = true
		ks = KeyStats{
			Dirty:   v.IsDirty(),
			Locked:  v.IsLocked(now),
			Exptime: v.Exptime(),
			Flags:   v.Flags(),
			Cas:     v.Cas(),
			ID:      v.ID(),
			Dirtied: v.DirtiedAt(),
		}
		if ks.Locked {
			ks.Cas = item.InvalidCAS
		}
		if v.IsDirty() {
			ks.DataAge = now.Sub(v.DirtiedAt())
		}
	})
	return ks, found, nil
}

// FetchKeyStats reports the in-memory state of a key together with whether
// the backing store holds it. cb runs on a reader worker.
func (s *Store) FetchKeyStats(key string, vbID uint16, cb func(KeyStats, bool, error)) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	if _, err := s.keyBucket(key, vbID); err != nil {
		return err
	}
	_, err := s.dispatcher.ScheduleVKeyFetch(func(ctx context.Context, _ *dispatcher.Task) bool {
		ks, found, err := s.GetKeyStats(key, vbID)
		if err != nil {
			cb(ks, found, err)
			return false
		}
		s.underlying.Get(key, vbID, func(disk *item.Item, gerr error) {
			switch {
			case gerr == nil:
				ks.OnDisk = true
				if mem, ok, _ := s.Get(key, vbID); ok {
					ks.DiskMatches = string(mem.Value) == string(disk.Value) && mem.Flags == disk.Flags
				}
			case !errors.Is(gerr, kvstore.ErrNotFound):
				err = fmt.Errorf("fetch %s from backend: %w", key, gerr)
			}
		})
		cb(ks, found, err)
		return false
	}, int(vbID), 0)
	return err
}

// --------------------------------------------------------------------------
// VBucket management
// --------------------------------------------------------------------------

// SetVBucketState creates the vbucket in the given state or changes the state
// of an existing one, then persists the states on a writer worker.
func (s *Store) SetVBucketState(vbID uint16, state vbucket.State) {
	vb, created := s.vbuckets.SetState(vbID, state, s.newVBucket)
	if created {
		log.Infof("created %s", vb)
	} else {
		log.Infof("changed %s", vb)
	}
	s.scheduleVBSnapshot(int(vbID))
}

func (s *Store) scheduleVBSnapshot(shard int) {
	if s.dispatcher == nil || !s.opts.DoPersistence {
		return
	}
	_, err := s.dispatcher.ScheduleVBSnapshot(func(ctx context.Context, _ *dispatcher.Task) bool {
		if !s.underlying.SnapshotVBuckets(s.VBucketStates()) {
			log.Warningf("vbucket state snapshot failed")
		}
		return false
	}, shard)
	if err != nil {
		log.Warningf("cannot schedule vbucket snapshot: %v", err)
	}
}

// VBucketStates returns the state name of every vbucket.
func (s *Store) VBucketStates() map[uint16]string {
	states := s.vbuckets.States()
	out := make(map[uint16]string, len(states))
	for id, st := range states {
		out[id] = st.String()
	}
	return out
}

// GetVBucket returns a vbucket regardless of its state.
func (s *Store) GetVBucket(vbID uint16) (*vbucket.VBucket, bool) {
	return s.vbuckets.Get(vbID)
}

// DeleteVBucket removes a vbucket from memory and deletes its data from the
// backing store on a writer worker. The returned task is nil when nothing is
// scheduled.
func (s *Store) DeleteVBucket(vbID uint16) (*dispatcher.Task, error) {
	vb, ok := s.vbuckets.Remove(vbID)
	if !ok {
		return nil, NewError(RetCNotMyVBucket, fmt.Sprintf("vbucket %d", vbID))
	}
	s.stats.CurrItems.Dec(int64(vb.HT.Len()))
	log.Infof("deleted %s", vb)

	if s.dispatcher == nil || !s.opts.DoPersistence {
		return nil, nil
	}
	task, err := s.dispatcher.ScheduleVBDelete(func(ctx context.Context, _ *dispatcher.Task) bool {
		if !s.underlying.DelVBucket(vbID) {
			log.Errorf("backend delete of vbucket %d failed", vbID)
		}
		return false
	}, int(vbID), 0)
	if err != nil {
		return nil, err
	}
	s.scheduleVBSnapshot(int(vbID))
	return task, nil
}

// --------------------------------------------------------------------------
// Tuning and stats
// --------------------------------------------------------------------------

// SetMinDataAge changes the minimum age before a value may be persisted.
func (s *Store) SetMinDataAge(d time.Duration) {
	s.stats.MinDataAge.Update(int64(d))
}

// SetQueueAgeCap changes the age at which dirty values are persisted unconditionally.
func (s *Store) SetQueueAgeCap(d time.Duration) {
	s.stats.QueueAgeCap.Update(int64(d))
}

// SetTxnSize changes the number of items per backend transaction.
func (s *Store) SetTxnSize(n int) {
	if n <= 0 {
		n = 1
	}
	s.stats.TxnSize.Update(int64(n))
}

// ResetStats clears the flush timing statistics.
func (s *Store) ResetStats() {
	s.stats.Reset()
}

// PauseFlusher stops the flusher after its current cycle.
func (s *Store) PauseFlusher() bool { return s.flusher.Pause() }

// ResumeFlusher resumes a paused flusher.
func (s *Store) ResumeFlusher() bool { return s.flusher.Resume() }

// Flusher returns the flusher of this store.
func (s *Store) Flusher() *Flusher { return s.flusher }

// Stats returns a snapshot of the engine statistics.
func (s *Store) Stats() stats.Snapshot {
	return s.stats.Snapshot()
}

// EPStats returns the live statistics, e.g. for metric exposition.
func (s *Store) EPStats() *stats.EPStats {
	return s.stats
}

// Info summarizes the in-memory data set.
type Info struct {
	VBuckets          int                      `json:"vbuckets"`
	Items             int                      `json:"items"`
	QueueSize         int                      `json:"queue_size"`
	ShardDistribution util.DistributionStats   `json:"shard_distribution"`
	AvgValueSize      int                      `json:"avg_value_size"`
	MedianValueSize   int                      `json:"median_value_size"`
	P95ValueSize      int                      `json:"p95_value_size"`
	FlusherState      string                   `json:"flusher_state"`
	Workers           []dispatcher.WorkerStats `json:"workers,omitempty"`
}

// Info returns the current data set summary.
func (s *Store) Info() Info {
	info := Info{
		QueueSize:       s.queue.Size(),
		AvgValueSize:    s.valueSizes.AverageSize(),
		MedianValueSize: s.valueSizes.MedianEstimate(),
		P95ValueSize:    s.valueSizes.PercentileEstimate(95),
		FlusherState:    s.flusher.State().String(),
	}
	var shardSizes []float64
	s.vbuckets.Each(func(vb *vbucket.VBucket) bool {
		info.VBuckets++
		info.Items += vb.HT.Len()
		shardSizes = append(shardSizes, vb.HT.ShardSizes()...)
		return true
	})
	info.ShardDistribution = util.NewDistributionStats(shardSizes)
	if s.dispatcher != nil {
		info.Workers = s.dispatcher.Stats()
	}
	return info
}

func (s *Store) statSnap(ctx context.Context, _ *dispatcher.Task) bool {
	snap := s.stats.Snapshot()
	log.Infof("queue=%d todo=%d enqueued=%d persisted=%d failed=%d commit_failed=%d items=%d",
		snap.QueueSize, snap.FlusherTodo, snap.TotalEnqueued, snap.TotalPersisted,
		snap.FlushFailed, snap.CommitFailed, snap.CurrItems)
	return true
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close stops the flusher after it drained the dirty queue and persists the
// vbucket states. With VerifyShutdownFlush set, every value still dirty
// afterwards is logged and ErrDirtyAfterFlush is returned. The dispatcher and the backing store belong
// to the caller and stay open. Close is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.statTask != nil && s.dispatcher != nil {
			s.dispatcher.Cancel(s.statTask.ID())
		}
		s.flusher.Stop()
		s.flusher.Wait()

		if s.opts.DoPersistence && !s.underlying.SnapshotVBuckets(s.VBucketStates()) {
			log.Warningf("final vbucket state snapshot failed")
		}
		if s.opts.VerifyShutdownFlush {
			s.closeErr = s.verifyClean()
		}
	})
	return s.closeErr
}

// verifyClean walks every vbucket and reports dirty values.
func (s *Store) verifyClean() error {
	var dirty []string
	s.vbuckets.Each(func(vb *vbucket.VBucket) bool {
		vb.HT.Visit(func(v *hashtable.StoredValue) {
			if v.IsDirty() {
				dirty = append(dirty, fmt.Sprintf("%s (vb %d)", v.Key(), vb.ID()))
			}
		})
		return true
	})
	if len(dirty) == 0 {
		return nil
	}
	sort.Strings(dirty)
	for _, k := range dirty {
		log.Errorf("object dirty after flushing: %s", k)
	}
	return fmt.Errorf("%w: %s", ErrDirtyAfterFlush, strings.Join(dirty, ", "))
}
