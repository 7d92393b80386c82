package stats

import (
	"io"
	"sort"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// High-water mark
// --------------------------------------------------------------------------

// HighWater keeps the largest value ever observed.
//
// Thread-safety: This type is thread-safe and can be used concurrently.
type HighWater struct {
	v atomic.Int64
}

// Observe raises the mark to n if n is larger than the current mark.
func (h *HighWater) Observe(n int64) {
	for {
		cur := h.v.Load()
		if n <= cur {
			return
		}
		if h.v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Value returns the current mark
func (h *HighWater) Value() int64 { return h.v.Load() }

// Clear resets the mark to zero
func (h *HighWater) Clear() { h.v.Store(0) }

// --------------------------------------------------------------------------
// EPStats
// --------------------------------------------------------------------------

// EPStats is the set of engine wide counters and gauges.
type EPStats struct {
	registry gometrics.Registry

	// Queue
	QueueSize     gometrics.Gauge
	FlusherTodo   gometrics.Gauge
	TotalEnqueued gometrics.Counter

	// Flush outcomes
	TooYoung       gometrics.Counter
	TooOld         gometrics.Counter
	TotalPersisted gometrics.Counter
	FlushFailed    gometrics.Counter
	CommitFailed   gometrics.Counter

	// Ages and durations (nanoseconds)
	DirtyAge        gometrics.Gauge
	DirtyAgeHW      *HighWater
	DataAge         gometrics.Gauge
	DataAgeHW       *HighWater
	FlushDuration   gometrics.Gauge
	FlushDurationHW *HighWater
	CommitTime      gometrics.Gauge

	// Items and background fetches
	CurrItems     gometrics.Counter
	BgFetched     gometrics.Counter
	BgFetchFailed gometrics.Counter

	// Thresholds
	MinDataAge  gometrics.Gauge
	QueueAgeCap gometrics.Gauge
	TxnSize     gometrics.Gauge
}

// New creates a zeroed EPStats with every metric registered.
func New() *EPStats {
	s := &EPStats{
		registry:        gometrics.NewRegistry(),
		QueueSize:       gometrics.NewGauge(),
		FlusherTodo:     gometrics.NewGauge(),
		TotalEnqueued:   gometrics.NewCounter(),
		TooYoung:        gometrics.NewCounter(),
		TooOld:          gometrics.NewCounter(),
		TotalPersisted:  gometrics.NewCounter(),
		FlushFailed:     gometrics.NewCounter(),
		CommitFailed:    gometrics.NewCounter(),
		DirtyAge:        gometrics.NewGauge(),
		DirtyAgeHW:      &HighWater{},
		DataAge:         gometrics.NewGauge(),
		DataAgeHW:       &HighWater{},
		FlushDuration:   gometrics.NewGauge(),
		FlushDurationHW: &HighWater{},
		CommitTime:      gometrics.NewGauge(),
		CurrItems:       gometrics.NewCounter(),
		BgFetched:       gometrics.NewCounter(),
		BgFetchFailed:   gometrics.NewCounter(),
		MinDataAge:      gometrics.NewGauge(),
		QueueAgeCap:     gometrics.NewGauge(),
		TxnSize:         gometrics.NewGauge(),
	}

	metrics := map[string]interface{}{
		"queue_size":           s.QueueSize,
		"flusher_todo":         s.FlusherTodo,
		"total_enqueued":       s.TotalEnqueued,
		"too_young":            s.TooYoung,
		"too_old":              s.TooOld,
		"total_persisted":      s.TotalPersisted,
		"flush_failed":         s.FlushFailed,
		"commit_failed":        s.CommitFailed,
		"dirty_age_ns":         s.DirtyAge,
		"dirty_age_hw_ns":      gometrics.NewFunctionalGauge(s.DirtyAgeHW.Value),
		"data_age_ns":          s.DataAge,
		"data_age_hw_ns":       gometrics.NewFunctionalGauge(s.DataAgeHW.Value),
		"flush_duration_ns":    s.FlushDuration,
		"flush_duration_hw_ns": gometrics.NewFunctionalGauge(s.FlushDurationHW.Value),
		"commit_time_ns":       s.CommitTime,
		"curr_items":           s.CurrItems,
		"bg_fetched":           s.BgFetched,
		"bg_fetch_failed":      s.BgFetchFailed,
		"min_data_age_ns":      s.MinDataAge,
		"queue_age_cap_ns":     s.QueueAgeCap,
		"txn_size":             s.TxnSize,
	}
	for name, m := range metrics {
		// names are unique, Register only fails on duplicates
		_ = s.registry.Register(name, m)
	}
	return s
}

// SetThresholds records the current flush thresholds
func (s *EPStats) SetThresholds(minDataAge, queueAgeCap time.Duration, txnSize int) {
	s.MinDataAge.Update(int64(minDataAge))
	s.QueueAgeCap.Update(int64(queueAgeCap))
	s.TxnSize.Update(int64(txnSize))
}

// MinDataAgeValue returns the configured minimum data age.
func (s *EPStats) MinDataAgeValue() time.Duration { return time.Duration(s.MinDataAge.Value()) }

// QueueAgeCapValue returns the configured queue age cap.
func (s *EPStats) QueueAgeCapValue() time.Duration { return time.Duration(s.QueueAgeCap.Value()) }

// TxnSizeValue returns the configured transaction size.
func (s *EPStats) TxnSizeValue() int { return int(s.TxnSize.Value()) }

// Reset clears the flush timing statistics. Totals and thresholds are kept.
func (s *EPStats) Reset() {
	s.TooYoung.Clear()
	s.TooOld.Clear()
	s.DirtyAge.Update(0)
	s.DirtyAgeHW.Clear()
	s.DataAge.Update(0)
	s.DataAgeHW.Clear()
	s.FlushDuration.Update(0)
	s.FlushDurationHW.Clear()
	s.CommitTime.Update(0)
}

// Each calls fn for every registered metric with its current value, sorted by name.
func (s *EPStats) Each(fn func(name string, value int64)) {
	type kv struct {
		name  string
		value int64
	}
	var all []kv
	s.registry.Each(func(name string, m interface{}) {
		switch metric := m.(type) {
		case gometrics.Counter:
			all = append(all, kv{name, metric.Count()})
		case gometrics.Gauge:
			all = append(all, kv{name, metric.Value()})
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	for _, m := range all {
		fn(m.name, m.value)
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// Snapshot is a point in time copy of EPStats.
type Snapshot struct {
	QueueSize       int64         `json:"queue_size"`
	FlusherTodo     int64         `json:"flusher_todo"`
	TotalEnqueued   int64         `json:"total_enqueued"`
	TooYoung        int64         `json:"too_young"`
	TooOld          int64         `json:"too_old"`
	TotalPersisted  int64         `json:"total_persisted"`
	FlushFailed     int64         `json:"flush_failed"`
	CommitFailed    int64         `json:"commit_failed"`
	DirtyAge        time.Duration `json:"dirty_age"`
	DirtyAgeHW      time.Duration `json:"dirty_age_hw"`
	DataAge         time.Duration `json:"data_age"`
	DataAgeHW       time.Duration `json:"data_age_hw"`
	FlushDuration   time.Duration `json:"flush_duration"`
	FlushDurationHW time.Duration `json:"flush_duration_hw"`
	CommitTime      time.Duration `json:"commit_time"`
	CurrItems       int64         `json:"curr_items"`
	BgFetched       int64         `json:"bg_fetched"`
	BgFetchFailed   int64         `json:"bg_fetch_failed"`
	MinDataAge      time.Duration `json:"min_data_age"`
	QueueAgeCap     time.Duration `json:"queue_age_cap"`
	TxnSize         int64         `json:"txn_size"`
}

// Snapshot copies the current values.
func (s *EPStats) Snapshot() Snapshot {
	return Snapshot{
		QueueSize:       s.QueueSize.Value(),
		FlusherTodo:     s.FlusherTodo.Value(),
		TotalEnqueued:   s.TotalEnqueued.Count(),
		TooYoung:        s.TooYoung.Count(),
		TooOld:          s.TooOld.Count(),
		TotalPersisted:  s.TotalPersisted.Count(),
		FlushFailed:     s.FlushFailed.Count(),
		CommitFailed:    s.CommitFailed.Count(),
		DirtyAge:        time.Duration(s.DirtyAge.Value()),
		DirtyAgeHW:      time.Duration(s.DirtyAgeHW.Value()),
		DataAge:         time.Duration(s.DataAge.Value()),
		DataAgeHW:       time.Duration(s.DataAgeHW.Value()),
		FlushDuration:   time.Duration(s.FlushDuration.Value()),
		FlushDurationHW: time.Duration(s.FlushDurationHW.Value()),
		CommitTime:      time.Duration(s.CommitTime.Value()),
		CurrItems:       s.CurrItems.Count(),
		BgFetched:       s.BgFetched.Count(),
		BgFetchFailed:   s.BgFetchFailed.Count(),
		MinDataAge:      time.Duration(s.MinDataAge.Value()),
		QueueAgeCap:     time.Duration(s.QueueAgeCap.Value()),
		TxnSize:         s.TxnSize.Value(),
	}
}

// --------------------------------------------------------------------------
// Prometheus exposition
// --------------------------------------------------------------------------

// PrometheusSet builds a VictoriaMetrics set whose gauges read the registry at
// scrape time. Metrics ending in _ns are exported in seconds without the suffix.
func (s *EPStats) PrometheusSet() *vmetrics.Set {
	set := vmetrics.NewSet()
	s.registry.Each(func(name string, m interface{}) {
		read := valueReader(m)
		if read == nil {
			return
		}
		exported := "ep_" + name
		if n := len(name); n > 3 && name[n-3:] == "_ns" {
			exported = "ep_" + name[:n-3] + "_seconds"
			set.NewGauge(exported, func() float64 {
				return time.Duration(read()).Seconds()
			})
			return
		}
		set.NewGauge(exported, func() float64 { return float64(read()) })
	})
	return set
}

// WritePrometheus writes all metrics in the Prometheus text format.
func (s *EPStats) WritePrometheus(w io.Writer) {
	s.PrometheusSet().WritePrometheus(w)
}

func valueReader(m interface{}) func() int64 {
	switch metric := m.(type) {
	case gometrics.Counter:
		return metric.Count
	case gometrics.Gauge:
		return metric.Value
	}
	return nil
}
