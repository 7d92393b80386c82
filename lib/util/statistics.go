// Package util provides the statistics helpers behind Store.Info: summary
// statistics for shard occupancy and an exponential histogram of value sizes.
package util

import (
	"math"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Summary statistics
// ----------------------------------------------------------------------------

// Stats summarizes a set of samples.
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation and range of values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}
	return Stats{
		StdDeviation: math.Sqrt(sq / float64(len(values))),
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// DistributionStats rates how evenly items spread over hash table shards.
type DistributionStats struct {
	Stats
	// 1 is a perfectly even spread, 0 is everything in one shard
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats rates a slice of shard sizes. The quality is the mean
// of (1 - coefficient of variation) and the min/max ratio.
func NewDistributionStats(shardSizes []float64) DistributionStats {
	s := NewStats(shardSizes)
	var cv float64
	if s.Mean > 0 {
		cv = s.StdDeviation / s.Mean
	}
	return DistributionStats{
		Stats:               s,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + s.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the inclusive upper bounds of the histogram buckets, 16B
// to 4GB. One extra bucket holds everything larger.
var sizeBoundaries = []int64{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
	268435456, 1073741824, 4294967296,
}

// SizeHistogram counts value sizes in exponential buckets.
//
// Thread-safety: This type is thread-safe and can be used concurrently.
type SizeHistogram struct {
	buckets [16]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

func bucketFor(size int64) int {
	for i, b := range sizeBoundaries {
		if size <= b {
			return i
		}
	}
	return len(sizeBoundaries)
}

// AddSample records one value size.
func (h *SizeHistogram) AddSample(size int) {
	h.buckets[bucketFor(int64(size))].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// Count returns the number of samples.
func (h *SizeHistogram) Count() int64 { return h.count.Load() }

// AverageSize returns the exact mean size.
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// PercentileEstimate estimates the size at percentile p (0-100) from the
// bucket midpoints.
func (h *SizeHistogram) PercentileEstimate(p int) int {
	n := h.count.Load()
	if n == 0 || p < 0 || p > 100 {
		return 0
	}
	target := int64(math.Ceil(float64(n) * float64(p) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return bucketMidpoint(i)
		}
	}
	return h.AverageSize()
}

// MedianEstimate is PercentileEstimate(50).
func (h *SizeHistogram) MedianEstimate() int {
	return h.PercentileEstimate(50)
}

func bucketMidpoint(i int) int {
	switch {
	case i == 0:
		return int(sizeBoundaries[0] / 2)
	case i < len(sizeBoundaries):
		return int((sizeBoundaries[i-1] + sizeBoundaries[i]) / 2)
	default:
		return int(sizeBoundaries[len(sizeBoundaries)-1] * 2)
	}
}

// Distribution returns the bucket bounds and the share of samples (percent) in
// each bucket. The last share belongs to the overflow bucket.
func (h *SizeHistogram) Distribution() ([]int64, []float64) {
	shares := make([]float64, len(h.buckets))
	n := h.count.Load()
	if n == 0 {
		return sizeBoundaries, shares
	}
	for i := range h.buckets {
		shares[i] = float64(h.buckets[i].Load()) * 100.0 / float64(n)
	}
	return sizeBoundaries, shares
}

// Reset clears all samples.
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}
