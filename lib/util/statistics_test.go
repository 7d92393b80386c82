package util

import (
	"math"
	"testing"
)

func TestNewStats(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Stats
	}{
		{"empty", nil, Stats{}},
		{"single", []float64{4}, Stats{Min: 4, Max: 4, Mean: 4, MinMaxRatio: 1}},
		{"spread", []float64{2, 4, 4, 4, 5, 5, 7, 9}, Stats{StdDeviation: 2, Min: 2, Max: 9, Mean: 5, MinMaxRatio: 2.0 / 9.0}},
		{"all zero", []float64{0, 0}, Stats{MinMaxRatio: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewStats(tc.values)
			if math.Abs(got.StdDeviation-tc.want.StdDeviation) > 1e-9 ||
				got.Min != tc.want.Min || got.Max != tc.want.Max ||
				got.Mean != tc.want.Mean || math.Abs(got.MinMaxRatio-tc.want.MinMaxRatio) > 1e-9 {
				t.Errorf("NewStats(%v) = %+v, want %+v", tc.values, got, tc.want)
			}
		})
	}
}

func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10, 10})
	if even.DistributionQuality != 1 {
		t.Errorf("even quality = %f, want 1", even.DistributionQuality)
	}
	skewed := NewDistributionStats([]float64{40, 0, 0, 0})
	if skewed.DistributionQuality >= 0.5 {
		t.Errorf("skewed quality = %f, want < 0.5", skewed.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.MedianEstimate() != 0 || h.AverageSize() != 0 {
		t.Errorf("empty histogram should report zero")
	}

	for i := 0; i < 90; i++ {
		h.AddSample(10) // bucket 0
	}
	for i := 0; i < 10; i++ {
		h.AddSample(2000) // bucket 4 (1024, 4096]
	}

	if h.Count() != 100 {
		t.Errorf("Count = %d, want 100", h.Count())
	}
	if got := h.AverageSize(); got != (90*10+10*2000)/100 {
		t.Errorf("AverageSize = %d", got)
	}
	if got := h.MedianEstimate(); got != 8 {
		t.Errorf("MedianEstimate = %d, want 8", got)
	}
	if got := h.PercentileEstimate(95); got != (1024+4096)/2 {
		t.Errorf("p95 = %d, want %d", got, (1024+4096)/2)
	}

	_, shares := h.Distribution()
	if shares[0] != 90 || shares[4] != 10 {
		t.Errorf("shares = %v", shares)
	}

	h.Reset()
	if h.Count() != 0 {
		t.Errorf("Count after Reset = %d", h.Count())
	}
}
