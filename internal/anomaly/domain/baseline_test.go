package anomaly

import (
	"math"
	"testing"
)

func TestBaselineSequentialMean(t *testing.T) {
	// The incremental formula must match the sequentially computed
	// arithmetic mean, not a batch recompute of re-ordered input.
	var b Baseline
	for _, v := range []float64{10, 12, 11} {
		b.Observe(v)
	}

	if b.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", b.SampleCount)
	}
	if want := 11.0; math.Abs(b.Mean-want) > 1e-12 {
		t.Fatalf("mean = %v, want %v", b.Mean, want)
	}
	if b.LastValue != 11 {
		t.Fatalf("last value = %v, want 11", b.LastValue)
	}
}

func TestBaselineVariance(t *testing.T) {
	var b Baseline
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for _, v := range values {
		b.Observe(v)
	}
	// Known population variance of the sequence is 4.
	if got := b.Variance(); math.Abs(got-4) > 1e-9 {
		t.Fatalf("variance = %v, want 4", got)
	}
	if got := b.StdDev(); math.Abs(got-2) > 1e-9 {
		t.Fatalf("stddev = %v, want 2", got)
	}
}

func TestBaselineVarianceNeedsTwoSamples(t *testing.T) {
	var b Baseline
	b.Observe(42)
	if got := b.Variance(); got != 0 {
		t.Fatalf("variance with one sample = %v, want 0", got)
	}
}
