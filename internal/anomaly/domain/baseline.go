package anomaly

import (
	"math"
	"time"
)

// Baseline is the rolling statistical expectation for one source.
// It uses Welford's incremental formula so memory stays O(1) per source
// regardless of history length. Created lazily on first reading, updated
// after every reading, never destroyed.
type Baseline struct {
	SampleCount int64
	Mean        float64
	LastValue   float64

	// m2 accumulates squared distance from the mean for the running
	// variance.
	m2 float64
}

// Observe folds one value into the baseline.
func (b *Baseline) Observe(value float64) {
	b.SampleCount++
	delta := value - b.Mean
	b.Mean += delta / float64(b.SampleCount)
	b.m2 += delta * (value - b.Mean)
	b.LastValue = value
}

// Variance returns the running population variance.
func (b *Baseline) Variance() float64 {
	if b.SampleCount < 2 {
		return 0
	}
	return b.m2 / float64(b.SampleCount)
}

// StdDev returns the running standard deviation.
func (b *Baseline) StdDev() float64 {
	return math.Sqrt(b.Variance())
}

// Kind labels the direction of a detected deviation.
type Kind string

const (
	KindSpike Kind = "spike"
	KindDrop  Kind = "drop"
)

// Event is emitted when a reading deviates from its source baseline
// beyond threshold. Immutable, fire-and-forget.
type Event struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"sourceId"`
	Kind      Kind      `json:"kind"`
	Observed  float64   `json:"observed"`
	Expected  float64   `json:"expected"`
	Ratio     float64   `json:"ratio"`
	ZScore    float64   `json:"zScore"`
	Timestamp time.Time `json:"timestamp"`
}
