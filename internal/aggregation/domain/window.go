package aggregation

import "time"

// Granularity is the width of an aggregation window.
type Granularity string

const (
	// GranularityMinute rolls readings into one-minute windows.
	GranularityMinute Granularity = "MINUTE"
	// GranularityQuarter rolls readings into fifteen-minute windows.
	GranularityQuarter Granularity = "QUARTER"
)

// Granularities lists the widths every reading contributes to.
var Granularities = []Granularity{GranularityMinute, GranularityQuarter}

// IsValid checks if the granularity is one of the supported values.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityMinute, GranularityQuarter:
		return true
	default:
		return false
	}
}

// Width returns the window duration for the granularity.
func (g Granularity) Width() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityQuarter:
		return 15 * time.Minute
	default:
		return 0
	}
}

// WindowStart floors a timestamp to the granularity boundary (wall-clock
// aligned, UTC).
func (g Granularity) WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(g.Width())
}

// WindowKey uniquely identifies one accumulator.
type WindowKey struct {
	SourceID    string
	Granularity Granularity
	WindowStart time.Time
}

// NewWindowKey builds the key a reading timestamp falls into.
func NewWindowKey(sourceID string, g Granularity, ts time.Time) (WindowKey, error) {
	if sourceID == "" {
		return WindowKey{}, ErrEmptySourceID
	}
	if !g.IsValid() {
		return WindowKey{}, ErrInvalidGranularity
	}
	if ts.IsZero() {
		return WindowKey{}, ErrInvalidTimestamp
	}
	return WindowKey{
		SourceID:    sourceID,
		Granularity: g,
		WindowStart: g.WindowStart(ts),
	}, nil
}

// Closed reports whether the window interval has passed, late grace
// included.
func (k WindowKey) Closed(now time.Time, grace time.Duration) bool {
	return !k.WindowStart.Add(k.Granularity.Width() + grace).After(now)
}

// WindowAccumulator is the mutable aggregate state for one window.
// Invariants:
// 1) min <= every contributing value <= max.
// 2) count >= 1 once created.
// 3) never recreated for a window that was already drained; late readings
//    are rejected upstream instead of folded into a closed window.
type WindowAccumulator struct {
	Key         WindowKey
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	LastUpdated time.Time
}

// NewWindowAccumulator seeds an accumulator with its first value.
func NewWindowAccumulator(key WindowKey, value float64, now time.Time) *WindowAccumulator {
	return &WindowAccumulator{
		Key:         key,
		Count:       1,
		Sum:         value,
		Min:         value,
		Max:         value,
		LastUpdated: now,
	}
}

// Fold merges one more value into the accumulator.
func (a *WindowAccumulator) Fold(value float64, now time.Time) {
	a.Count++
	a.Sum += value
	if value < a.Min {
		a.Min = value
	}
	if value > a.Max {
		a.Max = value
	}
	a.LastUpdated = now
}

// AggregateRecord is the persisted form of a closed window.
type AggregateRecord struct {
	SourceID    string
	Granularity Granularity
	WindowStart time.Time
	Count       int64
	Sum         float64
	Avg         float64
	Min         float64
	Max         float64
	FlushedAt   time.Time
}

// RecordFromAccumulator converts a drained accumulator into its persisted
// form.
func RecordFromAccumulator(acc *WindowAccumulator, flushedAt time.Time) AggregateRecord {
	avg := 0.0
	if acc.Count > 0 {
		avg = acc.Sum / float64(acc.Count)
	}
	return AggregateRecord{
		SourceID:    acc.Key.SourceID,
		Granularity: acc.Key.Granularity,
		WindowStart: acc.Key.WindowStart,
		Count:       acc.Count,
		Sum:         acc.Sum,
		Avg:         avg,
		Min:         acc.Min,
		Max:         acc.Max,
		FlushedAt:   flushedAt,
	}
}
