package aggregation

import (
	"testing"
	"time"
)

func TestWindowStartFloorsToBoundary(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 37, 42, 123, time.UTC)

	minuteStart := GranularityMinute.WindowStart(ts)
	if want := time.Date(2025, 6, 1, 12, 37, 0, 0, time.UTC); !minuteStart.Equal(want) {
		t.Fatalf("minute window start = %v, want %v", minuteStart, want)
	}

	quarterStart := GranularityQuarter.WindowStart(ts)
	if want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC); !quarterStart.Equal(want) {
		t.Fatalf("quarter window start = %v, want %v", quarterStart, want)
	}
}

func TestNewWindowKeyValidation(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := NewWindowKey("", GranularityMinute, ts); err != ErrEmptySourceID {
		t.Fatalf("empty source err = %v", err)
	}
	if _, err := NewWindowKey("m-1", Granularity("HOUR"), ts); err != ErrInvalidGranularity {
		t.Fatalf("bad granularity err = %v", err)
	}
	if _, err := NewWindowKey("m-1", GranularityMinute, time.Time{}); err != ErrInvalidTimestamp {
		t.Fatalf("zero timestamp err = %v", err)
	}
}

func TestWindowKeyClosed(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := WindowKey{SourceID: "m-1", Granularity: GranularityMinute, WindowStart: start}
	grace := 5 * time.Second

	if key.Closed(start.Add(time.Minute), grace) {
		t.Fatal("window closed before grace elapsed")
	}
	if !key.Closed(start.Add(time.Minute+grace), grace) {
		t.Fatal("window still open after width+grace")
	}
}

func TestAccumulatorFoldExactness(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := WindowKey{SourceID: "m-1", Granularity: GranularityMinute, WindowStart: start}

	values := []float64{10, 3, 7.5, 22, 7.5}
	acc := NewWindowAccumulator(key, values[0], start)
	for _, v := range values[1:] {
		acc.Fold(v, start.Add(time.Second))
	}

	if acc.Count != int64(len(values)) {
		t.Fatalf("count = %d, want %d", acc.Count, len(values))
	}
	if acc.Sum != 50 {
		t.Fatalf("sum = %v, want 50", acc.Sum)
	}
	if acc.Min != 3 || acc.Max != 22 {
		t.Fatalf("min/max = %v/%v, want 3/22", acc.Min, acc.Max)
	}

	record := RecordFromAccumulator(acc, start.Add(time.Minute))
	if record.Avg != 10 {
		t.Fatalf("avg = %v, want 10", record.Avg)
	}
	if record.Count != acc.Count || record.Sum != acc.Sum {
		t.Fatalf("record count/sum = %d/%v", record.Count, record.Sum)
	}
}
