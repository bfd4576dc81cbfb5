package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	aggregation "meterflow/internal/aggregation/domain"
)

func minuteKey(t *testing.T, sourceID string, ts time.Time) aggregation.WindowKey {
	t.Helper()
	key, err := aggregation.NewWindowKey(sourceID, aggregation.GranularityMinute, ts)
	if err != nil {
		t.Fatalf("new window key: %v", err)
	}
	return key
}

func TestUpsertCreatesThenFolds(t *testing.T) {
	s := NewStore(4)
	ts := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	key := minuteKey(t, "m-1", ts)

	if err := s.Upsert(key, 5, ts); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.Upsert(key, 7, ts.Add(time.Second)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	drained := s.DrainEligible(aggregation.GranularityMinute, ts.Add(2*time.Minute), 0)
	if len(drained) != 1 {
		t.Fatalf("drained %d accumulators, want 1", len(drained))
	}
	acc := drained[0]
	if acc.Count != 2 || acc.Sum != 12 || acc.Min != 5 || acc.Max != 7 {
		t.Fatalf("accumulator = count %d sum %v min %v max %v", acc.Count, acc.Sum, acc.Min, acc.Max)
	}
}

func TestDrainEligibleRespectsGrace(t *testing.T) {
	s := NewStore(4)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := minuteKey(t, "m-1", start)
	if err := s.Upsert(key, 1, start); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	grace := 10 * time.Second
	if got := s.DrainEligible(aggregation.GranularityMinute, start.Add(time.Minute+5*time.Second), grace); len(got) != 0 {
		t.Fatalf("drained %d inside grace, want 0", len(got))
	}
	if got := s.DrainEligible(aggregation.GranularityMinute, start.Add(time.Minute+grace), grace); len(got) != 1 {
		t.Fatalf("drained %d after grace, want 1", len(got))
	}
}

func TestUpsertAfterDrainIsLateData(t *testing.T) {
	s := NewStore(4)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := minuteKey(t, "m-1", start)
	if err := s.Upsert(key, 1, start); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := start.Add(2 * time.Minute)
	if got := s.DrainEligible(aggregation.GranularityMinute, now, 0); len(got) != 1 {
		t.Fatalf("drained %d, want 1", len(got))
	}

	err := s.Upsert(key, 2, now)
	if !errors.Is(err, aggregation.ErrLateWindow) {
		t.Fatalf("late upsert err = %v, want ErrLateWindow", err)
	}
	if n := s.Len(aggregation.GranularityMinute); n != 0 {
		t.Fatalf("store holds %d accumulators after rejected late upsert, want 0", n)
	}
}

func TestDrainAdvancesWatermarkForUnseenKeys(t *testing.T) {
	// A key whose window closed before the store ever saw it must still be
	// rejected after a drain pass covered that window.
	s := NewStore(4)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	s.DrainEligible(aggregation.GranularityMinute, now, 0)

	key := minuteKey(t, "m-9", start)
	if err := s.Upsert(key, 1, now); !errors.Is(err, aggregation.ErrLateWindow) {
		t.Fatalf("err = %v, want ErrLateWindow", err)
	}
}

func TestDrainAllClaimsOpenWindows(t *testing.T) {
	s := NewStore(4)
	now := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	openKey := minuteKey(t, "m-1", now)
	graceKey := minuteKey(t, "m-2", now.Add(-30*time.Second))

	if err := s.Upsert(openKey, 5, now); err != nil {
		t.Fatalf("upsert open window: %v", err)
	}
	if err := s.Upsert(graceKey, 7, now); err != nil {
		t.Fatalf("upsert in-grace window: %v", err)
	}

	// Neither window is eligible yet under a 30s grace.
	if got := s.DrainEligible(aggregation.GranularityMinute, now, 30*time.Second); len(got) != 0 {
		t.Fatalf("drained %d eligible windows, want 0", len(got))
	}

	drained := s.DrainAll(aggregation.GranularityMinute)
	if len(drained) != 2 {
		t.Fatalf("force-drained %d accumulators, want 2", len(drained))
	}
	if s.Len(aggregation.GranularityMinute) != 0 {
		t.Fatalf("%d accumulators survived force drain", s.Len(aggregation.GranularityMinute))
	}

	if err := s.Upsert(openKey, 1, now); !errors.Is(err, aggregation.ErrLateWindow) {
		t.Fatalf("upsert into force-drained window: err = %v, want ErrLateWindow", err)
	}
}

func TestGranularitiesDrainIndependently(t *testing.T) {
	s := NewStore(4)
	ts := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	mKey := minuteKey(t, "m-1", ts)
	qKey, err := aggregation.NewWindowKey("m-1", aggregation.GranularityQuarter, ts)
	if err != nil {
		t.Fatalf("quarter key: %v", err)
	}
	if err := s.Upsert(mKey, 1, ts); err != nil {
		t.Fatalf("minute upsert: %v", err)
	}
	if err := s.Upsert(qKey, 1, ts); err != nil {
		t.Fatalf("quarter upsert: %v", err)
	}

	now := ts.Add(2 * time.Minute)
	if got := s.DrainEligible(aggregation.GranularityMinute, now, 0); len(got) != 1 {
		t.Fatalf("minute drained %d, want 1", len(got))
	}
	if n := s.Len(aggregation.GranularityQuarter); n != 1 {
		t.Fatalf("quarter accumulators = %d, want 1 (untouched by minute drain)", n)
	}
}

func TestConcurrentUpsertAndDrain(t *testing.T) {
	s := NewStore(8)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := int64(0)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Spread readings across sources and future windows so
				// none is late relative to the concurrent drains below.
				ts := base.Add(time.Duration(10+i) * time.Minute)
				key := aggregation.WindowKey{
					SourceID:    fmt.Sprintf("m-%d", w),
					Granularity: aggregation.GranularityMinute,
					WindowStart: aggregation.GranularityMinute.WindowStart(ts),
				}
				if err := s.Upsert(key, 1, ts); err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			drained := s.DrainEligible(aggregation.GranularityMinute, base.Add(5*time.Minute), 0)
			mu.Lock()
			for _, acc := range drained {
				total += acc.Count
			}
			mu.Unlock()
		}
	}()

	wg.Wait()

	// Everything still live must be drainable exactly once.
	drained := s.DrainEligible(aggregation.GranularityMinute, base.Add(24*time.Hour), 0)
	for _, acc := range drained {
		total += acc.Count
	}
	if want := int64(workers * perWorker); total != want {
		t.Fatalf("total folded count = %d, want %d", total, want)
	}
}
