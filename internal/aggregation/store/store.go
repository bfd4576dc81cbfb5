package store

import (
	"hash/fnv"
	"sync"
	"time"

	aggregation "meterflow/internal/aggregation/domain"
)

const defaultShardCount = 16

// Store is the in-memory keyed state for live window accumulators.
// It is sharded by source so ingestion workers contend on separate locks,
// and partitioned by granularity so draining one granularity never blocks
// upserts for the other.
type Store struct {
	shardCount int
	partitions map[aggregation.Granularity][]*shard
}

type shard struct {
	mu   sync.Mutex
	accs map[aggregation.WindowKey]*aggregation.WindowAccumulator

	// watermark is the newest windowStart already drained from this
	// shard. Upserts at or behind it are late data.
	watermark    time.Time
	watermarkSet bool
}

// NewStore builds a store with the given shard count per granularity.
func NewStore(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	partitions := make(map[aggregation.Granularity][]*shard, len(aggregation.Granularities))
	for _, g := range aggregation.Granularities {
		shards := make([]*shard, shardCount)
		for i := range shards {
			shards[i] = &shard{accs: make(map[aggregation.WindowKey]*aggregation.WindowAccumulator)}
		}
		partitions[g] = shards
	}
	return &Store{shardCount: shardCount, partitions: partitions}
}

func (s *Store) shardFor(key aggregation.WindowKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.SourceID))
	return s.partitions[key.Granularity][int(h.Sum32())%s.shardCount]
}

// Upsert folds a value into the accumulator for key, creating it on first
// contact. Returns ErrLateWindow when the key's window was already drained;
// the value must not be merged into a resurrected window.
func (s *Store) Upsert(key aggregation.WindowKey, value float64, now time.Time) error {
	if !key.Granularity.IsValid() {
		return aggregation.ErrInvalidGranularity
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.watermarkSet && !key.WindowStart.After(sh.watermark) {
		return aggregation.ErrLateWindow
	}
	if acc, ok := sh.accs[key]; ok {
		acc.Fold(value, now)
		return nil
	}
	sh.accs[key] = aggregation.NewWindowAccumulator(key, value, now)
	return nil
}

// DrainEligible atomically removes and returns every accumulator of the
// granularity whose window has closed (windowStart + width + grace <= now).
// Each shard is drained under its own lock, so no upsert observes a
// half-removed accumulator and no accumulator is returned twice. The drain
// watermark advances even for empty shards so late upserts are rejected.
func (s *Store) DrainEligible(g aggregation.Granularity, now time.Time, grace time.Duration) []*aggregation.WindowAccumulator {
	shards, ok := s.partitions[g]
	if !ok {
		return nil
	}
	cutoff := now.Add(-(g.Width() + grace))

	var drained []*aggregation.WindowAccumulator
	for _, sh := range shards {
		sh.mu.Lock()
		for key, acc := range sh.accs {
			if !key.WindowStart.After(cutoff) {
				drained = append(drained, acc)
				delete(sh.accs, key)
			}
		}
		if !sh.watermarkSet || cutoff.After(sh.watermark) {
			sh.watermark = cutoff
			sh.watermarkSet = true
		}
		sh.mu.Unlock()
	}
	return drained
}

// DrainAll atomically removes and returns every accumulator of the
// granularity, still-open windows included. Shutdown-only: the final
// flush must claim windows the eligibility cutoff would leave behind,
// because readings folded into them were already acked and an exiting
// process is their last chance to be persisted. The watermark advances
// past every drained window so a racing upsert cannot resurrect one.
func (s *Store) DrainAll(g aggregation.Granularity) []*aggregation.WindowAccumulator {
	shards, ok := s.partitions[g]
	if !ok {
		return nil
	}

	var drained []*aggregation.WindowAccumulator
	for _, sh := range shards {
		sh.mu.Lock()
		for key, acc := range sh.accs {
			drained = append(drained, acc)
			delete(sh.accs, key)
			if !sh.watermarkSet || key.WindowStart.After(sh.watermark) {
				sh.watermark = key.WindowStart
				sh.watermarkSet = true
			}
		}
		sh.mu.Unlock()
	}
	return drained
}

// Len reports the number of live accumulators for a granularity.
func (s *Store) Len(g aggregation.Granularity) int {
	shards, ok := s.partitions[g]
	if !ok {
		return 0
	}
	total := 0
	for _, sh := range shards {
		sh.mu.Lock()
		total += len(sh.accs)
		sh.mu.Unlock()
	}
	return total
}
