package memory

import (
	"context"
	"sync"
	"time"

	aggregation "meterflow/internal/aggregation/domain"
)

type recordKey struct {
	sourceID    string
	granularity aggregation.Granularity
	windowStart time.Time
}

// AggregateRepository is an in-memory RecordWriter. Writes are upserts by
// (sourceId, granularity, windowStart), matching the store contract, so a
// retried batch overwrites rather than duplicates.
type AggregateRepository struct {
	mu      sync.Mutex
	records map[recordKey]aggregation.AggregateRecord
	writes  int
}

// NewAggregateRepository constructs an empty repository.
func NewAggregateRepository() *AggregateRepository {
	return &AggregateRepository{records: make(map[recordKey]aggregation.AggregateRecord)}
}

// WriteAggregates upserts every record in the batch.
func (r *AggregateRepository) WriteAggregates(_ context.Context, records []aggregation.AggregateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	for _, record := range records {
		key := recordKey{
			sourceID:    record.SourceID,
			granularity: record.Granularity,
			windowStart: record.WindowStart.UTC(),
		}
		r.records[key] = record
	}
	return nil
}

// Get returns the persisted record for one window, if any.
func (r *AggregateRepository) Get(sourceID string, g aggregation.Granularity, windowStart time.Time) (aggregation.AggregateRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[recordKey{sourceID: sourceID, granularity: g, windowStart: windowStart.UTC()}]
	return record, ok
}

// Len reports the number of distinct persisted windows.
func (r *AggregateRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Writes reports how many batch writes were issued.
func (r *AggregateRepository) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}
