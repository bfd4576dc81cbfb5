package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	aggregation "meterflow/internal/aggregation/domain"
	"meterflow/internal/aggregation/store"
	"meterflow/internal/observability/metrics"
	telemetry "meterflow/internal/telemetry/domain"
)

// RecordWriter persists a flush batch. Writes must be upserts by
// (sourceId, granularity, windowStart) so a retried batch after a partial
// failure never double-counts.
type RecordWriter interface {
	WriteAggregates(ctx context.Context, records []aggregation.AggregateRecord) error
}

// AggregatePublisher delivers flushed aggregate records to the outbound
// update channel. Publish failures are counted, never propagated.
type AggregatePublisher interface {
	PublishAggregate(ctx context.Context, record aggregation.AggregateRecord) error
}

// Clock abstracts wall-clock access for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system UTC time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IngestResult reports per-granularity late-data status for one reading.
type IngestResult struct {
	Late map[aggregation.Granularity]bool
}

// AnyLate reports whether the reading was dropped for at least one
// granularity.
func (r IngestResult) AnyLate() bool {
	for _, late := range r.Late {
		if late {
			return true
		}
	}
	return false
}

// Config holds aggregator tuning.
type Config struct {
	// LateGrace keeps a closed window drainable-but-open for late
	// arrivals before flush claims it.
	LateGrace time.Duration
	// RetryBackoff is the pause before the single flush write retry.
	RetryBackoff time.Duration
}

// Aggregator rolls readings into the window store at both granularities
// and converts closed windows into persisted aggregate records on flush.
type Aggregator struct {
	store     *store.Store
	writer    RecordWriter
	publisher AggregatePublisher
	clock     Clock
	logger    *log.Logger
	cfg       Config
}

// NewAggregator constructs an aggregator.
func NewAggregator(windowStore *store.Store, writer RecordWriter, publisher AggregatePublisher, clock Clock, logger *log.Logger, cfg Config) (*Aggregator, error) {
	if windowStore == nil {
		return nil, errors.New("aggregator: nil window store")
	}
	if writer == nil {
		return nil, errors.New("aggregator: nil record writer")
	}
	if logger == nil {
		return nil, errors.New("aggregator: nil logger")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Aggregator{
		store:     windowStore,
		writer:    writer,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Ingest folds a reading into its minute and quarter windows. A window
// that was already flushed yields a late-data drop for that granularity
// only; the reading is never merged into a closed window.
func (a *Aggregator) Ingest(reading telemetry.Reading) (IngestResult, error) {
	now := a.clock.Now()
	result := IngestResult{Late: make(map[aggregation.Granularity]bool, len(aggregation.Granularities))}

	for _, g := range aggregation.Granularities {
		key, err := aggregation.NewWindowKey(reading.SourceID, g, reading.Timestamp)
		if err != nil {
			return IngestResult{}, fmt.Errorf("aggregator: window key: %w", err)
		}
		err = a.store.Upsert(key, reading.Value, now)
		if errors.Is(err, aggregation.ErrLateWindow) {
			result.Late[g] = true
			metrics.ObserveLateData(string(g))
			a.logger.Printf("late reading dropped: source=%s granularity=%s window=%s",
				reading.SourceID, g, key.WindowStart.Format(time.RFC3339))
			continue
		}
		if err != nil {
			return IngestResult{}, fmt.Errorf("aggregator: upsert: %w", err)
		}
		result.Late[g] = false
	}
	return result, nil
}

// Flush drains closed windows of one granularity, persists them, and
// publishes the flushed records to the update channel. The write is
// retried once after a backoff; a second failure drops the batch with a
// loss counter.
func (a *Aggregator) Flush(ctx context.Context, g aggregation.Granularity) error {
	if !g.IsValid() {
		return aggregation.ErrInvalidGranularity
	}
	drained := a.store.DrainEligible(g, a.clock.Now(), a.cfg.LateGrace)
	return a.flushDrained(ctx, g, drained)
}

// flushDrained persists one drained batch and publishes the records.
func (a *Aggregator) flushDrained(ctx context.Context, g aggregation.Granularity, drained []*aggregation.WindowAccumulator) error {
	now := a.clock.Now()
	started := time.Now()
	metrics.SetLiveWindows(string(g), a.store.Len(g))
	if len(drained) == 0 {
		metrics.ObserveFlush(string(g), "success", 0, time.Since(started))
		return nil
	}

	records := make([]aggregation.AggregateRecord, 0, len(drained))
	for _, acc := range drained {
		records = append(records, aggregation.RecordFromAccumulator(acc, now))
	}

	err := a.writer.WriteAggregates(ctx, records)
	if err != nil {
		a.logger.Printf("flush write failed, retrying once: granularity=%s batch=%d err=%v", g, len(records), err)
		select {
		case <-time.After(a.cfg.RetryBackoff):
		case <-ctx.Done():
			metrics.ObserveFlush(string(g), "error", len(records), time.Since(started))
			metrics.ObserveFlushDropped(string(g))
			return ctx.Err()
		}
		err = a.writer.WriteAggregates(ctx, records)
	}
	if err != nil {
		metrics.ObserveFlush(string(g), "error", len(records), time.Since(started))
		metrics.ObserveFlushDropped(string(g))
		a.logger.Printf("flush batch dropped after retry: granularity=%s batch=%d err=%v", g, len(records), err)
		return fmt.Errorf("aggregator: flush %s: %w", g, err)
	}

	metrics.ObserveFlush(string(g), "success", len(records), time.Since(started))
	a.publishRecords(ctx, records)
	return nil
}

// FlushMinute flushes the minute granularity. Ticker-friendly form.
func (a *Aggregator) FlushMinute(ctx context.Context) error {
	return a.Flush(ctx, aggregation.GranularityMinute)
}

// FlushQuarter flushes the quarter granularity. Ticker-friendly form.
func (a *Aggregator) FlushQuarter(ctx context.Context) error {
	return a.Flush(ctx, aggregation.GranularityQuarter)
}

// FlushAll force-drains and persists every remaining window, still-open
// ones included. Shutdown-only: the readings inside were already acked,
// so windows the regular eligibility cutoff would leave in memory must be
// written out before the process exits. Errors are collected so one
// failed granularity never skips the other.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	var errs []error
	for _, g := range aggregation.Granularities {
		if err := a.flushDrained(ctx, g, a.store.DrainAll(g)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) publishRecords(ctx context.Context, records []aggregation.AggregateRecord) {
	if a.publisher == nil {
		return
	}
	for _, record := range records {
		if err := a.publisher.PublishAggregate(ctx, record); err != nil {
			metrics.ObservePublishFailure("aggregate")
			a.logger.Printf("aggregate publish failed: source=%s window=%s err=%v",
				record.SourceID, record.WindowStart.Format(time.RFC3339), err)
		}
	}
}
