package application

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	anomaly "meterflow/internal/anomaly/domain"
	"meterflow/internal/observability/metrics"
	telemetry "meterflow/internal/telemetry/domain"
)

// Status is the classification result for one reading.
type Status string

const (
	// StatusLearning means the baseline has too few samples to judge.
	StatusLearning Status = "learning"
	StatusNormal   Status = "normal"
	StatusSpike    Status = "spike"
	StatusDrop     Status = "drop"
)

// EventPublisher delivers anomaly events to the outbound channel.
type EventPublisher interface {
	PublishAnomaly(ctx context.Context, event anomaly.Event) error
}

// Config holds detection thresholds.
type Config struct {
	// SpikeThreshold flags readings at or above (1+SpikeThreshold)x the
	// rolling mean.
	SpikeThreshold float64
	// DropThreshold flags readings at or below (1-DropThreshold)x the
	// rolling mean.
	DropThreshold float64
	// MinSampleSize is the number of readings a baseline must absorb
	// before classification starts.
	MinSampleSize int64
	// EventBuffer bounds the outbound queue; events beyond it are
	// dropped and counted, never allowed to stall ingestion.
	EventBuffer int
}

const defaultEventBuffer = 256

// Detector classifies readings against per-source rolling baselines.
// Classification uses the baseline as of the previous reading; the current
// reading is folded in only afterwards.
type Detector struct {
	cfg       Config
	publisher EventPublisher
	logger    *log.Logger

	shards        []*baselineShard
	baselineCount int64

	events chan anomaly.Event
	wg     sync.WaitGroup
	stop   chan struct{}
}

type baselineShard struct {
	mu        sync.Mutex
	baselines map[string]*anomaly.Baseline
}

const baselineShardCount = 16

// NewDetector constructs a detector.
func NewDetector(cfg Config, publisher EventPublisher, logger *log.Logger) (*Detector, error) {
	if publisher == nil {
		return nil, errors.New("anomaly: nil publisher")
	}
	if logger == nil {
		return nil, errors.New("anomaly: nil logger")
	}
	if cfg.SpikeThreshold <= 0 || cfg.DropThreshold <= 0 || cfg.DropThreshold >= 1 {
		return nil, errors.New("anomaly: thresholds out of range")
	}
	if cfg.MinSampleSize <= 0 {
		return nil, errors.New("anomaly: min sample size must be positive")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	shards := make([]*baselineShard, baselineShardCount)
	for i := range shards {
		shards[i] = &baselineShard{baselines: make(map[string]*anomaly.Baseline)}
	}
	return &Detector{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		shards:    shards,
		events:    make(chan anomaly.Event, cfg.EventBuffer),
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the outbound event pump.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case event := <-d.events:
				d.publish(ctx, event)
			case <-d.stop:
				// Drain whatever is already queued, then exit.
				for {
					select {
					case event := <-d.events:
						d.publish(ctx, event)
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop drains queued events and stops the pump.
func (d *Detector) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Detector) publish(ctx context.Context, event anomaly.Event) {
	if err := d.publisher.PublishAnomaly(ctx, event); err != nil {
		metrics.ObservePublishFailure("anomaly")
		d.logger.Printf("anomaly publish failed: source=%s kind=%s err=%v", event.SourceID, event.Kind, err)
	}
}

func (d *Detector) shardFor(sourceID string) *baselineShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sourceID))
	return d.shards[int(h.Sum32())%len(d.shards)]
}

// Classify judges one reading against its source baseline, then folds the
// reading into the baseline. Emission is fire-and-forget; a full outbound
// queue drops the event with a counter, never an error.
func (d *Detector) Classify(reading telemetry.Reading) Status {
	sh := d.shardFor(reading.SourceID)

	sh.mu.Lock()
	baseline, ok := sh.baselines[reading.SourceID]
	if !ok {
		baseline = &anomaly.Baseline{}
		sh.baselines[reading.SourceID] = baseline
		atomic.AddInt64(&d.baselineCount, 1)
	}

	status := StatusLearning
	var event anomaly.Event
	if baseline.SampleCount >= d.cfg.MinSampleSize {
		status, event = d.judge(reading, baseline)
	}
	baseline.Observe(reading.Value)
	sh.mu.Unlock()

	if status == StatusSpike || status == StatusDrop {
		select {
		case d.events <- event:
			metrics.ObserveAnomaly(string(event.Kind))
		default:
			// Only enqueued events count as emitted.
			metrics.ObservePublishFailure("anomaly")
			d.logger.Printf("anomaly queue full, event dropped: source=%s kind=%s", event.SourceID, event.Kind)
		}
	}
	return status
}

// judge classifies against the baseline before the current reading is
// folded in. Caller holds the shard lock.
func (d *Detector) judge(reading telemetry.Reading, baseline *anomaly.Baseline) (Status, anomaly.Event) {
	expected := baseline.Mean
	if expected == 0 {
		// Ratio against a zero mean is meaningless; wait for the
		// baseline to move.
		return StatusNormal, anomaly.Event{}
	}

	ratio := reading.Value / expected
	var kind anomaly.Kind
	switch {
	case ratio >= 1+d.cfg.SpikeThreshold:
		kind = anomaly.KindSpike
	case ratio <= 1-d.cfg.DropThreshold:
		kind = anomaly.KindDrop
	default:
		return StatusNormal, anomaly.Event{}
	}

	zScore := 0.0
	if stddev := baseline.StdDev(); stddev > 0 {
		zScore = (reading.Value - expected) / stddev
	}
	event := anomaly.Event{
		ID:        uuid.NewString(),
		SourceID:  reading.SourceID,
		Kind:      kind,
		Observed:  reading.Value,
		Expected:  expected,
		Ratio:     ratio,
		ZScore:    zScore,
		Timestamp: reading.Timestamp,
	}
	if kind == anomaly.KindSpike {
		return StatusSpike, event
	}
	return StatusDrop, event
}

// BaselineCount reports how many sources have live baselines.
func (d *Detector) BaselineCount() int {
	return int(atomic.LoadInt64(&d.baselineCount))
}
