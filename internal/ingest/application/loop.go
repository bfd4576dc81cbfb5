package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	aggapp "meterflow/internal/aggregation/application"
	anomalyapp "meterflow/internal/anomaly/application"
	"meterflow/internal/auth"
	"meterflow/internal/observability/metrics"
	telemetry "meterflow/internal/telemetry/domain"
	"meterflow/internal/transport/redisstream"
)

// MessageSource is the transport side of the ingestion loop.
type MessageSource interface {
	Partitions() int
	Fetch(ctx context.Context, partition int) ([]redisstream.Message, error)
	Ack(ctx context.Context, partition int, ids ...string) error
	Lag(ctx context.Context, partition int) (int64, error)
}

// Classifier judges readings against per-source baselines.
type Classifier interface {
	Classify(reading telemetry.Reading) anomalyapp.Status
	BaselineCount() int
}

// Folder rolls readings into window accumulators.
type Folder interface {
	Ingest(reading telemetry.Reading) (aggapp.IngestResult, error)
}

const (
	resultSuccess     = "success"
	resultDecodeError = "decode_error"
	resultAuthError   = "auth_error"
	resultLate        = "late"
	resultFoldError   = "fold_error"

	// maxFetchFailures is the consecutive transport-failure budget before
	// the loop declares the transport's reconnect policy exhausted.
	maxFetchFailures = 10
	fetchRetryPause  = time.Second
)

// Config tunes the ingestion loop.
type Config struct {
	// LagInterval is the cadence of the informational lag probe.
	LagInterval time.Duration
}

// Loop drives consumption: one worker per partition keeps per-source
// ordering, partitions run concurrently with no cross-partition guarantee.
// Position advances (ack) only after a reading was folded, never before.
type Loop struct {
	source     MessageSource
	verifier   *auth.ProducerVerifier
	classifier Classifier
	folder     Folder
	logger     *log.Logger
	cfg        Config

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	fatalCh chan error
	once    sync.Once
}

// NewLoop constructs the ingestion loop.
func NewLoop(source MessageSource, verifier *auth.ProducerVerifier, classifier Classifier, folder Folder, logger *log.Logger, cfg Config) (*Loop, error) {
	if source == nil {
		return nil, errors.New("ingest: nil message source")
	}
	if classifier == nil {
		return nil, errors.New("ingest: nil classifier")
	}
	if folder == nil {
		return nil, errors.New("ingest: nil folder")
	}
	if logger == nil {
		return nil, errors.New("ingest: nil logger")
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = 30 * time.Second
	}
	return &Loop{
		source:     source,
		verifier:   verifier,
		classifier: classifier,
		folder:     folder,
		logger:     logger,
		cfg:        cfg,
		fatalCh:    make(chan error, 1),
	}, nil
}

// Fatal delivers at most one unrecoverable transport error; the lifecycle
// orchestrator listens on it to initiate shutdown.
func (l *Loop) Fatal() <-chan error { return l.fatalCh }

// Start launches partition workers and the lag probe.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for p := 0; p < l.source.Partitions(); p++ {
		l.wg.Add(1)
		go l.runPartition(ctx, p)
	}
	l.wg.Add(1)
	go l.runLagProbe(ctx)
}

// Stop halts consumption and waits for workers, bounded by ctx. In-flight
// message handling finishes; no new fetches begin.
func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) reportFatal(err error) {
	l.once.Do(func() {
		l.fatalCh <- err
	})
}

func (l *Loop) runPartition(ctx context.Context, partition int) {
	defer l.wg.Done()
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := l.source.Fetch(ctx, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			l.logger.Printf("fetch failed: partition=%d attempt=%d err=%v", partition, failures, err)
			if failures >= maxFetchFailures {
				l.reportFatal(err)
				return
			}
			select {
			case <-time.After(fetchRetryPause):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		if err := l.processBatch(ctx, partition, messages); err != nil {
			// A fold failure must halt consumption: folding entries past
			// the failed one would break per-source ordering, because
			// the unacked entry replays after restart behind readings
			// that already advanced the window state.
			l.reportFatal(err)
			return
		}
	}
}

// processBatch handles one fetch worth of entries in order, acking each
// position only once the reading behind it is folded (or rejected by
// policy, which also counts as handled). A fold failure acks the handled
// prefix and returns the error; the failed entry and everything after it
// stay unacked for in-order replay.
func (l *Loop) processBatch(ctx context.Context, partition int, messages []redisstream.Message) error {
	acked := make([]string, 0, len(messages))
	var foldErr error
	for _, message := range messages {
		if err := l.processMessage(message); err != nil {
			foldErr = fmt.Errorf("ingest: partition %d entry %s: %w", partition, message.ID, err)
			break
		}
		acked = append(acked, message.ID)
	}
	if len(acked) > 0 {
		if err := l.source.Ack(ctx, partition, acked...); err != nil {
			// Unacked entries replay after restart; folding them again is
			// idempotent at the storage layer.
			l.logger.Printf("ack failed: partition=%d entries=%d err=%v", partition, len(acked), err)
		}
	}
	return foldErr
}

// processMessage handles one entry. A non-nil return means the reading
// could not be folded; every other outcome, rejection included, counts as
// handled.
func (l *Loop) processMessage(message redisstream.Message) error {
	reading, err := telemetry.DecodeReading(message.Body, message.Partition, message.ID)
	if err != nil {
		metrics.ObserveDecodeFailure()
		metrics.ObserveMessage(resultDecodeError)
		l.logger.Printf("malformed message skipped: partition=%d id=%s err=%v", message.Partition, message.ID, err)
		return nil
	}

	if l.verifier.Enabled() {
		if err := l.verifier.Verify(reading.Token, reading.SourceID); err != nil {
			metrics.ObserveAuthFailure()
			metrics.ObserveMessage(resultAuthError)
			l.logger.Printf("unauthenticated message skipped: partition=%d source=%s err=%v", message.Partition, reading.SourceID, err)
			return nil
		}
	}

	// Detection first, on the baseline as of the previous reading.
	l.classifier.Classify(reading)

	result, err := l.folder.Ingest(reading)
	if err != nil {
		metrics.ObserveMessage(resultFoldError)
		l.logger.Printf("fold failed: partition=%d source=%s err=%v", message.Partition, reading.SourceID, err)
		return err
	}
	if result.AnyLate() {
		metrics.ObserveMessage(resultLate)
	} else {
		metrics.ObserveMessage(resultSuccess)
	}
	return nil
}

func (l *Loop) runLagProbe(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.probeLag(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) probeLag(ctx context.Context) {
	for p := 0; p < l.source.Partitions(); p++ {
		lag, err := l.source.Lag(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Printf("lag probe failed: partition=%d err=%v", p, err)
			continue
		}
		metrics.SetConsumerLag(strconv.Itoa(p), float64(lag))
	}
	metrics.SetLiveBaselines(l.classifier.BaselineCount())
}
