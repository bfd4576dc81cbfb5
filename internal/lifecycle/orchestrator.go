package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State tracks the orchestrator through its lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateDraining      State = "draining"
	StateStopped       State = "stopped"
)

// StoreConn is the persistent-store connection. *sql.DB satisfies it.
type StoreConn interface {
	PingContext(ctx context.Context) error
	Close() error
}

// StreamConsumer is the inbound transport connection step.
type StreamConsumer interface {
	EnsureGroups(ctx context.Context) error
}

// UpdatePublisher is the outbound transport connection.
type UpdatePublisher interface {
	Ping(ctx context.Context) error
	Close() error
}

// IngestRunner is the ingestion loop.
type IngestRunner interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	Fatal() <-chan error
}

// DetectorRunner is the anomaly detector's event pump.
type DetectorRunner interface {
	Start(ctx context.Context)
	Stop()
}

// Flusher drains and persists closed windows.
type Flusher interface {
	FlushMinute(ctx context.Context) error
	FlushQuarter(ctx context.Context) error
	FlushAll(ctx context.Context) error
}

// Config tunes flush cadences and drain bounds.
type Config struct {
	MinuteFlushInterval  time.Duration
	QuarterFlushInterval time.Duration
	// FlushTimeout bounds how long the drain waits for an in-flight
	// flush write before moving to the next shutdown step.
	FlushTimeout time.Duration
	// StopTimeout bounds the ingestion-loop stop during drain.
	StopTimeout time.Duration
}

// Orchestrator owns startup dependency order and the ordered shutdown
// drain of the streaming core.
// Startup: store, consumer, producer, then detector and ingestion. A
// failure in any connection step is fatal; the process never enters
// Running. Drain: stop intake, cancel timers, one final flush per
// granularity, close publisher, consumer, store - each step awaited,
// failures surfaced but never allowed to skip later steps.
type Orchestrator struct {
	cfg    Config
	logger *log.Logger

	store      StoreConn
	consumer   StreamConsumer
	publisher  UpdatePublisher
	loop       IngestRunner
	detector   DetectorRunner
	aggregator Flusher
	// closeTransport releases the shared broker client after both
	// producer and consumer are done with it.
	closeTransport func() error

	mu    sync.Mutex
	state State
}

// NewOrchestrator constructs an orchestrator over explicitly owned
// collaborators. No ambient globals: every dependency arrives here.
func NewOrchestrator(
	cfg Config,
	store StoreConn,
	consumer StreamConsumer,
	publisher UpdatePublisher,
	loop IngestRunner,
	detector DetectorRunner,
	aggregator Flusher,
	closeTransport func() error,
	logger *log.Logger,
) (*Orchestrator, error) {
	if store == nil || consumer == nil || publisher == nil || loop == nil || detector == nil || aggregator == nil {
		return nil, errors.New("lifecycle: nil collaborator")
	}
	if logger == nil {
		return nil, errors.New("lifecycle: nil logger")
	}
	if cfg.MinuteFlushInterval <= 0 {
		cfg.MinuteFlushInterval = time.Minute
	}
	if cfg.QuarterFlushInterval <= 0 {
		cfg.QuarterFlushInterval = 15 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	return &Orchestrator{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		consumer:       consumer,
		publisher:      publisher,
		loop:           loop,
		detector:       detector,
		aggregator:     aggregator,
		closeTransport: closeTransport,
		state:          StateUninitialized,
	}, nil
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Printf("lifecycle: %s", s)
}

// Run connects collaborators in dependency order, runs until ctx is
// cancelled or the transport reports a fatal error, then drains. The
// returned error joins startup or drain-step failures so the process can
// exit non-zero.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateInitializing)

	if err := o.store.PingContext(ctx); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("lifecycle: store connect: %w", err)
	}
	if err := o.consumer.EnsureGroups(ctx); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("lifecycle: consumer connect: %w", err)
	}
	if err := o.publisher.Ping(ctx); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("lifecycle: producer connect: %w", err)
	}

	// Timers and workers get a context that outlives the drain trigger so
	// in-flight flush writes are awaited, not cancelled.
	runCtx := context.Background()

	o.detector.Start(runCtx)
	o.loop.Start(runCtx)

	minuteTask, err := NewTask("flush-minute", o.cfg.MinuteFlushInterval, o.aggregator.FlushMinute, o.logger)
	if err != nil {
		o.setState(StateStopped)
		return err
	}
	quarterTask, err := NewTask("flush-quarter", o.cfg.QuarterFlushInterval, o.aggregator.FlushQuarter, o.logger)
	if err != nil {
		o.setState(StateStopped)
		return err
	}
	minuteTask.Start(runCtx)
	quarterTask.Start(runCtx)

	o.setState(StateRunning)

	var cause error
	select {
	case <-ctx.Done():
	case err := <-o.loop.Fatal():
		cause = fmt.Errorf("lifecycle: transport failed: %w", err)
		o.logger.Printf("fatal transport error, draining: %v", err)
	}

	drainErr := o.drain(runCtx, minuteTask, quarterTask)
	return errors.Join(cause, drainErr)
}

// drain runs the ordered shutdown. Every step is guarded so one failure
// never skips the remaining cleanup.
func (o *Orchestrator) drain(ctx context.Context, tasks ...*Task) error {
	o.setState(StateDraining)
	var errs []error

	// 1. Stop accepting new messages.
	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	if err := o.loop.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: stop ingestion: %w", err))
	}
	cancel()

	// 2. Cancel flush timers, awaiting any in-flight flush write.
	for _, task := range tasks {
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.FlushTimeout)
		if err := task.Stop(waitCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	// 3. Final synchronous flush for both granularities; nothing buffered
	// survives past this point.
	flushCtx, cancel := context.WithTimeout(ctx, o.cfg.FlushTimeout)
	if err := o.aggregator.FlushAll(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: final flush: %w", err))
	}
	cancel()

	// 4. Drain queued anomaly events, then close the outbound publisher.
	o.detector.Stop()
	if err := o.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: close publisher: %w", err))
	}

	// 5. Close the transport client (consumer side included).
	if o.closeTransport != nil {
		if err := o.closeTransport(); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: close transport: %w", err))
		}
	}

	// 6. Close the store connection last.
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: close store: %w", err))
	}

	o.setState(StateStopped)
	return errors.Join(errs...)
}
