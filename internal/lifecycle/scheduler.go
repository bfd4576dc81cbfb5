package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Task runs a handler on a fixed interval. Stop cancels future ticks
// promptly but never interrupts an in-flight run: it awaits completion,
// bounded by the caller's context, so shutdown can deterministically wait
// for a flush write instead of racing a fire-and-forget callback.
type Task struct {
	name     string
	interval time.Duration
	handler  func(ctx context.Context) error
	logger   *log.Logger

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewTask builds an interval task.
func NewTask(name string, interval time.Duration, handler func(ctx context.Context) error, logger *log.Logger) (*Task, error) {
	if name == "" {
		return nil, errors.New("lifecycle: empty task name")
	}
	if interval <= 0 {
		return nil, errors.New("lifecycle: non-positive interval")
	}
	if handler == nil {
		return nil, errors.New("lifecycle: nil handler")
	}
	if logger == nil {
		return nil, errors.New("lifecycle: nil logger")
	}
	return &Task{
		name:     name,
		interval: interval,
		handler:  handler,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the tick loop. The handler receives ctx, which outlives
// Stop so an in-flight run is never cancelled mid-write.
func (t *Task) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.handler(ctx); err != nil {
					t.logger.Printf("task %s: %v", t.name, err)
				}
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels future ticks and waits for an in-flight run, bounded by
// ctx. A deadline overrun is reported but the run itself keeps going.
func (t *Task) Stop(ctx context.Context) error {
	t.stopped.Do(func() { close(t.stop) })
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("lifecycle: task " + t.name + " still running at deadline")
	}
}
