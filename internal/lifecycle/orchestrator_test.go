package lifecycle

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) indexOf(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

type stubStore struct {
	journal *journal
	pingErr error
}

func (s *stubStore) PingContext(context.Context) error { return s.pingErr }
func (s *stubStore) Close() error {
	s.journal.add("store.close")
	return nil
}

type stubConsumer struct {
	ensureErr error
}

func (s *stubConsumer) EnsureGroups(context.Context) error { return s.ensureErr }

type stubPublisher struct {
	journal  *journal
	closeErr error
}

func (s *stubPublisher) Ping(context.Context) error { return nil }
func (s *stubPublisher) Close() error {
	s.journal.add("publisher.close")
	return s.closeErr
}

type stubLoop struct {
	journal *journal
	fatal   chan error
}

func newStubLoop(j *journal) *stubLoop {
	return &stubLoop{journal: j, fatal: make(chan error, 1)}
}

func (s *stubLoop) Start(context.Context) { s.journal.add("loop.start") }
func (s *stubLoop) Stop(context.Context) error {
	s.journal.add("loop.stop")
	return nil
}
func (s *stubLoop) Fatal() <-chan error { return s.fatal }

type stubDetector struct {
	journal *journal
}

func (s *stubDetector) Start(context.Context) { s.journal.add("detector.start") }
func (s *stubDetector) Stop()                 { s.journal.add("detector.stop") }

type stubFlusher struct {
	journal  *journal
	flushErr error
	// slow simulates a flush write that outlives the drain trigger.
	slow time.Duration
}

func (s *stubFlusher) FlushMinute(context.Context) error {
	if s.slow > 0 {
		time.Sleep(s.slow)
	}
	s.journal.add("flush.minute")
	return nil
}
func (s *stubFlusher) FlushQuarter(context.Context) error {
	s.journal.add("flush.quarter")
	return nil
}
func (s *stubFlusher) FlushAll(context.Context) error {
	s.journal.add("flush.all")
	return s.flushErr
}

func testConfig() Config {
	return Config{
		MinuteFlushInterval:  10 * time.Millisecond,
		QuarterFlushInterval: time.Hour,
		FlushTimeout:         time.Second,
		StopTimeout:          time.Second,
	}
}

func newTestOrchestrator(t *testing.T, j *journal, store *stubStore, consumer *stubConsumer, publisher *stubPublisher, loop *stubLoop, flusher *stubFlusher, closeTransport func() error) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(testConfig(), store, consumer, publisher, loop, &stubDetector{journal: j}, flusher, closeTransport, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestStartupFailureNeverEntersRunning(t *testing.T) {
	j := &journal{}
	store := &stubStore{journal: j, pingErr: errors.New("store down")}
	o := newTestOrchestrator(t, j, store, &stubConsumer{}, &stubPublisher{journal: j}, newStubLoop(j), &stubFlusher{journal: j}, nil)

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("run succeeded with a dead store")
	}
	if o.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", o.State())
	}
	if j.indexOf("loop.start") != -1 {
		t.Fatal("ingestion started despite startup failure")
	}
}

func TestDrainOrderOnShutdownSignal(t *testing.T) {
	j := &journal{}
	transportClosed := false
	closeTransport := func() error {
		j.add("transport.close")
		transportClosed = true
		return nil
	}
	loop := newStubLoop(j)
	o := newTestOrchestrator(t, j, &stubStore{journal: j}, &stubConsumer{}, &stubPublisher{journal: j}, loop, &stubFlusher{journal: j}, closeTransport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitState(t, o, StateRunning)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if o.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", o.State())
	}
	if !transportClosed {
		t.Fatal("transport not closed")
	}

	// The drain contract: intake stops first, final flush runs before the
	// publisher closes, store closes last.
	order := []string{"loop.stop", "flush.all", "detector.stop", "publisher.close", "transport.close", "store.close"}
	last := -1
	for _, step := range order {
		idx := j.indexOf(step)
		if idx == -1 {
			t.Fatalf("step %q never ran; journal: %v", step, j.entries)
		}
		if idx <= last {
			t.Fatalf("step %q out of order; journal: %v", step, j.entries)
		}
		last = idx
	}
}

func TestDrainStepFailureDoesNotSkipRemainingSteps(t *testing.T) {
	j := &journal{}
	publisher := &stubPublisher{journal: j, closeErr: errors.New("publisher wedged")}
	flusher := &stubFlusher{journal: j, flushErr: errors.New("final flush failed")}
	o := newTestOrchestrator(t, j, &stubStore{journal: j}, &stubConsumer{}, publisher, newStubLoop(j), flusher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitState(t, o, StateRunning)
	cancel()
	err := <-done
	if err == nil {
		t.Fatal("run returned nil despite drain step failures")
	}
	if j.indexOf("store.close") == -1 {
		t.Fatal("store not closed after earlier step failures")
	}
	if o.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", o.State())
	}
}

func TestFatalTransportErrorTriggersDrain(t *testing.T) {
	j := &journal{}
	loop := newStubLoop(j)
	o := newTestOrchestrator(t, j, &stubStore{journal: j}, &stubConsumer{}, &stubPublisher{journal: j}, loop, &stubFlusher{journal: j}, nil)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	waitState(t, o, StateRunning)
	loop.fatal <- errors.New("reconnect exhausted")

	err := <-done
	if err == nil {
		t.Fatal("run returned nil after fatal transport error")
	}
	if o.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", o.State())
	}
	if j.indexOf("flush.all") == -1 {
		t.Fatal("final flush skipped on fatal-error drain")
	}
}

func TestDrainAwaitsInFlightFlush(t *testing.T) {
	j := &journal{}
	flusher := &stubFlusher{journal: j, slow: 50 * time.Millisecond}
	o := newTestOrchestrator(t, j, &stubStore{journal: j}, &stubConsumer{}, &stubPublisher{journal: j}, newStubLoop(j), flusher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitState(t, o, StateRunning)
	// Let the minute task start a slow flush, then trigger the drain.
	time.Sleep(15 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	// The slow write must have completed before the transport was torn
	// down behind it.
	flushIdx := j.indexOf("flush.minute")
	closeIdx := j.indexOf("publisher.close")
	if flushIdx == -1 {
		// The timer may not have fired before the drain; the guarantee
		// only applies to flushes that actually started.
		return
	}
	if closeIdx != -1 && closeIdx < flushIdx {
		t.Fatalf("publisher closed before in-flight flush finished; journal: %v", j.entries)
	}
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", o.State(), want)
}
