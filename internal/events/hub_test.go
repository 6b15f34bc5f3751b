package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]pipeline.Event
	err     error
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]pipeline.Event(nil), batch...)
	s.batches = append(s.batches, cp)
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]pipeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]pipeline.Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *stubSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func sampleEvent(stage, status string) pipeline.Event {
	return pipeline.Event{Stage: stage, Status: status, Message: "probe"}
}

// TestHubBatchBySize verifies the hub flushes once the batch size is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:    8,
		BatchSize:     2,
		FlushInterval: time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(context.Background(), sampleEvent("triage", "queued"))
	hub.Emit(context.Background(), sampleEvent("triage", "scored"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer flush kicks in for small batches.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:    4,
		BatchSize:     10,
		FlushInterval: 25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(context.Background(), sampleEvent("parse", "extracted"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubCloseDrains asserts pending events reach sinks before Close returns.
func TestHubCloseDrains(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:    64,
		BatchSize:     100,
		FlushInterval: time.Minute,
	}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(context.Background(), sampleEvent("fetch_docs", "fetched"))
	}
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 10, sink.Total())
	assert.True(t, sink.closed)
}

// TestHubDropsInvalid asserts events without stage or status never reach sinks.
func TestHubDropsInvalid(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)

	hub.Emit(context.Background(), pipeline.Event{Status: "ok"})
	hub.Emit(context.Background(), pipeline.Event{Stage: "triage"})
	require.NoError(t, hub.Close(context.Background()))
	assert.Zero(t, sink.Total())
}

// TestHubSamplingKeepsErrors asserts sampling never discards error events.
func TestHubSamplingKeepsErrors(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{SampleRate: 0.5}, sink)
	hub.sample = func() float64 { return 0.99 }

	hub.Emit(context.Background(), sampleEvent("parse", "extracted"))
	hub.Emit(context.Background(), sampleEvent("parse", "error"))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 1, sink.Total())
	assert.Equal(t, "error", sink.Batches()[0][0].Status)
}

// TestHubEmitAfterClose asserts post-close emissions are ignored.
func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(context.Background(), sampleEvent("triage", "queued"))
	assert.Zero(t, sink.Total())
}

// TestHubSinkErrorDoesNotStopFlushes asserts a failing sink only logs.
func TestHubSinkErrorDoesNotStopFlushes(t *testing.T) {
	t.Parallel()

	bad := newStubSink()
	bad.err = errors.New("boom")
	good := newStubSink()
	hub := NewHub(Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, bad, good)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(context.Background(), sampleEvent("alerts", "raised"))
	require.Eventually(t, func() bool {
		return good.Total() == 1
	}, time.Second, 5*time.Millisecond)
}
