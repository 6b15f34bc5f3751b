package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/queue/memory"
)

type fakeHandler struct {
	mu     sync.Mutex
	fail   int
	err    error
	bodies [][]byte
	queues []string
	seen   chan []byte
}

func (h *fakeHandler) Stage() string     { return "triage" }
func (h *fakeHandler) Queues() []string  { return []string{pipeline.QueueTriage} }
func (h *fakeHandler) DeadQueue() string { return pipeline.QueueDeadTriage }

func (h *fakeHandler) Handle(_ context.Context, queue string, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies = append(h.bodies, body)
	h.queues = append(h.queues, queue)
	if h.seen != nil {
		select {
		case h.seen <- body:
		default:
		}
	}
	if h.fail != 0 {
		h.fail--
		return h.err
	}
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (s *captureSink) Emit(_ context.Context, ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestLoop(q pipeline.Queue, h Handler, sink pipeline.Metrics, events pipeline.EventSink, retryMax int) *Loop {
	loop := NewLoop(q, h, sink, events, config.QueueConfig{
		PopTimeoutSeconds: 1,
		RetryMax:          retryMax,
		BackoffSeconds:    2,
	}, zap.NewNop())
	loop.sleep = func(context.Context, time.Duration) error { return nil }
	return loop
}

func popDead(t *testing.T, q pipeline.Queue, queue string) pipeline.DeadLetter {
	t.Helper()
	_, body, err := q.Pop(context.Background(), []string{queue}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, body, "expected a dead letter on %s", queue)
	var letter pipeline.DeadLetter
	require.NoError(t, json.Unmarshal(body, &letter))
	return letter
}

func counter(t *testing.T, sink pipeline.Metrics, name string) int64 {
	t.Helper()
	n, err := sink.Counter(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestLoopProcessesMessage(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	h := &fakeHandler{}
	sink := metrics.NewMemorySink()
	loop := newTestLoop(q, h, sink, nil, 3)

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7}`))

	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.processed_total"))
	assert.EqualValues(t, 0, counter(t, sink, "worker.triage.error_total"))
	require.Len(t, h.bodies, 1)
	assert.Equal(t, pipeline.QueueTriage, h.queues[0])
}

func TestLoopRequeuesWithBackoffOnTransientError(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	h := &fakeHandler{fail: -1, err: errors.New("transient")}
	sink := metrics.NewMemorySink()
	events := &captureSink{}
	loop := newTestLoop(q, h, sink, events, 3)

	var slept []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7,"_retries":1}`))

	queue, body, err := q.Pop(context.Background(), []string{pipeline.QueueTriage}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, pipeline.QueueTriage, queue)
	assert.Equal(t, 2, pipeline.MessageRetries(body))

	require.Len(t, slept, 1)
	assert.Equal(t, 4*time.Second, slept[0])

	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.retry_total"))
	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.error_total"))
	require.Len(t, events.events, 1)
	assert.Equal(t, "retry", events.events[0].Status)
}

func TestLoopDeadLettersAfterBudget(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	h := &fakeHandler{fail: -1, err: errors.New("still broken")}
	sink := metrics.NewMemorySink()
	events := &captureSink{}
	loop := newTestLoop(q, h, sink, events, 2)

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7,"_retries":2}`))

	letter := popDead(t, q, pipeline.QueueDeadTriage)
	assert.Equal(t, "triage_failed", letter.Reason)
	assert.Equal(t, "still broken", letter.Error)
	assert.JSONEq(t, `{"tender_id":7,"_retries":2}`, string(letter.Payload))

	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.dead_total"))
	assert.EqualValues(t, 0, counter(t, sink, "worker.triage.retry_total"))
	require.Len(t, events.events, 1)
	assert.Equal(t, "dead", events.events[0].Status)
}

func TestLoopDeadLettersUnprocessableImmediately(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	h := &fakeHandler{fail: -1, err: pipeline.Dead("missing_tender_or_url", errors.New("no url"))}
	sink := metrics.NewMemorySink()
	loop := newTestLoop(q, h, sink, nil, 3)

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7}`))

	letter := popDead(t, q, pipeline.QueueDeadTriage)
	assert.Equal(t, "missing_tender_or_url", letter.Reason)
	assert.EqualValues(t, 0, counter(t, sink, "worker.triage.retry_total"))
	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.dead_total"))
}

func TestLoopCarriesReasonThroughRetries(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	h := &fakeHandler{fail: -1, err: pipeline.DeadAfterRetries("db_unavailable", errors.New("conn refused"))}
	sink := metrics.NewMemorySink()
	loop := newTestLoop(q, h, sink, nil, 0)

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7}`))

	letter := popDead(t, q, pipeline.QueueDeadTriage)
	assert.Equal(t, "db_unavailable", letter.Reason)
	assert.Contains(t, letter.Error, "conn refused")
}

type pushFailQueue struct {
	*memory.Queue
	pushErr error
}

func (q *pushFailQueue) Push(context.Context, string, any) error {
	return q.pushErr
}

func TestLoopDeadLettersWhenRequeueFails(t *testing.T) {
	t.Parallel()

	q := &pushFailQueue{Queue: memory.NewQueue(0), pushErr: errors.New("redis gone")}
	h := &fakeHandler{fail: -1, err: errors.New("transient")}
	sink := metrics.NewMemorySink()
	loop := newTestLoop(q, h, sink, nil, 3)

	loop.processOne(context.Background(), pipeline.QueueTriage, []byte(`{"tender_id":7}`))

	letter := popDead(t, q, pipeline.QueueDeadTriage)
	assert.Equal(t, "requeue_failed", letter.Reason)
	assert.EqualValues(t, 0, counter(t, sink, "worker.triage.retry_total"))
}

func TestLoopRunConsumesUntilCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	require.NoError(t, q.Push(context.Background(), pipeline.QueueTriage, map[string]any{"tender_id": 1}))

	h := &fakeHandler{seen: make(chan []byte, 1)}
	sink := metrics.NewMemorySink()
	loop := newTestLoop(q, h, sink, nil, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-h.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not consume the message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	assert.EqualValues(t, 1, counter(t, sink, "worker.triage.processed_total"))
}

func TestSleepReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	require.Error(t, err)

	assert.NoError(t, Sleep(context.Background(), 0))
}
