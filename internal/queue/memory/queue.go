// Package memory provides queue implementations for local development
// and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Queue is a bounded in-memory implementation of pipeline.Queue with
// the same FIFO and cap semantics as the Redis lists.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cap   int64
	items map[string][][]byte
}

// NewQueue constructs a queue. cap <= 0 disables the length guard.
func NewQueue(cap int64) *Queue {
	q := &Queue{
		cap:   cap,
		items: make(map[string][][]byte),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a message or fails with pipeline.ErrQueueFull.
func (q *Queue) Push(_ context.Context, queue string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cap > 0 && int64(len(q.items[queue])) >= q.cap {
		return fmt.Errorf("%s: %w", queue, pipeline.ErrQueueFull)
	}
	q.items[queue] = append(q.items[queue], body)
	q.cond.Broadcast()
	return nil
}

// Pop waits for a message on any of the queues, in priority order.
func (q *Queue) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for _, name := range queues {
			if list := q.items[name]; len(list) > 0 {
				item := list[0]
				q.items[name] = list[1:]
				return name, item, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		if !time.Now().Before(deadline) {
			return "", nil, nil
		}
		q.wait(ctx, deadline)
	}
}

// wait blocks on the condition until a push, the deadline, or context
// cancellation. Caller holds the lock.
func (q *Queue) wait(ctx context.Context, deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), q.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, q.cond.Broadcast)
	defer stop()
	q.cond.Wait()
}

// PushDead appends a dead letter, ignoring the cap.
func (q *Queue) PushDead(_ context.Context, queue string, letter pipeline.DeadLetter) error {
	body, err := encode(letter)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[queue] = append(q.items[queue], body)
	q.cond.Broadcast()
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len(_ context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items[queue])), nil
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	return body, nil
}
