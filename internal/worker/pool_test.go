package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) {
	close(r.started)
	<-ctx.Done()
}

func TestPoolRunsAllRunnersAndStops(t *testing.T) {
	t.Parallel()

	a := &blockingRunner{started: make(chan struct{})}
	b := &blockingRunner{started: make(chan struct{})}
	pool := NewPool(a)
	pool.Add(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	for _, r := range []*blockingRunner{a, b} {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatal("runner did not start")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

type countingRunner struct {
	runs *atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) {
	r.runs.Add(1)
	<-ctx.Done()
}

func TestPoolReplicate(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	pool := NewPool()
	pool.Replicate(3, func() Runner { return &countingRunner{runs: &runs} })
	assert.Len(t, pool.runners, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
