package worker

import (
	"context"
	"sync"
)

// Runner is anything that blocks processing work until its context
// finishes. Both Loop and the timer-driven workers satisfy it.
type Runner interface {
	Run(ctx context.Context)
}

// Pool fans a set of runners out onto goroutines and waits for all of
// them on shutdown.
type Pool struct {
	runners []Runner
}

// NewPool creates a Pool.
func NewPool(runners ...Runner) *Pool {
	return &Pool{runners: runners}
}

// Add appends runners before Run is called.
func (p *Pool) Add(runners ...Runner) {
	p.runners = append(p.runners, runners...)
}

// Replicate appends n copies of a loop so a stage can drain with more
// than one consumer.
func (p *Pool) Replicate(n int, make func() Runner) {
	for i := 0; i < n; i++ {
		p.runners = append(p.runners, make())
	}
}

// Run starts all runners and blocks until the context finishes and
// every runner returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}
