// Package worker implements the pipeline execution loop shared by all
// stage workers: blocking pop over a priority list of queues, handler
// dispatch, linear-backoff retry and dead-letter routing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Handler processes messages for one stage. Queues lists the pop
// priority order; Handle receives the queue the message came from so
// stages with a priority lane (parse smoke) can tell them apart.
type Handler interface {
	Stage() string
	Queues() []string
	DeadQueue() string
	Handle(ctx context.Context, queue string, body []byte) error
}

// Loop consumes one stage's queues and drives the retry state machine.
type Loop struct {
	queue   pipeline.Queue
	handler Handler
	metrics pipeline.Metrics
	events  pipeline.EventSink
	cfg     config.QueueConfig
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop constructs a Loop. The event sink may be nil.
func NewLoop(
	queue pipeline.Queue,
	handler Handler,
	m pipeline.Metrics,
	events pipeline.EventSink,
	cfg config.QueueConfig,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		queue:   queue,
		handler: handler,
		metrics: m,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(zap.String("stage", handler.Stage())),
		sleep:   Sleep,
	}
}

// Run blocks, consuming messages until the context finishes.
func (l *Loop) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	l.logger.Info("worker loop started", zap.Strings("queues", l.handler.Queues()))
	for {
		if ctx.Err() != nil {
			return
		}
		queue, body, err := l.queue.Pop(ctx, l.handler.Queues(), l.cfg.PopTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("queue pop failed", zap.Error(err))
			if l.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		if len(body) == 0 {
			continue
		}
		l.processOne(ctx, queue, body)
	}
}

// processOne dispatches one message and routes its failure. A message
// marked unprocessable dead-letters immediately; every other failure
// burns through the linear retry budget before dead-lettering.
func (l *Loop) processOne(ctx context.Context, queue string, body []byte) {
	stage := l.handler.Stage()
	start := time.Now()

	err := l.handler.Handle(ctx, queue, body)
	if err == nil {
		l.metrics.Incr(ctx, "worker."+stage+".processed_total", 1)
		metrics.ObserveMessage(stage, "ok", time.Since(start))
		return
	}

	l.metrics.Incr(ctx, "worker."+stage+".error_total", 1)
	metrics.ObserveMessage(stage, "error", time.Since(start))

	var dead *pipeline.DeadLetterError
	if errors.As(err, &dead) && !dead.Retry {
		l.logger.Error("message unprocessable",
			zap.String("queue", queue), zap.String("reason", dead.Reason), zap.Error(err))
		l.pushDead(ctx, dead.Reason, err, body)
		return
	}

	reason := fmt.Sprintf("%s_failed", stage)
	if dead != nil && dead.Reason != "" {
		reason = dead.Reason
	}

	retries := pipeline.MessageRetries(body)
	if retries >= l.cfg.RetryMax {
		l.logger.Error("retry budget exhausted",
			zap.String("queue", queue), zap.Int("retries", retries),
			zap.String("reason", reason), zap.Error(err))
		l.pushDead(ctx, reason, err, body)
		return
	}

	l.logger.Warn("message failed, retrying",
		zap.String("queue", queue), zap.Int("retries", retries), zap.Error(err))
	if l.sleep(ctx, l.cfg.Backoff()*time.Duration(retries+1)) != nil {
		return
	}
	next, rerr := pipeline.WithRetries(body, retries+1)
	if rerr != nil {
		l.pushDead(ctx, "malformed_message", rerr, body)
		return
	}
	if perr := l.queue.Push(ctx, queue, json.RawMessage(next)); perr != nil {
		l.logger.Error("requeue failed", zap.Error(perr))
		l.pushDead(ctx, "requeue_failed", perr, body)
		return
	}
	l.metrics.Incr(ctx, "worker."+stage+".retry_total", 1)
	l.emit(ctx, pipeline.Event{
		Stage:   stage,
		Status:  "retry",
		Payload: map[string]any{"queue": queue, "retries": retries + 1},
	})
}

// pushDead moves the original bytes to the stage's dead-letter queue.
// The dead queue is the last stop; a failed push only logs.
func (l *Loop) pushDead(ctx context.Context, reason string, cause error, body []byte) {
	letter := pipeline.DeadLetter{Reason: reason, Payload: json.RawMessage(body)}
	if cause != nil {
		letter.Error = cause.Error()
	}
	if err := l.queue.PushDead(ctx, l.handler.DeadQueue(), letter); err != nil {
		l.logger.Error("dead-letter push failed",
			zap.String("queue", l.handler.DeadQueue()), zap.Error(err))
		return
	}
	l.metrics.Incr(ctx, "worker."+l.handler.Stage()+".dead_total", 1)
	l.emit(ctx, pipeline.Event{
		Stage:   l.handler.Stage(),
		Status:  "dead",
		Payload: map[string]any{"queue": l.handler.DeadQueue(), "reason": reason},
	})
}

func (l *Loop) emit(ctx context.Context, ev pipeline.Event) {
	if l.events == nil {
		return
	}
	l.events.Emit(ctx, ev)
}

// Sleep waits for d or until the context finishes, whichever comes
// first. Timer-driven runners share it for interruptible polling.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
