package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// StoreSink persists events through a pipeline.EventStore. Insert errors
// abort the batch and surface to the hub, which logs and moves on; the
// event log is an audit trail, not a ledger.
type StoreSink struct {
	store   pipeline.EventStore
	metrics pipeline.Metrics
}

// NewStoreSink wires an EventStore and an optional metrics sink.
func NewStoreSink(store pipeline.EventStore, metrics pipeline.Metrics) *StoreSink {
	return &StoreSink{store: store, metrics: metrics}
}

// Consume inserts each event in order.
func (s *StoreSink) Consume(ctx context.Context, batch []pipeline.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.store.Insert(ctx, evt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if s.metrics != nil {
			s.metrics.Incr(ctx, "events.logged_total", 1)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// LogSink mirrors events into structured logs so operators can follow the
// pipeline without querying the database.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event with structured fields.
func (s *LogSink) Consume(_ context.Context, batch []pipeline.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", evt.Stage),
			zap.String("status", evt.Status),
		}
		if evt.TenderID != nil {
			fields = append(fields, zap.Int64("tender_id", *evt.TenderID))
		}
		if evt.DocumentID != nil {
			fields = append(fields, zap.Int64("document_id", *evt.DocumentID))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		s.logger.Info("pipeline event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// Publisher broadcasts a payload to a named topic and returns the message
// ID assigned by the backend.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BroadcastSink relays events to a Publisher so external consumers can
// follow pipeline activity in near real time.
type BroadcastSink struct {
	pub   Publisher
	topic string
}

// NewBroadcastSink wires a publisher and topic to the sink interface.
func NewBroadcastSink(pub Publisher, topic string) *BroadcastSink {
	return &BroadcastSink{pub: pub, topic: topic}
}

// Consume publishes each event individually.
func (s *BroadcastSink) Consume(ctx context.Context, batch []pipeline.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *BroadcastSink) Close(context.Context) error {
	return nil
}
