package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// EventStore persists the pipeline audit log.
type EventStore struct {
	db querier
}

// NewEventStore constructs an EventStore on the shared pool.
func NewEventStore(db querier) *EventStore {
	return &EventStore{db: db}
}

// Insert appends one event.
func (s *EventStore) Insert(ctx context.Context, ev pipeline.Event) error {
	if ev.Stage == "" || ev.Status == "" {
		return fmt.Errorf("event stage and status are required")
	}
	payloadJSON, err := marshalOrNil(ev.Payload, len(ev.Payload) == 0)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO events (tender_id, document_id, stage, status, message, payload)
VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.TenderID, ev.DocumentID, ev.Stage, ev.Status, textOrNil(ev.Message), payloadJSON)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns events newest first, narrowed by the filter's populated
// fields.
func (s *EventStore) List(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
SELECT id, tender_id, document_id, stage, status, message, payload, created_at
FROM events
WHERE ($1::bigint IS NULL OR tender_id = $1)
  AND ($2::bigint IS NULL OR document_id = $2)
  AND ($3::text IS NULL OR stage = $3)
ORDER BY id DESC LIMIT $4`,
		f.TenderID, f.DocumentID, textOrNil(f.Stage), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Event
	for rows.Next() {
		var ev pipeline.Event
		var message *string
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.TenderID, &ev.DocumentID, &ev.Stage, &ev.Status,
			&message, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Message = deref(message)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}
