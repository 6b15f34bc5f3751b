package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// AlertStore persists records of notifications already sent, which also
// serve as the once-per-day guard for digests.
type AlertStore struct {
	db querier
}

// NewAlertStore constructs an AlertStore on the shared pool.
func NewAlertStore(db querier) *AlertStore {
	return &AlertStore{db: db}
}

// Insert appends one alert record.
func (s *AlertStore) Insert(ctx context.Context, a pipeline.Alert) error {
	if a.Type == "" {
		return fmt.Errorf("alert type is required")
	}
	payloadJSON, err := marshalOrNil(a.Payload, len(a.Payload) == 0)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO alerts (user_id, tender_id, type, payload) VALUES ($1, $2, $3, $4)`,
		a.UserID, a.TenderID, a.Type, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// SentToday reports whether the user already got an alert of this type
// during the given UTC day.
func (s *AlertStore) SentToday(ctx context.Context, userID int64, typ string, day time.Time) (bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM alerts
	WHERE user_id = $1 AND type = $2 AND created_at >= $3 AND created_at < $4
)`, userID, typ, start, end).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert sent: %w", err)
	}
	return exists, nil
}
