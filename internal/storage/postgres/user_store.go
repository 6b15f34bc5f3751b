package postgres

import (
	"context"
	"fmt"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// UserStore persists Telegram users and the tenders they follow.
type UserStore struct {
	db querier
}

// NewUserStore constructs a UserStore on the shared pool.
func NewUserStore(db querier) *UserStore {
	return &UserStore{db: db}
}

// Upsert inserts or refreshes a user by Telegram id and returns the
// internal id. Blank profile fields never erase stored ones.
func (s *UserStore) Upsert(ctx context.Context, u pipeline.User) (int64, error) {
	if u.TelegramUserID == 0 {
		return 0, fmt.Errorf("telegram_user_id is required")
	}
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO users (telegram_user_id, username, first_name)
VALUES ($1, $2, $3)
ON CONFLICT (telegram_user_id) DO UPDATE SET
	username = COALESCE(EXCLUDED.username, users.username),
	first_name = COALESCE(EXCLUDED.first_name, users.first_name)
RETURNING id`,
		u.TelegramUserID, textOrNil(u.Username), textOrNil(u.FirstName)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

// Follow records that the user wants updates for the tender.
func (s *UserStore) Follow(ctx context.Context, telegramUserID, tenderID int64) error {
	tag, err := s.db.Exec(ctx, `
INSERT INTO follows (user_id, tender_id)
SELECT u.id, $2 FROM users u WHERE u.telegram_user_id = $1
ON CONFLICT (user_id, tender_id) DO NOTHING`,
		telegramUserID, tenderID)
	if err != nil {
		return fmt.Errorf("follow tender: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the user is unknown or the follow already exists; check
		// which so the caller gets a real error for the former.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE telegram_user_id = $1)`,
			telegramUserID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return pipeline.ErrNotFound
		}
	}
	return nil
}

// Unfollow removes a follow if present.
func (s *UserStore) Unfollow(ctx context.Context, telegramUserID, tenderID int64) error {
	_, err := s.db.Exec(ctx, `
DELETE FROM follows USING users u
WHERE follows.user_id = u.id AND u.telegram_user_id = $1 AND follows.tender_id = $2`,
		telegramUserID, tenderID)
	if err != nil {
		return fmt.Errorf("unfollow tender: %w", err)
	}
	return nil
}

// ListFollows returns the tenders a user follows, most recent follow
// first.
func (s *UserStore) ListFollows(ctx context.Context, telegramUserID int64, limit int) ([]pipeline.Tender, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT `+tenderColumnsPrefixed("t")+`
FROM tenders t
JOIN follows f ON f.tender_id = t.id
JOIN users u ON u.id = f.user_id
WHERE u.telegram_user_id = $1
ORDER BY f.created_at DESC LIMIT $2`, telegramUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Tender
	for rows.Next() {
		t, err := scanTenderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan follows: %w", err)
	}
	return out, nil
}
