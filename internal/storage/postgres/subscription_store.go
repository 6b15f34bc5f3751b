package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// SubscriptionStore persists saved alert profiles.
type SubscriptionStore struct {
	db querier
}

// NewSubscriptionStore constructs a SubscriptionStore on the shared pool.
func NewSubscriptionStore(db querier) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Create inserts a subscription for the user identified by Telegram id.
// The user row must already exist.
func (s *SubscriptionStore) Create(ctx context.Context, telegramUserID int64, sub pipeline.Subscription) (int64, error) {
	filtersJSON, err := json.Marshal(sub.Filters)
	if err != nil {
		return 0, fmt.Errorf("marshal filters: %w", err)
	}
	deliveryJSON, err := json.Marshal(sub.Delivery)
	if err != nil {
		return 0, fmt.Errorf("marshal delivery: %w", err)
	}
	frequency := sub.Frequency
	if frequency == "" {
		frequency = "realtime"
	}

	var id int64
	err = s.db.QueryRow(ctx, `
INSERT INTO subscriptions (user_id, name, filters, delivery, frequency, active)
SELECT u.id, $2, $3, $4, $5, $6 FROM users u WHERE u.telegram_user_id = $1
RETURNING id`,
		telegramUserID, textOrNil(sub.Name), filtersJSON, deliveryJSON, frequency, sub.Active).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, pipeline.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("create subscription: %w", err)
	}
	return id, nil
}

// Update applies a partial patch; nil fields keep their stored values.
func (s *SubscriptionStore) Update(ctx context.Context, id int64, patch pipeline.SubscriptionPatch) error {
	var filtersJSON, deliveryJSON []byte
	var err error
	if patch.Filters != nil {
		if filtersJSON, err = json.Marshal(patch.Filters); err != nil {
			return fmt.Errorf("marshal filters: %w", err)
		}
	}
	if patch.Delivery != nil {
		if deliveryJSON, err = json.Marshal(patch.Delivery); err != nil {
			return fmt.Errorf("marshal delivery: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, `
UPDATE subscriptions SET
	name = COALESCE($2, name),
	filters = COALESCE($3, filters),
	delivery = COALESCE($4, delivery),
	frequency = COALESCE($5, frequency),
	active = COALESCE($6, active)
WHERE id = $1`,
		id, patch.Name, filtersJSON, deliveryJSON, patch.Frequency, patch.Active)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const subscriptionColumns = `s.id, s.user_id, s.name, s.filters, s.delivery, s.frequency, s.active, s.created_at`

// ListByTelegramUser returns all of a user's subscriptions, newest first.
func (s *SubscriptionStore) ListByTelegramUser(ctx context.Context, telegramUserID int64) ([]pipeline.Subscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions s JOIN users u ON u.id = s.user_id
WHERE u.telegram_user_id = $1 ORDER BY s.id DESC`, telegramUserID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Subscription
	for rows.Next() {
		sub, _, err := scanSubscription(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	return out, nil
}

// ListActive returns every active subscription with the given frequency,
// joined with the owner's Telegram id for delivery.
func (s *SubscriptionStore) ListActive(ctx context.Context, frequency string) ([]pipeline.UserSubscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+subscriptionColumns+`, u.telegram_user_id
FROM subscriptions s JOIN users u ON u.id = s.user_id
WHERE s.active AND s.frequency = $1 ORDER BY s.id`, frequency)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.UserSubscription
	for rows.Next() {
		sub, tgID, err := scanSubscription(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, pipeline.UserSubscription{Subscription: sub, TelegramUserID: tgID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan active subscriptions: %w", err)
	}
	return out, nil
}

// SetActiveAll flips every subscription of a user on or off and
// reports how many rows changed. ErrNotFound means the user row does
// not exist, which is distinct from a user with no subscriptions.
func (s *SubscriptionStore) SetActiveAll(ctx context.Context, telegramUserID int64, active bool) (int64, error) {
	userID, err := s.userID(ctx, telegramUserID)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE subscriptions SET active = $2 WHERE user_id = $1`, userID, active)
	if err != nil {
		return 0, fmt.Errorf("toggle subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetFrequency switches the delivery cadence of all of a user's
// subscriptions.
func (s *SubscriptionStore) SetFrequency(ctx context.Context, telegramUserID int64, frequency string) (int64, error) {
	userID, err := s.userID(ctx, telegramUserID)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE subscriptions SET frequency = $2 WHERE user_id = $1`, userID, frequency)
	if err != nil {
		return 0, fmt.Errorf("set subscription frequency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SubscriptionStore) userID(ctx context.Context, telegramUserID int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
SELECT id FROM users WHERE telegram_user_id = $1`, telegramUserID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, pipeline.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve user: %w", err)
	}
	return id, nil
}

func scanSubscription(row rowScanner, withTelegramID bool) (pipeline.Subscription, int64, error) {
	var sub pipeline.Subscription
	var name *string
	var filtersJSON, deliveryJSON []byte
	var tgID int64

	dest := []any{&sub.ID, &sub.UserID, &name, &filtersJSON, &deliveryJSON, &sub.Frequency, &sub.Active, &sub.CreatedAt}
	if withTelegramID {
		dest = append(dest, &tgID)
	}
	if err := row.Scan(dest...); err != nil {
		return pipeline.Subscription{}, 0, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Name = deref(name)
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &sub.Filters); err != nil {
			return pipeline.Subscription{}, 0, fmt.Errorf("decode subscription filters: %w", err)
		}
	}
	// Absent keys mean enabled; unmarshal only overwrites what the
	// stored JSON names.
	sub.Delivery = pipeline.Delivery{PV: true, Channel: true}
	if len(deliveryJSON) > 0 {
		if err := json.Unmarshal(deliveryJSON, &sub.Delivery); err != nil {
			return pipeline.Subscription{}, 0, fmt.Errorf("decode subscription delivery: %w", err)
		}
	}
	return sub, tgID, nil
}
