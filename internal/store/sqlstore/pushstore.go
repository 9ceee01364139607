package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pizzapi/relay/internal/model"
)

// SubscribeInput carries the fields needed to register a push endpoint.
type SubscribeInput struct {
	UserID        string
	Endpoint      string
	P256dh        string
	Auth          string
	EnabledEvents string // defaults to "*" if empty
}

// Subscribe upserts by (userId, endpoint): calling it twice for the same
// pair leaves a single row whose fields reflect the latest call.
func (s *Store) Subscribe(ctx context.Context, in SubscribeInput) (model.PushSubscription, error) {
	enabled := in.EnabledEvents
	if enabled == "" {
		enabled = "*"
	}
	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO push_subscription (id, user_id, endpoint, p256dh, auth, enabled_events, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET
			p256dh = excluded.p256dh, auth = excluded.auth, enabled_events = excluded.enabled_events`,
		id, in.UserID, in.Endpoint, in.P256dh, in.Auth, enabled, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.PushSubscription{}, fmt.Errorf("subscribe: %w", err)
	}

	row := s.conn.QueryRowContext(ctx, `SELECT id, user_id, endpoint, p256dh, auth, enabled_events FROM push_subscription WHERE user_id = ? AND endpoint = ?`, in.UserID, in.Endpoint)
	var sub model.PushSubscription
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.EnabledEvents); err != nil {
		return model.PushSubscription{}, fmt.Errorf("subscribe read-back: %w", err)
	}
	return sub, nil
}

// Unsubscribe deletes the row for a (userId, endpoint) pair, if any.
func (s *Store) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM push_subscription WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	return err
}

// UnsubscribeByID deletes a subscription by its own id, scoped to the
// owning user.
func (s *Store) UnsubscribeByID(ctx context.Context, userID, subscriptionID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM push_subscription WHERE user_id = ? AND id = ?`, userID, subscriptionID)
	return err
}

// UpdateEnabledEvents changes the allowlist for an existing subscription.
func (s *Store) UpdateEnabledEvents(ctx context.Context, userID, endpoint, enabledEvents string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE push_subscription SET enabled_events = ? WHERE user_id = ? AND endpoint = ?`, enabledEvents, userID, endpoint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSubscriptionsForUser returns every push subscription registered
// to a user.
func (s *Store) ListSubscriptionsForUser(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, user_id, endpoint, p256dh, auth, enabled_events FROM push_subscription WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.EnabledEvents); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription by its primary key, used
// when a push send reports the endpoint is gone/expired.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM push_subscription WHERE id = ?`, id)
	return err
}
