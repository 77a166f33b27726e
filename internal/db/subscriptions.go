package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionStore handles database operations for push subscriptions
type SubscriptionStore struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriptionStore creates a new push subscription store
func NewSubscriptionStore(db *DB, logger *zap.Logger) *SubscriptionStore {
	return &SubscriptionStore{
		db:     db,
		logger: logger,
	}
}

// Upsert registers a device, replacing stale subscription material for
// the same (recipient, platform, device) and refreshing last_seen_at.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub *PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (
			recipient_id, platform, device_id, subscription, device_token,
			student_id, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (recipient_id, platform, device_id) DO UPDATE
		SET subscription = EXCLUDED.subscription,
		    device_token = EXCLUDED.device_token,
		    student_id = EXCLUDED.student_id,
		    last_seen_at = NOW()
	`

	_, err := s.db.Pool().Exec(
		ctx,
		query,
		sub.RecipientID,
		sub.Platform,
		sub.DeviceID,
		sub.Subscription,
		sub.DeviceToken,
		sub.StudentID,
	)

	if err != nil {
		s.logger.Error("failed to upsert push subscription",
			zap.Error(err),
			zap.String("recipient_id", sub.RecipientID.String()),
			zap.String("platform", sub.Platform),
		)
		return fmt.Errorf("upsert push subscription: %w", err)
	}

	return nil
}

// Delete removes a device registration. Missing rows are not an error;
// pruning races with re-registration.
func (s *SubscriptionStore) Delete(ctx context.Context, recipientID uuid.UUID, platform, deviceID string) error {
	query := `
		DELETE FROM push_subscriptions
		WHERE recipient_id = $1 AND platform = $2 AND device_id = $3
	`

	result, err := s.db.Pool().Exec(ctx, query, recipientID, platform, deviceID)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}

	if result.RowsAffected() > 0 {
		s.logger.Info("push subscription pruned",
			zap.String("recipient_id", recipientID.String()),
			zap.String("platform", platform),
			zap.String("device_id", deviceID),
		)
	}

	return nil
}

// ForRecipients returns every registered device for the given recipients.
func (s *SubscriptionStore) ForRecipients(ctx context.Context, recipientIDs []uuid.UUID) ([]*PushSubscription, error) {
	query := `
		SELECT recipient_id, platform, device_id, subscription, device_token,
		       student_id, last_seen_at
		FROM push_subscriptions
		WHERE recipient_id = ANY($1)
	`

	return s.query(ctx, query, recipientIDs)
}

// ForStudents returns devices registered against the given students,
// typically the students' own phones and tablets.
func (s *SubscriptionStore) ForStudents(ctx context.Context, studentIDs []uuid.UUID) ([]*PushSubscription, error) {
	query := `
		SELECT recipient_id, platform, device_id, subscription, device_token,
		       student_id, last_seen_at
		FROM push_subscriptions
		WHERE student_id = ANY($1)
	`

	return s.query(ctx, query, studentIDs)
}

func (s *SubscriptionStore) query(ctx context.Context, query string, ids []uuid.UUID) ([]*PushSubscription, error) {
	rows, err := s.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var sub PushSubscription
		err := rows.Scan(
			&sub.RecipientID,
			&sub.Platform,
			&sub.DeviceID,
			&sub.Subscription,
			&sub.DeviceToken,
			&sub.StudentID,
			&sub.LastSeenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscriptions: %w", err)
	}

	return subs, nil
}
