package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueStore handles database operations for the notification outbox
type QueueStore struct {
	db     *DB
	logger *zap.Logger
}

// NewQueueStore creates a new outbox store
func NewQueueStore(db *DB, logger *zap.Logger) *QueueStore {
	return &QueueStore{
		db:     db,
		logger: logger,
	}
}

// Insert adds a pending message to the queue. Duplicate dedup keys are
// silently skipped; the returned bool reports whether a row was written.
func (s *QueueStore) Insert(ctx context.Context, msg *QueuedMessage) (bool, error) {
	query := `
		INSERT INTO notifications_queue (
			id, institution_id, recipient_id, student_id, channels,
			payload, title, body, status, attempts, dedup_key, send_after
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (dedup_key) DO NOTHING
	`

	result, err := s.db.Pool().Exec(
		ctx,
		query,
		msg.ID,
		msg.InstitutionID,
		msg.RecipientID,
		msg.StudentID,
		msg.Channels,
		msg.Payload,
		msg.Title,
		msg.Body,
		StatusPending,
		0,
		msg.DedupKey,
		msg.SendAfter,
	)

	if err != nil {
		s.logger.Error("failed to insert queued message",
			zap.Error(err),
			zap.String("dedup_key", msg.DedupKey),
		)
		return false, fmt.Errorf("insert queued message: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ClaimPending atomically flips up to limit due pending rows to
// processing and returns them. The inner select and the update re-check
// status='pending' in one statement, so concurrent claimers can never
// win the same row.
func (s *QueueStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*QueuedMessage, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM notifications_queue
			WHERE status = 'pending' AND send_after <= $2
			ORDER BY created_at ASC
			LIMIT $1
		)
		UPDATE notifications_queue q
		SET status = 'processing'
		FROM picked
		WHERE q.id = picked.id AND q.status = 'pending'
		RETURNING
			q.id, q.institution_id, q.recipient_id, q.student_id, q.channels,
			q.payload, q.title, q.body, q.status, q.attempts, q.last_error,
			q.dedup_key, q.send_after, q.created_at, q.sent_at, q.read_at
	`

	rows, err := s.db.Pool().Query(ctx, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim pending messages: %w", err)
	}
	defer rows.Close()

	var claimed []*QueuedMessage
	for rows.Next() {
		var msg QueuedMessage
		err := rows.Scan(
			&msg.ID,
			&msg.InstitutionID,
			&msg.RecipientID,
			&msg.StudentID,
			&msg.Channels,
			&msg.Payload,
			&msg.Title,
			&msg.Body,
			&msg.Status,
			&msg.Attempts,
			&msg.LastError,
			&msg.DedupKey,
			&msg.SendAfter,
			&msg.CreatedAt,
			&msg.SentAt,
			&msg.ReadAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		claimed = append(claimed, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return claimed, nil
}

// MarkSent finalizes a delivered message. The status guard keeps a slow
// duplicate worker from resurrecting a finished row.
func (s *QueueStore) MarkSent(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE notifications_queue
		SET status = 'sent', attempts = $2, last_error = NULL, sent_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := s.db.Pool().Exec(ctx, query, id, attempts)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		s.logger.Warn("mark sent matched no processing row", zap.String("id", id.String()))
	}

	return nil
}

// MarkRetry returns a message to pending after a transient failure,
// recording the attempt count and last error.
func (s *QueueStore) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	query := `
		UPDATE notifications_queue
		SET status = 'pending', attempts = $2, last_error = $3
		WHERE id = $1 AND status = 'processing'
	`

	truncated := TruncateError(lastError)
	_, err := s.db.Pool().Exec(ctx, query, id, attempts, truncated)
	if err != nil {
		return fmt.Errorf("mark message for retry: %w", err)
	}

	return nil
}

// MarkFailed terminally fails a message that exhausted its retries or
// hit a permanent transport error.
func (s *QueueStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	query := `
		UPDATE notifications_queue
		SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1 AND status = 'processing'
	`

	truncated := TruncateError(lastError)
	_, err := s.db.Pool().Exec(ctx, query, id, attempts, truncated)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}

	s.logger.Warn("message failed permanently",
		zap.String("id", id.String()),
		zap.Int("attempts", attempts),
		zap.String("last_error", truncated),
	)

	return nil
}

// ListFeed returns the recipient's in-app feed, newest first. Rows are
// listed regardless of delivery status on other channels.
func (s *QueueStore) ListFeed(ctx context.Context, recipientID uuid.UUID, limit int) ([]*QueuedMessage, error) {
	query := `
		SELECT
			id, institution_id, recipient_id, student_id, channels,
			payload, title, body, status, attempts, last_error,
			dedup_key, send_after, created_at, sent_at, read_at
		FROM notifications_queue
		WHERE recipient_id = $1 AND 'in_app' = ANY(channels)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	var feed []*QueuedMessage
	for rows.Next() {
		var msg QueuedMessage
		err := rows.Scan(
			&msg.ID,
			&msg.InstitutionID,
			&msg.RecipientID,
			&msg.StudentID,
			&msg.Channels,
			&msg.Payload,
			&msg.Title,
			&msg.Body,
			&msg.Status,
			&msg.Attempts,
			&msg.LastError,
			&msg.DedupKey,
			&msg.SendAfter,
			&msg.CreatedAt,
			&msg.SentAt,
			&msg.ReadAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan feed row: %w", err)
		}
		feed = append(feed, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed rows: %w", err)
	}

	return feed, nil
}

// MarkRead sets read_at on the recipient's own messages. Already-read
// rows keep their original read_at.
func (s *QueueStore) MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) (int, error) {
	query := `
		UPDATE notifications_queue
		SET read_at = NOW()
		WHERE recipient_id = $1 AND id = ANY($2) AND read_at IS NULL
	`

	result, err := s.db.Pool().Exec(ctx, query, recipientID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// maxErrorLen caps last_error so provider stack traces cannot bloat the
// outbox table.
const maxErrorLen = 300

// TruncateError shortens an error message to the column budget.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLen {
		return msg
	}
	return string(runes[:maxErrorLen])
}
