package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WhatsAppStore handles database operations for the WhatsApp outbox
type WhatsAppStore struct {
	db     *DB
	logger *zap.Logger
}

// NewWhatsAppStore creates a new WhatsApp outbox store
func NewWhatsAppStore(db *DB, logger *zap.Logger) *WhatsAppStore {
	return &WhatsAppStore{
		db:     db,
		logger: logger,
	}
}

// Insert adds a pending WhatsApp message. Duplicate dedup keys are
// skipped; the returned bool reports whether a row was written.
func (s *WhatsAppStore) Insert(ctx context.Context, msg *WhatsAppMessage) (bool, error) {
	query := `
		INSERT INTO whatsapp_outbox (id, to_address, body, status, dedup_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedup_key) DO NOTHING
	`

	result, err := s.db.Pool().Exec(
		ctx,
		query,
		msg.ID,
		msg.ToAddress,
		msg.Body,
		WAStatusPending,
		msg.DedupKey,
	)

	if err != nil {
		s.logger.Error("failed to insert whatsapp message",
			zap.Error(err),
			zap.String("dedup_key", msg.DedupKey),
		)
		return false, fmt.Errorf("insert whatsapp message: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ClaimPending flips up to limit pending rows to processing in one
// statement and returns them, recording the lock time in meta. Same
// protocol as the notification queue claim.
func (s *WhatsAppStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*WhatsAppMessage, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM whatsapp_outbox
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
		)
		UPDATE whatsapp_outbox w
		SET status = 'processing',
		    meta = COALESCE(w.meta, '{}'::jsonb) || jsonb_build_object('locked_at', $2::text)
		FROM picked
		WHERE w.id = picked.id AND w.status = 'pending'
		RETURNING w.id, w.to_address, w.body, w.status, w.meta, w.dedup_key, w.created_at
	`

	rows, err := s.db.Pool().Query(ctx, query, limit, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("claim whatsapp messages: %w", err)
	}
	defer rows.Close()

	var claimed []*WhatsAppMessage
	for rows.Next() {
		var msg WhatsAppMessage
		err := rows.Scan(
			&msg.ID,
			&msg.ToAddress,
			&msg.Body,
			&msg.Status,
			&msg.Meta,
			&msg.DedupKey,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan whatsapp message: %w", err)
		}
		claimed = append(claimed, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whatsapp rows: %w", err)
	}

	return claimed, nil
}

// MarkSent records a successful provider handover with its message sid.
func (s *WhatsAppStore) MarkSent(ctx context.Context, id uuid.UUID, providerSID string) error {
	meta, _ := json.Marshal(map[string]string{"twilio_sid": providerSID})

	query := `
		UPDATE whatsapp_outbox
		SET status = 'sent', meta = COALESCE(meta, '{}'::jsonb) || $2::jsonb
		WHERE id = $1 AND status = 'processing'
	`

	_, err := s.db.Pool().Exec(ctx, query, id, meta)
	if err != nil {
		return fmt.Errorf("mark whatsapp sent: %w", err)
	}

	return nil
}

// MarkError terminally fails a message the provider rejected. The
// provider owns retry semantics once a message is accepted, so rejected
// rows are not re-queued.
func (s *WhatsAppStore) MarkError(ctx context.Context, id uuid.UUID, sendErr string) error {
	meta, _ := json.Marshal(map[string]string{"error": TruncateError(sendErr)})

	query := `
		UPDATE whatsapp_outbox
		SET status = 'error', meta = COALESCE(meta, '{}'::jsonb) || $2::jsonb
		WHERE id = $1 AND status = 'processing'
	`

	_, err := s.db.Pool().Exec(ctx, query, id, meta)
	if err != nil {
		return fmt.Errorf("mark whatsapp error: %w", err)
	}

	s.logger.Warn("whatsapp message failed",
		zap.String("id", id.String()),
		zap.String("error", sendErr),
	)

	return nil
}
