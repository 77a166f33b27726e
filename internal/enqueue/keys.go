package enqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clairon-app/clairon/internal/event"
)

// EventDedupKey derives the deterministic deduplication key for one
// (event, recipient) pair. Re-submitting the same event can never queue
// a second row for the same guardian.
func EventDedupKey(e *event.Event, recipientID uuid.UUID) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		e.Kind,
		recipientID,
		e.Student.ID,
		e.OccurredAt.UTC().Format(time.RFC3339),
		e.Fingerprint(),
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DigestDedupKey keys one guardian's daily digest. One digest per
// guardian per day regardless of how many cron runs fire.
func DigestDedupKey(date string, recipientID uuid.UUID) string {
	return fmt.Sprintf("digest:%s:%s", date, recipientID)
}

// WhatsAppDigestDedupKey keys the WhatsApp copy of a daily digest.
func WhatsAppDigestDedupKey(date string, recipientID uuid.UUID) string {
	return fmt.Sprintf("wa:digest:%s:%s", date, recipientID)
}
