package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one row of notifications_queue: a channel-agnostic
// message addressed to a single recipient, fanned out to the in-app feed
// and/or push devices by the dispatcher.
type QueuedMessage struct {
	ID            uuid.UUID       `json:"id"`
	InstitutionID uuid.UUID       `json:"institution_id"`
	RecipientID   *uuid.UUID      `json:"recipient_id,omitempty"`
	StudentID     *uuid.UUID      `json:"student_id,omitempty"`
	Channels      []string        `json:"channels"`
	Payload       json.RawMessage `json:"payload"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	DedupKey      string          `json:"dedup_key"`
	SendAfter     time.Time       `json:"send_after"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	ReadAt        *time.Time      `json:"read_at,omitempty"`
}

// Status constants for notifications_queue
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Channel constants
const (
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// HasChannel reports whether the message fans out to the given channel.
func (m *QueuedMessage) HasChannel(channel string) bool {
	for _, c := range m.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// WhatsApp outbox status constants. The error state is terminal: once a
// message is rejected by the provider there is nothing useful to retry.
const (
	WAStatusPending    = "pending"
	WAStatusProcessing = "processing"
	WAStatusSent       = "sent"
	WAStatusError      = "error"
)

// WhatsAppMessage is one row of whatsapp_outbox: a pre-rendered,
// phone-addressed message. Kept separate from notifications_queue
// because the transport semantics and rate limits differ.
type WhatsAppMessage struct {
	ID        uuid.UUID       `json:"id"`
	ToAddress string          `json:"to_address"`
	Body      string          `json:"body"`
	Status    string          `json:"status"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	DedupKey  string          `json:"dedup_key"`
	CreatedAt time.Time       `json:"created_at"`
}

// Platform constants for push subscriptions
const (
	PlatformWeb     = "web"
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// PushSubscription is one registered device for a recipient. Web devices
// carry a keyed web-push subscription document, mobile devices an FCM
// token. Composite key (recipient_id, platform, device_id).
type PushSubscription struct {
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Platform     string          `json:"platform"`
	DeviceID     string          `json:"device_id"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	DeviceToken  *string         `json:"device_token,omitempty"`
	StudentID    *uuid.UUID      `json:"student_id,omitempty"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
}

// Guardian is a resolved recipient: a guardian linked to a student,
// with their channel preferences.
type Guardian struct {
	ID            uuid.UUID `json:"id"`
	StudentID     uuid.UUID `json:"student_id"`
	DisplayName   string    `json:"display_name"`
	Phone         string    `json:"phone"`
	WhatsAppOptIn bool      `json:"whatsapp_opt_in"`
	NotifyEnabled bool      `json:"notifications_enabled"`
}
