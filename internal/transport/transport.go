package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/clairon-app/clairon/internal/db"
)

// PushMessage is the device-facing envelope rendered from a queued
// notification.
type PushMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	URL   string            `json:"url,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// DeviceSender delivers a push message to one registered device.
type DeviceSender interface {
	Send(ctx context.Context, sub *db.PushSubscription, msg *PushMessage) error
	SupportsPlatform(platform string) bool
}

// PermanentError marks a delivery failure that retrying cannot fix: the
// device is gone or the address is invalid. The dispatcher prunes the
// subscription instead of retrying.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// MultiSender routes a push message to the sender registered for the
// subscription's platform.
type MultiSender struct {
	senders []DeviceSender
}

// NewMultiSender creates a platform router over the given senders.
func NewMultiSender(senders ...DeviceSender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send routes to the first sender supporting the subscription's
// platform.
func (m *MultiSender) Send(ctx context.Context, sub *db.PushSubscription, msg *PushMessage) error {
	for _, s := range m.senders {
		if s.SupportsPlatform(sub.Platform) {
			return s.Send(ctx, sub, msg)
		}
	}
	return fmt.Errorf("no sender configured for platform: %s", sub.Platform)
}

// SupportsPlatform reports whether any registered sender handles the
// platform.
func (m *MultiSender) SupportsPlatform(platform string) bool {
	for _, s := range m.senders {
		if s.SupportsPlatform(platform) {
			return true
		}
	}
	return false
}
