package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/message"
	"github.com/clairon-app/clairon/internal/metrics"
	"github.com/clairon-app/clairon/internal/transport"
)

// QueueStore is the outbox surface the dispatcher drives.
type QueueStore interface {
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*db.QueuedMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID, attempts int) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
}

// SubscriptionStore loads and prunes push device registrations.
type SubscriptionStore interface {
	ForRecipients(ctx context.Context, recipientIDs []uuid.UUID) ([]*db.PushSubscription, error)
	ForStudents(ctx context.Context, studentIDs []uuid.UUID) ([]*db.PushSubscription, error)
	Delete(ctx context.Context, recipientID uuid.UUID, platform, deviceID string) error
}

// WhatsAppStore is the WhatsApp outbox surface the dispatcher drives.
type WhatsAppStore interface {
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*db.WhatsAppMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerSID string) error
	MarkError(ctx context.Context, id uuid.UUID, sendErr string) error
}

// WhatsAppSender hands a message to the provider and returns its sid.
type WhatsAppSender interface {
	Send(ctx context.Context, toAddress, body string) (string, error)
}

type Config struct {
	BatchSize         int
	WhatsAppBatchSize int
	MaxAttempts       int
	PollInterval      time.Duration
	SendTimeout       time.Duration
}

// writebackTimeout bounds status updates on claimed rows. Write-backs
// run detached from the run deadline: a send that ate the whole inline
// budget must still land its bookkeeping, or the row stays stranded in
// processing.
const writebackTimeout = 5 * time.Second

func writebackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writebackTimeout)
}

// Result summarizes one dispatch cycle. Attempted counts claimed rows,
// Sent the rows that reached at least one device (or their terminal
// channel), Dropped the subscriptions pruned along the way.
type Result struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Dropped   int `json:"dropped"`
}

func (r *Result) add(other Result) {
	r.Attempted += other.Attempted
	r.Sent += other.Sent
	r.Dropped += other.Dropped
}

// Dispatcher drains the outbox tables. Safe to run concurrently from
// several replicas: coordination happens entirely through the claim
// protocol, never through shared memory.
type Dispatcher struct {
	queue    QueueStore
	subs     SubscriptionStore
	whatsapp WhatsAppStore
	push     transport.DeviceSender
	waSender WhatsAppSender
	config   Config
	logger   *zap.Logger
}

// New creates a dispatcher. whatsapp and waSender may both be nil to
// run without the WhatsApp channel.
func New(queue QueueStore, subs SubscriptionStore, whatsapp WhatsAppStore, push transport.DeviceSender, waSender WhatsAppSender, cfg Config, logger *zap.Logger) *Dispatcher {

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.WhatsAppBatchSize == 0 {
		cfg.WhatsAppBatchSize = 200
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	return &Dispatcher{
		queue:    queue,
		subs:     subs,
		whatsapp: whatsapp,
		push:     push,
		waSender: waSender,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the periodic dispatch loop until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			metrics.RecordDispatchCycle("ticker")
			if _, err := d.Run(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", zap.Error(err))
			}
		}
	}
}

// Run executes one dispatch cycle over both outbox tables. Per-row
// failures are recorded on the row and never abort the cycle; only
// configuration problems return an error.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	if d.push == nil {
		return Result{}, fmt.Errorf("push transport not configured")
	}
	if d.whatsapp != nil && d.waSender == nil {
		return Result{}, fmt.Errorf("whatsapp outbox configured without a sender")
	}

	var result Result

	queueResult, err := d.runQueue(ctx)
	result.add(queueResult)
	if err != nil {
		return result, err
	}

	if d.whatsapp != nil {
		waResult, err := d.runWhatsApp(ctx)
		result.add(waResult)
		if err != nil {
			return result, err
		}
	}

	if result.Attempted > 0 {
		d.logger.Info("dispatch cycle done",
			zap.Int("attempted", result.Attempted),
			zap.Int("sent", result.Sent),
			zap.Int("dropped", result.Dropped),
		)
	}

	return result, nil
}

func (d *Dispatcher) runQueue(ctx context.Context) (Result, error) {
	var result Result

	claimed, err := d.queue.ClaimPending(ctx, d.config.BatchSize, time.Now())
	if err != nil {
		return result, fmt.Errorf("claim queue batch: %w", err)
	}

	for _, msg := range claimed {
		result.Attempted++
		dropped := d.processMessage(ctx, msg, &result)
		result.Dropped += dropped
	}

	return result, nil
}

// processMessage delivers one claimed row and records its outcome.
// Returns the number of subscriptions pruned while handling it.
func (d *Dispatcher) processMessage(ctx context.Context, msg *db.QueuedMessage, result *Result) int {
	attempts := msg.Attempts + 1

	// In-app-only rows were delivered the moment they were inserted:
	// the feed reads straight from the queue table.
	if !msg.HasChannel(db.ChannelPush) {
		markCtx, cancel := writebackContext(ctx)
		err := d.queue.MarkSent(markCtx, msg.ID, attempts)
		cancel()
		if err != nil {
			d.logger.Error("failed to mark message sent", zap.Error(err), zap.String("id", msg.ID.String()))
			return 0
		}
		result.Sent++
		metrics.RecordDispatched(db.StatusSent, db.ChannelInApp)
		metrics.RecordDeliveryLatency(db.ChannelInApp, time.Since(msg.CreatedAt))
		return 0
	}

	subs, err := d.loadSubscriptions(ctx, msg)
	if err != nil {
		d.retryOrFail(ctx, msg, attempts, fmt.Sprintf("load subscriptions: %v", err))
		return 0
	}

	if len(subs) == 0 {
		d.retryOrFail(ctx, msg, attempts, "no registered devices")
		return 0
	}

	push := &transport.PushMessage{
		Title: msg.Title,
		Body:  message.Truncate(msg.Body, message.MaxPushBody),
		Data:  map[string]string{"message_id": msg.ID.String()},
	}

	successes := 0
	pruned := 0
	var lastErr error
	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		err := d.push.Send(sendCtx, sub, push)
		cancel()

		switch {
		case err == nil:
			successes++
			metrics.RecordDeviceSend(sub.Platform, "ok")
		case transport.IsPermanent(err):
			// The device is gone for good. Prune it; the row's fate
			// depends on the other devices.
			delCtx, delCancel := writebackContext(ctx)
			delErr := d.subs.Delete(delCtx, sub.RecipientID, sub.Platform, sub.DeviceID)
			delCancel()
			if delErr != nil {
				d.logger.Error("failed to prune subscription", zap.Error(delErr))
			} else {
				pruned++
				metrics.RecordSubscriptionPruned(sub.Platform)
			}
			metrics.RecordDeviceSend(sub.Platform, "permanent")
			lastErr = err
		default:
			metrics.RecordDeviceSend(sub.Platform, "transient")
			lastErr = err
		}
	}

	if successes > 0 {
		markCtx, cancel := writebackContext(ctx)
		err := d.queue.MarkSent(markCtx, msg.ID, attempts)
		cancel()
		if err != nil {
			d.logger.Error("failed to mark message sent", zap.Error(err), zap.String("id", msg.ID.String()))
			return pruned
		}
		result.Sent++
		metrics.RecordDispatched(db.StatusSent, db.ChannelPush)
		metrics.RecordDeliveryLatency(db.ChannelPush, time.Since(msg.CreatedAt))
		return pruned
	}

	reason := "all device sends failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	d.retryOrFail(ctx, msg, attempts, reason)
	return pruned
}

func (d *Dispatcher) loadSubscriptions(ctx context.Context, msg *db.QueuedMessage) ([]*db.PushSubscription, error) {
	var subs []*db.PushSubscription

	if msg.RecipientID != nil {
		recipientSubs, err := d.subs.ForRecipients(ctx, []uuid.UUID{*msg.RecipientID})
		if err != nil {
			return nil, err
		}
		subs = append(subs, recipientSubs...)
	}

	if msg.StudentID != nil {
		studentSubs, err := d.subs.ForStudents(ctx, []uuid.UUID{*msg.StudentID})
		if err != nil {
			return nil, err
		}
		// The student's own devices, minus any already covered by the
		// recipient lookup.
		seen := make(map[string]bool, len(subs))
		for _, s := range subs {
			seen[s.RecipientID.String()+"|"+s.Platform+"|"+s.DeviceID] = true
		}
		for _, s := range studentSubs {
			if !seen[s.RecipientID.String()+"|"+s.Platform+"|"+s.DeviceID] {
				subs = append(subs, s)
			}
		}
	}

	return subs, nil
}

func (d *Dispatcher) retryOrFail(ctx context.Context, msg *db.QueuedMessage, attempts int, reason string) {
	ctx, cancel := writebackContext(ctx)
	defer cancel()

	if attempts >= d.config.MaxAttempts {
		if err := d.queue.MarkFailed(ctx, msg.ID, attempts, reason); err != nil {
			d.logger.Error("failed to mark message failed", zap.Error(err), zap.String("id", msg.ID.String()))
		}
		metrics.RecordDispatched(db.StatusFailed, db.ChannelPush)
		return
	}

	if err := d.queue.MarkRetry(ctx, msg.ID, attempts, reason); err != nil {
		d.logger.Error("failed to mark message for retry", zap.Error(err), zap.String("id", msg.ID.String()))
	}
	metrics.RecordDispatched(db.StatusPending, db.ChannelPush)
}

func (d *Dispatcher) runWhatsApp(ctx context.Context) (Result, error) {
	var result Result

	claimed, err := d.whatsapp.ClaimPending(ctx, d.config.WhatsAppBatchSize, time.Now())
	if err != nil {
		return result, fmt.Errorf("claim whatsapp batch: %w", err)
	}

	for _, msg := range claimed {
		result.Attempted++

		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		sid, err := d.waSender.Send(sendCtx, msg.ToAddress, msg.Body)
		cancel()

		markCtx, markCancel := writebackContext(ctx)
		if err != nil {
			// Rejections are terminal. Twilio owns retries after it
			// accepts a message, so there is no pending round trip.
			if markErr := d.whatsapp.MarkError(markCtx, msg.ID, err.Error()); markErr != nil {
				d.logger.Error("failed to mark whatsapp error", zap.Error(markErr), zap.String("id", msg.ID.String()))
			}
			markCancel()
			metrics.RecordDispatched(db.WAStatusError, "whatsapp")
			continue
		}

		err = d.whatsapp.MarkSent(markCtx, msg.ID, sid)
		markCancel()
		if err != nil {
			d.logger.Error("failed to mark whatsapp sent", zap.Error(err), zap.String("id", msg.ID.String()))
			continue
		}
		result.Sent++
		metrics.RecordDispatched(db.WAStatusSent, "whatsapp")
		metrics.RecordDeliveryLatency("whatsapp", time.Since(msg.CreatedAt))
	}

	return result, nil
}
