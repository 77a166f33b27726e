package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/transport"
)

// ProtectedSender wraps a device sender with a CircuitBreaker.
// When the downstream push provider starts failing, the circuit opens
// and sends fail fast instead of piling up.
//
// This is the Decorator pattern — transparently adds resilience
// without modifying the underlying sender implementation.
type ProtectedSender struct {
	sender  transport.DeviceSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender transport.DeviceSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a device delivery through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
// Permanent device failures count as provider successes: the provider
// answered, only this device is gone.
func (p *ProtectedSender) Send(ctx context.Context, sub *db.PushSubscription, msg *transport.PushMessage) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request — failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("recipient_id", sub.RecipientID.String()),
			zap.String("platform", sub.Platform),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, sub, msg)
	if err != nil && !transport.IsPermanent(err) {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return err
}

// SupportsPlatform delegates to the underlying sender.
func (p *ProtectedSender) SupportsPlatform(platform string) bool {
	return p.sender.SupportsPlatform(platform)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
