package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/worker"
)

// ProtectedSender wraps a channel sender with a circuit breaker. While the
// circuit is open every send fails with ErrCircuitOpen, which the worker
// records as an ordinary failed attempt and retries after backoff.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ worker.Sender = (*ProtectedSender)(nil)

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

// Wrap builds a ProtectedSender with a default-config breaker named name.
func Wrap(name string, sender worker.Sender, logger *zap.Logger) *ProtectedSender {
	return NewProtectedSender(sender, New(DefaultConfig(name), logger), logger)
}

func (p *ProtectedSender) Channel() db.Channel { return p.sender.Channel() }

func (p *ProtectedSender) Send(ctx context.Context, msg worker.Message) error {
	if !p.breaker.Allow() {
		p.logger.Debug("circuit open, skipping provider call",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", msg.NotificationID.String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
