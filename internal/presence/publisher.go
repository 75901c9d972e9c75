package presence

import (
	"context"
	"log/slog"
	"time"

	"go-chat-realtime/internal/models"
)

// StatusTransport carries status changes to the authority service.
type StatusTransport interface {
	UpdateStatus(ctx context.Context, status models.PresenceStatus) error
	// Beacon sends status without waiting for, or reporting, the outcome.
	Beacon(status models.PresenceStatus)
}

// Publisher rate-limits status deliveries. The cooldown is shared by every
// status kind.
type Publisher struct {
	transport StatusTransport
	cooldown  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	// async runs a delivery off the loop; post hands its completion back.
	async func(func())
	post  func(func())
}

func NewPublisher(transport StatusTransport, cooldown, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: transport,
		cooldown:  cooldown,
		timeout:   timeout,
		logger:    logger,
		async:     func(f func()) { go f() },
		post:      func(f func()) { f() },
	}
}

// Ready reports whether a delivery may be attempted at now given the time of
// the previous attempt.
func (p *Publisher) Ready(lastPublishAt, now time.Time) bool {
	return lastPublishAt.IsZero() || now.Sub(lastPublishAt) >= p.cooldown
}

// Deliver sends status and posts done with the result. Failures are logged
// and never retried.
func (p *Publisher) Deliver(status models.PresenceStatus, done func(error)) {
	p.async(func() {
		ctx := context.Background()
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		err := p.transport.UpdateStatus(ctx, status)
		if err != nil {
			p.logger.Warn("[PRESENCE] Status update failed", "status", status, "error", err)
		} else {
			p.logger.Debug("[PRESENCE] Status published", "status", status)
		}
		p.post(func() { done(err) })
	})
}

// Final fires the teardown status through the beacon path. It ignores the
// cooldown.
func (p *Publisher) Final(status models.PresenceStatus) {
	p.logger.Debug("[PRESENCE] Final status beacon", "status", status)
	p.transport.Beacon(status)
}
