package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"classroll/internal/metrics"
	"classroll/internal/queue"
)

// Dispatcher drains notification messages from a queue into an Inbox.
type Dispatcher struct {
	q       queue.Queue
	inbox   Inbox
	timeout time.Duration
	log     zerolog.Logger
}

func NewDispatcher(q queue.Queue, inbox Inbox, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{q: q, inbox: inbox, timeout: timeout, log: log}
}

// Serve consumes until ctx is cancelled. Malformed messages are logged and dropped; a
// failed delivery is logged and not retried.
func (d *Dispatcher) Serve(ctx context.Context) error {
	msgs, err := d.q.Consume(ctx)
	if err != nil {
		return err
	}
	d.log.Info().Msg("notification dispatcher started")
	for msg := range msgs {
		d.Handle(ctx, msg)
	}
	d.log.Info().Msg("notification dispatcher stopped")
	return ctx.Err()
}

// Handle processes a single queue message.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) {
	if msg.Type != MessageType {
		d.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return
	}
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil || n.RecipientID == "" {
		d.log.Warn().Err(err).Msg("dropping malformed notification")
		return
	}
	n = stamp(n)

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.inbox.Deliver(dctx, n); err != nil {
		metrics.NotificationFailures.WithLabelValues("inbox").Inc()
		d.log.Error().Err(err).
			Str("notification_id", n.ID).
			Str("recipient_id", n.RecipientID).
			Str("type", string(n.Type)).
			Msg("notification delivery failed")
		return
	}
	metrics.NotificationsDelivered.Inc()
}

func (d *Dispatcher) String() string { return "notification-dispatcher" }
