package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/store"
)

// Outbox is the durable event queue drained by the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher delivers one outbox row downstream.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into the event stream. Rows stay queued
// until the publish succeeds, so delivery is at-least-once; the msg id
// lets the stream collapse duplicates.
type Dispatcher struct {
	outbox Outbox
	pub    EventPublisher
	log    *zap.Logger

	batchSize    int
	idleDelay    time.Duration
	retryBackoff time.Duration
}

func NewDispatcher(outbox Outbox, pub EventPublisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:       outbox,
		pub:          pub,
		log:          log,
		batchSize:    100,
		idleDelay:    500 * time.Millisecond,
		retryBackoff: 10 * time.Second,
	}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.drainOnce(ctx)
		if err != nil {
			d.log.Error("dequeue outbox", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			d.sleep(ctx, d.idleDelay)
		}
	}
}

// drainOnce publishes one batch and reports how many rows it dequeued.
func (d *Dispatcher) drainOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.log.Warn("publish event",
				zap.Int64("outbox_id", msg.ID),
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff); err != nil {
				d.log.Error("mark outbox retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.log.Error("mark published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
