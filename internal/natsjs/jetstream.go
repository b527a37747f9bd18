// Package natsjs publishes classification events to NATS JetStream.
package natsjs

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName holds every classification event emitted by the service.
	StreamName = "MAIL_EVENTS"

	// SubjectPrefix scopes all subjects published to the stream.
	SubjectPrefix = "mail."
)

// Publisher wraps a JetStream connection for publishing classification events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MAIL_EVENTS stream when it does not exist yet.
// The duplicate window backs the outbox msg-id dedupe, so two dispatchers
// racing on the same row still publish one event.
func (p *Publisher) EnsureStream() error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish sends one event with a message id for server-side deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
