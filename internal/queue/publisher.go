// Package queue carries the asynchronous traffic between ingestion and the
// blockchain minting consumer over NATS JetStream: mint requests, billing
// events, and dead letters.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Subjects. The mint stream is work-queue shaped; billing and DLQ are
// append-only audit streams.
const (
	SubjectMint    = "chitty.mint.requests"
	SubjectBilling = "chitty.billing.events"
	SubjectDLQ     = "chitty.dlq"

	StreamMint    = "CHITTY_MINT"
	StreamBilling = "CHITTY_BILLING"
	StreamDLQ     = "CHITTY_DLQ"
)

// Publisher writes to the streams. It implements evidence.Enqueuer and the
// email pipeline's DeadLetterSink.
type Publisher struct {
	js nats.JetStreamContext
}

// Connect dials NATS and ensures the streams exist. Stream creation is
// idempotent; concurrent replicas race safely.
func Connect(url string, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher builds a publisher over an established connection and ensures
// the streams.
func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	streams := []*nats.StreamConfig{
		{Name: StreamMint, Subjects: []string{SubjectMint}, Retention: nats.WorkQueuePolicy},
		{Name: StreamBilling, Subjects: []string{SubjectBilling}, MaxAge: 90 * 24 * time.Hour},
		{Name: StreamDLQ, Subjects: []string{SubjectDLQ}, MaxAge: 90 * 24 * time.Hour},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
			return nil, fmt.Errorf("queue: ensure stream %s: %w", cfg.Name, err)
		}
	}
	return &Publisher{js: js}, nil
}

// EnqueueMint publishes a mint request onto the work queue.
func (p *Publisher) EnqueueMint(ctx context.Context, req model.MintRequest) error {
	return p.publish(ctx, SubjectMint, req)
}

// PublishBilling appends a billing event. The accounting invariant depends
// on exactly one event per decision, so callers publish after the decision
// row is durably written.
func (p *Publisher) PublishBilling(ctx context.Context, ev model.BillingEvent) error {
	return p.publish(ctx, SubjectBilling, ev)
}

// Record appends a dead letter with its original envelope.
func (p *Publisher) Record(ctx context.Context, dl model.DeadLetter) error {
	return p.publish(ctx, SubjectDLQ, dl)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("queue: publish %s: %w", subject, err)
	}
	return nil
}
