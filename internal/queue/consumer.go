package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/chittyos/chittyrouter/internal/evidence"
	"github.com/chittyos/chittyrouter/internal/minting"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/orchestrator"
)

// DecisionStore persists minting decisions. Implemented by storage.DB.
type DecisionStore interface {
	SaveMintingDecision(ctx context.Context, decision *model.MintingDecision) error
}

// BillingPublisher appends billing events.
type BillingPublisher interface {
	PublishBilling(ctx context.Context, ev model.BillingEvent) error
}

// DeadLetterPublisher records messages that exhausted their retries.
type DeadLetterPublisher interface {
	Record(ctx context.Context, dl model.DeadLetter) error
}

// ConsumerConfig tunes the pull loop.
type ConsumerConfig struct {
	Batch           int           // messages per fetch
	BatchDeadline   time.Duration // max wait per fetch
	MessageDeadline time.Duration // ceiling per message attempt sequence
	Retries         int           // attempts before dead-lettering
}

// Consumer drains the mint work queue: for each request it loads the
// evidence record, runs the minting decision and the integration
// orchestration in parallel, merges, persists the decision, anchors through
// the chosen sink, and emits the billing event.
type Consumer struct {
	ledger  evidence.Ledger
	decider *minting.Decider
	orch    *orchestrator.Orchestrator
	store   DecisionStore
	soft    Sink
	hard    Sink
	billing BillingPublisher
	dlq     DeadLetterPublisher
	cfg     ConsumerConfig
	logger  *slog.Logger
}

func NewConsumer(ledger evidence.Ledger, decider *minting.Decider, orch *orchestrator.Orchestrator,
	store DecisionStore, soft, hard Sink, billing BillingPublisher, dlq DeadLetterPublisher,
	cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = 25 * time.Second
	}
	if cfg.MessageDeadline <= 0 {
		cfg.MessageDeadline = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Consumer{
		ledger: ledger, decider: decider, orch: orch, store: store,
		soft: soft, hard: hard, billing: billing, dlq: dlq,
		cfg: cfg, logger: logger,
	}
}

// Subscribe creates the durable pull subscription for the mint work queue.
func Subscribe(nc *nats.Conn, durable string) (*nats.Subscription, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	sub, err := js.PullSubscribe(SubjectMint, durable, nats.BindStream(StreamMint))
	if err != nil {
		return nil, fmt.Errorf("queue: pull subscribe: %w", err)
	}
	return sub, nil
}

// Run pulls batches until the context is canceled.
func (c *Consumer) Run(ctx context.Context, sub *nats.Subscription) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(c.cfg.Batch, nats.MaxWait(c.cfg.BatchDeadline))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("consumer: fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			c.consumeOne(ctx, msg)
		}
	}
}

func (c *Consumer) consumeOne(ctx context.Context, msg *nats.Msg) {
	if err := c.Handle(ctx, msg.Data); err != nil {
		c.logger.Error("consumer: message dead-lettered", "error", err)
		dl := model.DeadLetter{
			Source:     "mint-consumer",
			Envelope:   msg.Data,
			LastError:  err.Error(),
			Attempts:   c.cfg.Retries,
			RecordedAt: time.Now().UTC(),
		}
		if dlqErr := c.dlq.Record(ctx, dl); dlqErr != nil {
			// Keep the message in the queue rather than lose it.
			c.logger.Error("consumer: dead letter publish failed", "error", dlqErr)
			_ = msg.Nak()
			return
		}
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("consumer: ack failed", "error", err)
	}
}

// Handle processes one raw queue message with retries. An error return means
// the retry budget is exhausted and the message belongs in the DLQ.
func (c *Consumer) Handle(ctx context.Context, raw []byte) error {
	var req model.MintRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// Malformed messages never become processable; no retry.
		return fmt.Errorf("consumer: decode mint request: %w", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.MessageDeadline)
		lastErr = c.process(attemptCtx, req)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == c.cfg.Retries {
			break
		}
		sleep := backoff + time.Duration(rand.Int64N(int64(backoff/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return fmt.Errorf("consumer: %s failed after %d attempts: %w", req.ChittyID, c.cfg.Retries, lastErr)
}

func (c *Consumer) process(ctx context.Context, req model.MintRequest) error {
	rec, err := c.ledger.GetEvidence(ctx, req.ChittyID)
	if err != nil {
		return fmt.Errorf("consumer: load record: %w", err)
	}

	// Decision and integration run in parallel; both must pass.
	var decision *model.MintingDecision
	var integration orchestrator.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := c.decider.Decide(gctx, rec)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	g.Go(func() error {
		integration = c.orch.Run(gctx, rec)
		if !integration.OK {
			return fmt.Errorf("consumer: integration rejected at %s", integration.FailedStep)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.store.SaveMintingDecision(ctx, decision); err != nil {
		return fmt.Errorf("consumer: persist decision: %w", err)
	}

	sink := c.soft
	if decision.Strategy == model.MintHard {
		sink = c.hard
	}
	if err := sink.Anchor(ctx, rec, decision); err != nil {
		return fmt.Errorf("consumer: %s anchor: %w", decision.Strategy, err)
	}

	if err := c.billing.PublishBilling(ctx, minting.BillingFor(decision)); err != nil {
		return fmt.Errorf("consumer: billing event: %w", err)
	}

	c.logger.Info("consumer: minted",
		"chitty_id", string(rec.ChittyID), "strategy", string(decision.Strategy),
		"security_score", decision.SecurityScore, "verifiable", decision.Verifiable)
	return nil
}
