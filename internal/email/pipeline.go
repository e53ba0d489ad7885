// Package email implements the inbound email pipeline: whitelist, spam
// heuristics, per-sender and per-domain rate limits, AI classification,
// workstream routing, identifier assignment, archival, and forwarding.
//
// Every received message reaches exactly one terminal state: DELIVERED,
// DLQ, or REJECTED with a reason. Steps short-circuit on reject; stage
// transitions are monotonic.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/ratelimit"
)

// DeadLetterSink records undeliverable messages with their original envelope.
type DeadLetterSink interface {
	Record(ctx context.Context, dl model.DeadLetter) error
}

var stateRank = map[model.EmailState]int{
	model.EmailReceived:   1,
	model.EmailAccepted:   2,
	model.EmailRejected:   2,
	model.EmailClassified: 3,
	model.EmailRouted:     4,
	model.EmailArchived:   5,
	model.EmailDelivered:  6,
	model.EmailDeadLetter: 6,
}

// advance moves the result to the next state, refusing regressions.
func advance(res *model.EmailResult, next model.EmailState) {
	if stateRank[next] < stateRank[res.State] {
		return
	}
	res.State = next
}

// Config tunes pipeline behavior.
type Config struct {
	SpamThreshold  int // score at or above rejects as spam
	ForwardRetries int
	AuditBCC       string
	CatchAll       string // destination of last resort
	WebhookURL     string // critical-priority notification target
}

// Pipeline processes inbound messages. Construct with NewPipeline; safe for
// concurrent use — messages from different senders run concurrently, stage
// order holds per message.
type Pipeline struct {
	whitelist   *Whitelist
	senderLimit ratelimit.Limiter
	domainLimit ratelimit.Limiter
	classifier  Classifier
	routes      RouteTable
	minter      chittyid.Minter
	episodic    memory.EpisodicStore
	working     memory.WorkingStore
	forwarder   Forwarder
	deadLetters DeadLetterSink
	cfg         Config
	logger      *slog.Logger
	httpClient  *http.Client
}

func NewPipeline(whitelist *Whitelist, senderLimit, domainLimit ratelimit.Limiter,
	classifier Classifier, routes RouteTable, minter chittyid.Minter,
	episodic memory.EpisodicStore, working memory.WorkingStore,
	forwarder Forwarder, deadLetters DeadLetterSink, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = 80
	}
	if cfg.ForwardRetries <= 0 {
		cfg.ForwardRetries = 3
	}
	return &Pipeline{
		whitelist:   whitelist,
		senderLimit: senderLimit,
		domainLimit: domainLimit,
		classifier:  classifier,
		routes:      routes,
		minter:      minter,
		episodic:    episodic,
		working:     working,
		forwarder:   forwarder,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Process runs one message through the pipeline and returns its terminal
// result. It never returns an error: rejection, dead-lettering, and delivery
// are all expressed in the result.
func (p *Pipeline) Process(ctx context.Context, msg model.EmailMessage, correlationID string) model.EmailResult {
	res := model.EmailResult{State: model.EmailReceived, CorrelationID: correlationID}
	log := p.logger.With("correlation_id", correlationID, "from", msg.From)

	// 1. Whitelist: whitelisted senders skip the spam heuristic entirely.
	res.Whitelisted = p.whitelist.Contains(msg.From)

	// 2. Quick spam heuristic.
	if !res.Whitelisted {
		res.SpamScore = SpamScore(msg)
		if res.SpamScore >= p.cfg.SpamThreshold {
			return p.reject(ctx, &res, msg, model.RejectSpam, log)
		}
	}

	// 3–4. Sliding-window rate limits: per sender, then per domain.
	if ok := p.allow(ctx, p.senderLimit, msg.From, log); !ok {
		return p.reject(ctx, &res, msg, model.RejectRateSender, log)
	}
	if domain := SenderDomain(msg.From); domain != "" {
		if ok := p.allow(ctx, p.domainLimit, domain, log); !ok {
			return p.reject(ctx, &res, msg, model.RejectRateDomain, log)
		}
	}
	advance(&res, model.EmailAccepted)

	// 5. AI classification with a hard deadline; failure falls through to
	// the general workstream rather than blocking delivery.
	cls, err := p.classifier.Classify(ctx, msg)
	if err != nil {
		log.Warn("email: classification fell back", "error", err)
		cls = fallbackClassification()
	}
	res.Classification = &cls
	advance(&res, model.EmailClassified)

	// 6. Workstream routing; critical priority notifies out-of-band.
	res.Destination = p.routes.Resolve(cls, p.cfg.CatchAll)
	if cls.Priority == model.PriorityCritical {
		p.notifyCritical(msg, cls, correlationID)
	}
	advance(&res, model.EmailRouted)

	// 7. Identifier assignment. Without an identifier the message cannot be
	// archived or audited, so a mint failure dead-letters rather than drops.
	id, err := p.minter.Mint(ctx, model.EntityEvent, map[string]any{
		"kind":       "email",
		"from":       msg.From,
		"subject":    msg.Subject,
		"workstream": string(cls.Workstream),
	})
	if err != nil {
		log.Error("email: mint failed", "error", err)
		return p.deadLetter(ctx, &res, msg, fmt.Sprintf("mint: %v", err), log)
	}
	res.ChittyID = id
	log = log.With("chitty_id", string(id))

	// 8. Archival: full message into the episodic store, daily counter in
	// the working store. Counter loss is tolerable; blob loss is not.
	res.ArchiveKey = fmt.Sprintf("emails/%s/%s", time.Now().UTC().Format("2006-01-02"), id)
	blob, err := json.Marshal(msg)
	if err == nil {
		err = p.episodic.Put(ctx, res.ArchiveKey, blob)
	}
	if err != nil && err != memory.ErrExists {
		log.Error("email: archive failed", "key", res.ArchiveKey, "error", err)
		return p.deadLetter(ctx, &res, msg, fmt.Sprintf("archive: %v", err), log)
	}
	p.bumpDailyCounter(ctx)
	advance(&res, model.EmailArchived)

	// 9. Forward with retries; exhaustion dead-letters with the envelope.
	if err := forwardWithRetry(ctx, p.forwarder, msg, res.Destination, p.cfg.AuditBCC, p.cfg.ForwardRetries); err != nil {
		log.Error("email: forward failed after retries", "destination", res.Destination, "error", err)
		res.RejectReason = model.RejectForwardFailed
		return p.deadLetter(ctx, &res, msg, err.Error(), log)
	}

	advance(&res, model.EmailDelivered)
	log.Info("email: delivered",
		"workstream", string(cls.Workstream), "priority", string(cls.Priority),
		"destination", res.Destination, "spam_score", res.SpamScore)
	return res
}

// allow consults a limiter, failing open on limiter malfunction.
func (p *Pipeline) allow(ctx context.Context, l ratelimit.Limiter, key string, log *slog.Logger) bool {
	if l == nil {
		return true
	}
	ok, err := l.Allow(ctx, key)
	if err != nil {
		log.Warn("email: rate limiter error, failing open", "error", err)
		return true
	}
	return ok
}

func (p *Pipeline) reject(ctx context.Context, res *model.EmailResult, msg model.EmailMessage, reason string, log *slog.Logger) model.EmailResult {
	res.RejectReason = reason
	advance(res, model.EmailRejected)
	log.Info("email: rejected", "reason", reason, "spam_score", res.SpamScore)

	// Rejections leave a bounce record so the message is never silently lost.
	p.recordDeadLetter(ctx, msg, reason, log)
	return *res
}

func (p *Pipeline) deadLetter(ctx context.Context, res *model.EmailResult, msg model.EmailMessage, lastErr string, log *slog.Logger) model.EmailResult {
	advance(res, model.EmailDeadLetter)
	p.recordDeadLetter(ctx, msg, lastErr, log)
	return *res
}

func (p *Pipeline) recordDeadLetter(ctx context.Context, msg model.EmailMessage, lastErr string, log *slog.Logger) {
	if p.deadLetters == nil {
		return
	}
	envelope, err := json.Marshal(msg)
	if err != nil {
		log.Error("email: marshal dead letter envelope", "error", err)
		return
	}
	dl := model.DeadLetter{
		Source:     "email",
		Envelope:   envelope,
		LastError:  lastErr,
		Attempts:   p.cfg.ForwardRetries,
		RecordedAt: time.Now().UTC(),
	}
	if err := p.deadLetters.Record(ctx, dl); err != nil {
		log.Error("email: record dead letter", "error", err)
	}
}

const dailyCounterTTL = 48 * time.Hour

func (p *Pipeline) bumpDailyCounter(ctx context.Context) {
	key := "daily:emails:" + time.Now().UTC().Format("2006-01-02")
	if _, err := p.working.Incr(ctx, key, dailyCounterTTL); err != nil {
		p.logger.Warn("email: daily counter", "key", key, "error", err)
	}
}

// notifyCritical fires a best-effort webhook for critical-priority messages.
// Delivery of the email never waits on, or fails because of, the webhook.
func (p *Pipeline) notifyCritical(msg model.EmailMessage, cls model.EmailClassification, correlationID string) {
	if p.cfg.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":          "critical_email",
		"from":           msg.From,
		"subject":        msg.Subject,
		"workstream":     cls.Workstream,
		"urgency_score":  cls.UrgencyScore,
		"correlation_id": correlationID,
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.logger.Warn("email: critical webhook", "error", err)
			return
		}
		_ = resp.Body.Close()
	}()
}
