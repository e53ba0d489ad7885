package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/ratelimit"
)

type stubMinter struct {
	mu   sync.Mutex
	next int
	err  error
}

func (m *stubMinter) Mint(_ context.Context, et model.EntityType, _ map[string]any) (model.ChittyID, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return model.ChittyID(fmt.Sprintf("CHITTY-%s-%d-00", et, m.next)), nil
}

func (m *stubMinter) Validate(context.Context, model.ChittyID) error { return nil }

type stubClassifier struct {
	cls model.EmailClassification
	err error
}

func (c *stubClassifier) Classify(context.Context, model.EmailMessage) (model.EmailClassification, error) {
	return c.cls, c.err
}

type stubForwarder struct {
	mu    sync.Mutex
	calls int
	fail  int // fail the first N calls
	dests []string
}

func (f *stubForwarder) Forward(_ context.Context, _ model.EmailMessage, dest, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("relay unavailable")
	}
	f.dests = append(f.dests, dest)
	return nil
}

type recordingDLQ struct {
	mu      sync.Mutex
	letters []model.DeadLetter
}

func (d *recordingDLQ) Record(_ context.Context, dl model.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, dl)
	return nil
}

func (d *recordingDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.letters)
}

type pipelineFixture struct {
	pipeline   *Pipeline
	minter     *stubMinter
	classifier *stubClassifier
	forwarder  *stubForwarder
	dlq        *recordingDLQ
	episodic   *memory.SQLiteEpisodic
}

func newFixture(t *testing.T, mutate func(*pipelineFixture, *Config)) *pipelineFixture {
	t.Helper()
	episodic, err := memory.NewSQLiteEpisodic(t.TempDir() + "/episodes.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = episodic.Close() })

	f := &pipelineFixture{
		minter: &stubMinter{},
		classifier: &stubClassifier{cls: model.EmailClassification{
			Workstream: model.WorkstreamOperations,
			Priority:   model.PriorityNormal,
		}},
		forwarder: &stubForwarder{},
		dlq:       &recordingDLQ{},
		episodic:  episodic,
	}

	working := memory.NewLocalWorking(time.Minute)
	cfg := Config{
		SpamThreshold:  80,
		ForwardRetries: 3,
		AuditBCC:       "audit@chitty.cc",
		CatchAll:       "inbox@chitty.cc",
	}
	whitelist := NewWhitelist(
		[]string{"trusted@partner.example"},
		[]string{"notify.cloudflare.com"},
	)
	routes := RouteTable{
		model.WorkstreamOperations: {model.PriorityNormal: "ops@chitty.cc"},
		model.WorkstreamFinance:    {model.PriorityNormal: "finance@chitty.cc"},
		model.WorkstreamLitigation: {
			model.PriorityNormal:   "legal@chitty.cc",
			model.PriorityCritical: "legal-urgent@chitty.cc",
		},
		model.WorkstreamGeneral: {model.PriorityNormal: "inbox@chitty.cc"},
	}
	senderLimit := ratelimit.NewWindow(working, "ratelimit:sender", 100, time.Hour)
	domainLimit := ratelimit.NewWindow(working, "ratelimit:domain", 500, time.Hour)

	if mutate != nil {
		mutate(f, &cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.pipeline = NewPipeline(whitelist, senderLimit, domainLimit, f.classifier, routes,
		f.minter, episodic, working, f.forwarder, f.dlq, cfg, logger)
	return f
}

func testMessage(from, subject, body string) model.EmailMessage {
	return model.EmailMessage{
		From: from, To: "intake@chitty.cc", Subject: subject,
		BodyText: body, ReceivedAt: time.Now().UTC(),
	}
}

func TestWhitelistedSenderBypassesSpam(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.classifier.cls = model.EmailClassification{
			Workstream: model.WorkstreamFinance,
			Priority:   model.PriorityNormal,
		}
	})

	msg := testMessage("noreply@notify.cloudflare.com", "Monthly billing", "WIN MONEY NOW and other text")
	res := f.pipeline.Process(context.Background(), msg, "corr-1")

	assert.Equal(t, model.EmailDelivered, res.State)
	assert.True(t, res.Whitelisted)
	assert.Zero(t, res.SpamScore, "spam heuristic must be skipped entirely")
	assert.Equal(t, "finance@chitty.cc", res.Destination)
	assert.NotEmpty(t, res.ChittyID)
	assert.NotEmpty(t, res.ArchiveKey)

	// The full message landed in the episodic store.
	blob, err := f.episodic.Get(context.Background(), res.ArchiveKey)
	require.NoError(t, err)
	assert.Contains(t, string(blob), "Monthly billing")
}

func TestSpamRejectedWithDeadLetterRecord(t *testing.T) {
	f := newFixture(t, nil)

	msg := testMessage("rando@spam.example", "YOU HAVE WON THE LOTTERY!!!",
		"Dear nigerian prince inheritance fund, wire transfer free money click here $$$$")
	res := f.pipeline.Process(context.Background(), msg, "corr-2")

	assert.Equal(t, model.EmailRejected, res.State)
	assert.Equal(t, model.RejectSpam, res.RejectReason)
	assert.GreaterOrEqual(t, res.SpamScore, 80)
	assert.Empty(t, res.ChittyID, "rejected messages never reach minting")
	assert.Equal(t, 1, f.dlq.count(), "rejection leaves a bounce record")
}

func TestDomainRateLimitTrips(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// 501 distinct senders under one domain within the window: the 501st
	// must terminate at the domain limit with the envelope captured.
	var last model.EmailResult
	for i := 1; i <= 501; i++ {
		msg := testMessage(fmt.Sprintf("sender%d@bulk.example", i), "bulk notice", "routine content")
		last = f.pipeline.Process(ctx, msg, fmt.Sprintf("corr-%d", i))
		if i <= 500 {
			require.Equal(t, model.EmailDelivered, last.State, "message %d", i)
		}
	}

	assert.Equal(t, model.EmailRejected, last.State)
	assert.Equal(t, model.RejectRateDomain, last.RejectReason)
	assert.Equal(t, 1, f.dlq.count())
	assert.Contains(t, string(f.dlq.letters[0].Envelope), "sender501@bulk.example")
}

func TestSenderRateLimitTrips(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var last model.EmailResult
	for i := 0; i < 101; i++ {
		last = f.pipeline.Process(ctx, testMessage("chatty@ok.example", "ping", "hello"), "corr")
	}
	assert.Equal(t, model.EmailRejected, last.State)
	assert.Equal(t, model.RejectRateSender, last.RejectReason)
}

func TestClassifierFailureFallsBackToGeneral(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.classifier.err = context.DeadlineExceeded
	})

	res := f.pipeline.Process(context.Background(), testMessage("a@b.example", "subj", "body"), "corr")
	assert.Equal(t, model.EmailDelivered, res.State)
	require.NotNil(t, res.Classification)
	assert.Equal(t, model.WorkstreamGeneral, res.Classification.Workstream)
	assert.Equal(t, model.PriorityNormal, res.Classification.Priority)
	assert.Equal(t, "inbox@chitty.cc", res.Destination)
}

func TestForwardRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.forwarder.fail = 2 // first two attempts fail, third succeeds
	})

	res := f.pipeline.Process(context.Background(), testMessage("a@b.example", "subj", "body"), "corr")
	assert.Equal(t, model.EmailDelivered, res.State)
	assert.Equal(t, 3, f.forwarder.calls)
	assert.Zero(t, f.dlq.count())
}

func TestForwardExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.forwarder.fail = 10 // more than the retry budget
	})

	res := f.pipeline.Process(context.Background(), testMessage("a@b.example", "subj", "body"), "corr")
	assert.Equal(t, model.EmailDeadLetter, res.State)
	assert.Equal(t, model.RejectForwardFailed, res.RejectReason)
	require.Equal(t, 1, f.dlq.count())
	assert.Contains(t, f.dlq.letters[0].LastError, "relay unavailable")
}

func TestMintFailureDeadLetters(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.minter.err = errors.New("authority unreachable")
	})

	res := f.pipeline.Process(context.Background(), testMessage("a@b.example", "subj", "body"), "corr")
	assert.Equal(t, model.EmailDeadLetter, res.State)
	assert.Equal(t, 1, f.dlq.count())
}

func TestCriticalPriorityRoutesToUrgentInbox(t *testing.T) {
	f := newFixture(t, func(f *pipelineFixture, _ *Config) {
		f.classifier.cls = model.EmailClassification{
			Workstream:   model.WorkstreamLitigation,
			Priority:     model.PriorityCritical,
			UrgencyScore: 0.95,
		}
	})

	res := f.pipeline.Process(context.Background(), testMessage("counsel@firm.example", "TRO filed", "see attached"), "corr")
	assert.Equal(t, model.EmailDelivered, res.State)
	assert.Equal(t, "legal-urgent@chitty.cc", res.Destination)
}

func TestStateTransitionsAreMonotonic(t *testing.T) {
	res := model.EmailResult{State: model.EmailArchived}
	advance(&res, model.EmailAccepted)
	assert.Equal(t, model.EmailArchived, res.State, "regression must be refused")
	advance(&res, model.EmailDelivered)
	assert.Equal(t, model.EmailDelivered, res.State)
}

func TestSpamScoreHeuristics(t *testing.T) {
	clean := testMessage("a@b.example", "Quarterly report", "Attached is the report for Q3.")
	assert.Less(t, SpamScore(clean), 20)

	junk := testMessage("x@y.example", "YOU HAVE WON!!!", "lottery prize wire transfer click here $$$$")
	assert.GreaterOrEqual(t, SpamScore(junk), 80)

	// Score clamps at 100.
	worst := testMessage("x@y.example", "VIAGRA LOTTERY PRIZE!!!",
		"nigerian prince inheritance fund wire transfer free money crypto investment click here act now $$$$")
	assert.Equal(t, 100, SpamScore(worst))
}

func TestRouteTableFallbacks(t *testing.T) {
	routes := RouteTable{
		model.WorkstreamFinance: {model.PriorityNormal: "finance@chitty.cc"},
		model.WorkstreamGeneral: {model.PriorityNormal: "inbox@chitty.cc"},
	}

	// Known workstream, unknown priority row: workstream default.
	dest := routes.Resolve(model.EmailClassification{
		Workstream: model.WorkstreamFinance, Priority: model.PriorityCritical,
	}, "last@chitty.cc")
	assert.Equal(t, "finance@chitty.cc", dest)

	// Unknown workstream: general default.
	dest = routes.Resolve(model.EmailClassification{
		Workstream: model.Workstream("unknown"), Priority: model.PriorityNormal,
	}, "last@chitty.cc")
	assert.Equal(t, "inbox@chitty.cc", dest)

	// Nothing matches: catch-all.
	dest = RouteTable{}.Resolve(model.EmailClassification{}, "last@chitty.cc")
	assert.Equal(t, "last@chitty.cc", dest)
}

func TestParseClassificationToleratesProse(t *testing.T) {
	cls, err := parseClassification(`Sure! Here is the classification:
{"workstream":"litigation","priority":"high","sentiment":"urgent","urgency_score":0.9}`)
	require.NoError(t, err)
	assert.Equal(t, model.WorkstreamLitigation, cls.Workstream)
	assert.Equal(t, model.PriorityHigh, cls.Priority)

	// Out-of-vocabulary values normalize to safe defaults.
	cls, err = parseClassification(`{"workstream":"sales","priority":"asap","urgency_score":7}`)
	require.NoError(t, err)
	assert.Equal(t, model.WorkstreamGeneral, cls.Workstream)
	assert.Equal(t, model.PriorityNormal, cls.Priority)
	assert.Equal(t, 1.0, cls.UrgencyScore)

	_, err = parseClassification("no json here")
	require.Error(t, err)
}
