// Command mintworker drains the blockchain mint queue: it decides soft/hard
// anchoring for each evidence record, runs the integration orchestration,
// persists the decision, and anchors through the configured sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/config"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/minting"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/orchestrator"
	"github.com/chittyos/chittyrouter/internal/queue"
	"github.com/chittyos/chittyrouter/internal/storage"
	"github.com/chittyos/chittyrouter/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("CHITTY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("mintworker starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-mintworker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	episodic, err := memory.NewSQLiteEpisodic(cfg.EpisodicPath)
	if err != nil {
		return fmt.Errorf("episodic tier: %w", err)
	}
	defer func() { _ = episodic.Close() }()

	minter := chittyid.New(cfg.IdentityURL, cfg.IdentityAPIKey, cfg.IdentityTimeout, logger)

	var beacon minting.BeaconSource
	hardRandom := cfg.MintHardRandomPercent
	if cfg.BeaconEnabled {
		beacon = minting.NewDrandClient(cfg.BeaconURL, 10*time.Second)
	} else {
		// Threshold-only policy: the random hardening path is switched off
		// and the beacon degenerates to a constant, so every decision is
		// reproducible from the record alone.
		beacon = fixedBeacon{}
		hardRandom = 0
		logger.Warn("beacon disabled, random hardening off")
	}

	decider := minting.NewDecider(minting.Config{
		SecurityThreshold: cfg.MintSecurityThreshold,
		HardRandomPercent: hardRandom,
		AlwaysHardTypes:   cfg.AlwaysHardTypes,
	}, beacon, logger)

	orch, err := orchestrator.New(minter, db, collaborators(cfg.OrchestratorBaseURL), cfg.StageTimeout, logger)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	nc, err := queue.Connect(cfg.NATSURL, "chittyrouter-mintworker")
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()
	publisher, err := queue.NewPublisher(nc)
	if err != nil {
		return fmt.Errorf("nats streams: %w", err)
	}

	var soft queue.Sink = queue.NewHTTPSoftSink(cfg.SoftSinkURL, 10*time.Second)
	var hard queue.Sink = queue.NewHTTPHardSink(cfg.HardSinkURL, episodic, 30*time.Second)
	if cfg.SoftSinkURL == "" {
		soft = logSink{kind: "soft", logger: logger}
	}
	if cfg.HardSinkURL == "" {
		hard = logSink{kind: "hard", logger: logger}
	}

	consumer := queue.NewConsumer(db, decider, orch, db, soft, hard, publisher, publisher,
		queue.ConsumerConfig{
			Batch:         cfg.ConsumerBatchSize,
			BatchDeadline: cfg.ConsumerDeadline,
			Retries:       cfg.ConsumerMaxRetries,
		}, logger)

	sub, err := queue.Subscribe(nc, "mintworker")
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	consumer.Run(ctx, sub)
	slog.Info("mintworker stopped")
	return nil
}

// collaborators maps orchestration step names to service endpoints under a
// shared base URL. Empty base leaves every external step as a pass-through.
func collaborators(baseURL string) map[string]string {
	if baseURL == "" {
		return nil
	}
	steps := []string{"integrity", "compliance", "storage", "case-linkage"}
	out := make(map[string]string, len(steps))
	for _, s := range steps {
		out[s] = baseURL + "/" + s
	}
	return out
}

// fixedBeacon satisfies the beacon dependency when drand is disabled. With
// the random cutoff at zero the decider never consults it; it exists only so
// the constructor has a source.
type fixedBeacon struct{}

func (fixedBeacon) Latest(context.Context) (minting.Beacon, error) {
	return minting.Beacon{Round: 0, Value: "beacon-disabled"}, nil
}

func (fixedBeacon) Round(context.Context, uint64) (minting.Beacon, error) {
	return minting.Beacon{Round: 0, Value: "beacon-disabled"}, nil
}

// logSink stands in for an unconfigured anchor service; anchors are logged
// and acknowledged so the queue keeps draining in partial deployments.
type logSink struct {
	kind   string
	logger *slog.Logger
}

func (s logSink) Anchor(_ context.Context, rec *model.EvidenceRecord, decision *model.MintingDecision) error {
	s.logger.Info("anchor (log only)",
		"kind", s.kind,
		"chitty_id", string(rec.ChittyID),
		"payload_hash", rec.PayloadHash,
		"beacon_round", decision.BeaconRound)
	return nil
}
