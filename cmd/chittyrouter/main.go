package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/chittyos/chittyrouter/internal/agent"
	"github.com/chittyos/chittyrouter/internal/auth"
	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/config"
	"github.com/chittyos/chittyrouter/internal/dispatch"
	"github.com/chittyos/chittyrouter/internal/email"
	"github.com/chittyos/chittyrouter/internal/evidence"
	"github.com/chittyos/chittyrouter/internal/gateway"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/pipeline"
	"github.com/chittyos/chittyrouter/internal/queue"
	"github.com/chittyos/chittyrouter/internal/ratelimit"
	"github.com/chittyos/chittyrouter/internal/server"
	"github.com/chittyos/chittyrouter/internal/storage"
	"github.com/chittyos/chittyrouter/internal/synchub"
	"github.com/chittyos/chittyrouter/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
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

	slog.Info("chittyrouter starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	minter := chittyid.New(cfg.IdentityURL, cfg.IdentityAPIKey, cfg.IdentityTimeout, logger)

	// Working tier and gateway cache share the Redis deployment; both fall
	// back to in-process stores when none is configured.
	var working memory.WorkingStore
	var gwCache gateway.Cache
	if cfg.RedisURL != "" {
		working, err = memory.NewRedisWorking(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis working tier: %w", err)
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		gwCache = gateway.NewRedisCache(redis.NewClient(opts))
		logger.Info("working tier: redis")
	} else {
		working = memory.NewLocalWorking(cfg.WorkingTTL)
		gwCache = gateway.NewLocalCache()
		logger.Info("working tier: in-process (no REDIS_URL)")
	}
	defer func() { _ = working.Close() }()

	gw := gateway.New(gateway.Config{
		FallbackChain: cfg.AIFallbackChain,
		DefaultModels: map[string]string{
			"workersai":   cfg.AIPrimaryModel,
			"openai":      cfg.AISecondaryModel,
			"anthropic":   cfg.AIReasoningModel,
			"mistral":     cfg.AISecondaryModel,
			"huggingface": cfg.AISecondaryModel,
			"google":      cfg.AISecondaryModel,
		},
		EmbedProvider: "workersai",
		EmbedModel:    cfg.EmbeddingModel,
		Timeout:       cfg.AITimeout,
		MaxConcurrent: cfg.AIMaxConcurrent,
		CacheTTL:      cfg.AICacheTTL,
	}, buildProviders(cfg, logger), gwCache, logger)

	// Semantic tier: Qdrant when configured, the pgvector table otherwise.
	var semantic memory.SemanticIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err := memory.NewQdrantIndex(memory.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDim), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		semantic = qdrantIndex
		logger.Info("semantic tier: qdrant", "collection", cfg.QdrantCollection)
	} else {
		semantic = db.NewSemanticIndex()
		logger.Info("semantic tier: pgvector (no QDRANT_URL)")
	}
	defer func() { _ = semantic.Close() }()

	episodic, err := memory.NewSQLiteEpisodic(cfg.EpisodicPath)
	if err != nil {
		return fmt.Errorf("episodic tier: %w", err)
	}
	defer func() { _ = episodic.Close() }()
	go memory.RunSweeper(ctx, episodic, cfg.EpisodicRetention, time.Hour, logger)

	substrate := agent.NewSubstrate(gw, working, semantic, episodic, db, agent.Config{
		WorkingTTL: cfg.WorkingTTL,
	}, logger)

	nc, err := queue.Connect(cfg.NATSURL, "chittyrouter")
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()
	publisher, err := queue.NewPublisher(nc)
	if err != nil {
		return fmt.Errorf("nats streams: %w", err)
	}

	analyzer := evidence.NewAIAnalyzer(gw)
	ingestor := evidence.NewIngestor(analyzer, minter, db, episodic, semantic, gw, publisher, logger)
	reindexer := evidence.NewReindexer(analyzer, minter, db, episodic, semantic, gw, publisher,
		evidence.ReindexConfig{
			Interval:            cfg.ReindexInterval,
			Window:              cfg.ReindexWindow,
			SimilarityThreshold: float32(cfg.SimilarityThreshold),
		}, logger)
	go reindexer.Run(ctx)

	emailPipe := email.NewPipeline(
		email.NewWhitelist(cfg.WhitelistAddresses, cfg.WhitelistDomains),
		ratelimit.NewWindow(working, "email:sender", int(cfg.SenderPerHour), time.Hour),
		ratelimit.NewWindow(working, "email:domain", int(cfg.DomainPerHour), time.Hour),
		email.NewAIClassifier(substrate, cfg.ClassifyTimeout),
		defaultRoutes(),
		minter,
		episodic,
		working,
		email.NewHTTPForwarder(cfg.ForwardEndpoint, "", 15*time.Second),
		db,
		email.Config{
			SpamThreshold:  cfg.SpamRejectThreshold,
			ForwardRetries: cfg.ForwardRetries,
			AuditBCC:       cfg.AuditBCC,
			CatchAll:       "intake@chitty.cc",
			WebhookURL:     cfg.CriticalWebhookURL,
		}, logger)

	engine, err := pipeline.NewEngine(db, minter, pipeline.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	hub := synchub.NewHub(db, minter, synchub.NewBroker(cfg.WatchBuffer),
		synchub.Strategy(cfg.ConflictStrategy), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dispatcher := dispatch.New(dispatch.DefaultConfig(),
		dispatch.NewAIClassifier(gw, cfg.AITimeout), reg, logger)

	authLimiter := ratelimit.NewMemoryLimiter(5, 10)
	defer func() { _ = authLimiter.Close() }()

	clients, err := seedClients(cfg)
	if err != nil {
		return fmt.Errorf("seed clients: %w", err)
	}

	srv := server.New(server.Config{
		Logger:      logger,
		Version:     version,
		JWT:         jwtMgr,
		Hub:         hub,
		Substrate:   substrate,
		Ingestor:    ingestor,
		Pipeline:    engine,
		Dispatcher:  dispatcher,
		Email:       emailPipe,
		Lister:      db,
		DLQ:         db,
		LocalServices: []string{"sync-hub", "agent-substrate", "evidence-pipeline",
			"email-pipeline", "dispatcher", dispatch.DefaultService},
		Clients:     clients,
		AuthLimiter: authLimiter,
		HealthProbes: map[string]func(ctx context.Context) error{
			"postgres": db.Ping,
			"semantic": semantic.Healthy,
			"nats": func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("nats disconnected")
				}
				return nil
			},
		},
		Registry:     reg,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Identity is the one catalogue entry served remotely.
	dispatcher.SetEndpoint("identity", cfg.IdentityURL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: drain HTTP first so in-flight requests can still
	// reach the stores, then close the stores via the deferred cleanups.
	slog.Info("chittyrouter shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("chittyrouter stopped")
	return nil
}

// buildProviders assembles the gateway providers that have credentials.
// Workers AI needs only a base URL; the rest need API keys.
func buildProviders(cfg config.Config, logger *slog.Logger) []gateway.Provider {
	var providers []gateway.Provider
	for _, name := range cfg.AIFallbackChain {
		key := cfg.AIProviderKeys[name]
		baseURL := cfg.AIProviderURLs[name]
		switch {
		case name == "anthropic" && key != "":
			providers = append(providers, gateway.NewAnthropic(baseURL, key))
		case name == "workersai" && baseURL != "":
			providers = append(providers, gateway.NewOpenAICompat(name, baseURL, key))
		case key != "":
			providers = append(providers, gateway.NewOpenAICompat(name, baseURL, key))
		default:
			logger.Warn("gateway provider skipped (no credentials)", "provider", name)
		}
	}
	return providers
}

// defaultRoutes is the standing inbox table. Critical litigation and
// compliance traffic lands on dedicated addresses; everything else funnels
// by workstream.
func defaultRoutes() email.RouteTable {
	return email.RouteTable{
		model.WorkstreamLitigation: {
			model.PriorityCritical: "legal-urgent@chitty.cc",
			model.PriorityNormal:   "legal@chitty.cc",
		},
		model.WorkstreamFinance: {
			model.PriorityNormal: "finance@chitty.cc",
		},
		model.WorkstreamCompliance: {
			model.PriorityCritical: "compliance-urgent@chitty.cc",
			model.PriorityNormal:   "compliance@chitty.cc",
		},
		model.WorkstreamOperations: {
			model.PriorityNormal: "ops@chitty.cc",
		},
		model.WorkstreamGeneral: {
			model.PriorityNormal: "intake@chitty.cc",
		},
	}
}

// seedClients builds the token-issuance credential table. The admin key is
// hashed at startup; plaintext never leaves this function.
func seedClients(cfg config.Config) (map[string]server.Client, error) {
	clients := map[string]server.Client{}
	if cfg.AdminAPIKey == "" {
		return clients, nil
	}
	hashed, err := auth.HashAPIKey(cfg.AdminAPIKey)
	if err != nil {
		return nil, err
	}
	clients["admin"] = server.Client{
		HashedKey: hashed,
		Tier:      "admin",
		Scopes:    []string{"mint:*"},
	}
	return clients, nil
}
