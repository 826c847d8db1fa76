package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/internal/auth"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/milvus"
	"github.com/upb/llm-gateway/repositories/postgres"
	redisrepo "github.com/upb/llm-gateway/repositories/redis"
	"github.com/upb/llm-gateway/services/arbitrage"
	"github.com/upb/llm-gateway/services/audit"
	"github.com/upb/llm-gateway/services/budget"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/circuit"
	"github.com/upb/llm-gateway/services/dlq"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/ledger"
	"github.com/upb/llm-gateway/services/oracle"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/anthropic"
	"github.com/upb/llm-gateway/services/providers/openai"
	"github.com/upb/llm-gateway/services/routing"
	"github.com/upb/llm-gateway/services/safety"
	"github.com/upb/llm-gateway/services/trust"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	judgeTimeout    = 5 * time.Second
	replayRate      = 50 // entries per second
	replayBurst     = 10
	poolTaskTimeout = 5 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Redis   *redisrepo.Client
	Vectors *milvus.Store
	Logger  *zap.Logger

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Background work
	Pool       *worker.Pool
	DeadLetter *dlq.Queue
	Replayer   *dlq.Replayer
	Publisher  events.Publisher

	// Pipeline components
	Providers *providers.Registry
	Oracle    *oracle.Oracle
	Cache     *cache.Service
	Breaker   *circuit.Breaker
	Router    *routing.RoutingService
	Selector  *arbitrage.Selector
	Budget    *budget.BudgetService
	Trust     *trust.TrustService
	Policies  *policy.PolicyService
	Ledger    *ledger.LedgerService
	Audit     *audit.AuditService
	Safety    *safety.Guard
	Gateway   *gateway.Service

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	ChatHandler    *handlers.ChatHandler
	AdminHandler   *handlers.AdminHandler
	HealthHandler  *handlers.HealthHandler

	publicKey ed25519.PublicKey
	started   bool
	stopLoops context.CancelFunc
}

// NewDependencies connects to every store and wires up the pipeline
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	db, err := postgres.NewDB(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	rc, err := redisrepo.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	deps, err := NewDependenciesFromClients(ctx, cfg, logger, db, rc)
	if err != nil {
		_ = rc.Close()
		_ = db.Close()
		return nil, err
	}
	return deps, nil
}

// NewDependenciesFromClients wires the pipeline over already connected stores
func NewDependenciesFromClients(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *postgres.DB, rc *redisrepo.Client) (*Dependencies, error) {
	d := &Dependencies{
		Config: cfg,
		DB:     db,
		Redis:  rc,
		Logger: logger,
	}

	factory := postgres.NewRepositoryFactoryFromDB(db, logger)
	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.initBackground(cfg)

	if err := d.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	if err := d.initOracle(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize oracle: %w", err)
	}
	if err := d.initCache(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := d.initGovernance(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize governance: %w", err)
	}
	d.initPipeline(cfg)
	d.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", d.Providers.ListProviders()))
	return d, nil
}

func (d *Dependencies) initBackground(cfg *config.Config) {
	d.Pool = worker.NewPool(worker.Config{
		QueueSize:   cfg.Worker.QueueSize,
		WorkerCount: cfg.Worker.Workers,
		TaskTimeout: poolTaskTimeout,
	}, d.Logger)
	d.DeadLetter = dlq.NewQueue(d.Redis.Redis(), d.Logger)

	d.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, d.Logger)
		if err != nil {
			d.Logger.Warn("kafka publisher unavailable, events disabled", zap.Error(err))
		} else {
			d.Publisher = publisher
		}
	}
}

// initProviders registers every configured upstream vendor
func (d *Dependencies) initProviders(cfg *config.Config) error {
	configs := make(map[string]providers.ProviderConfig)
	add := func(name string, ep config.ProviderEndpoint) {
		if !ep.Configured() {
			return
		}
		configs[name] = providers.ProviderConfig{
			Name:    name,
			APIKey:  ep.APIKey,
			BaseURL: ep.BaseURL,
			Timeout: ep.Timeout,
		}
	}
	add("openai", cfg.Providers.OpenAI)
	add("azure", cfg.Providers.Azure)
	add("anthropic", cfg.Providers.Anthropic)
	add("groq", cfg.Providers.Groq)
	add("custom", cfg.Providers.Custom)

	openAICompatible := func(c providers.ProviderConfig) (providers.Provider, error) {
		return openai.NewOpenAIAdapter(c), nil
	}
	registry, err := providers.NewRegistryBuilder().
		WithProviderBuilder("openai", openAICompatible).
		WithProviderBuilder("azure", openAICompatible).
		WithProviderBuilder("groq", openAICompatible).
		WithProviderBuilder("custom", openAICompatible).
		WithProviderBuilder("anthropic", func(c providers.ProviderConfig) (providers.Provider, error) {
			return anthropic.NewAdapter(c), nil
		}).
		Build(configs)
	if err != nil {
		return err
	}

	if registry.GetProviderCount() == 0 {
		d.Logger.Warn("no LLM providers configured; only cached and memory answers can be served")
	}
	d.Providers = registry
	return nil
}

func (d *Dependencies) initOracle(cfg *config.Config) error {
	catalog, err := oracle.LoadCatalog(cfg.Oracle.CatalogPath)
	if err != nil {
		return err
	}
	d.Oracle = oracle.New(catalog, d.Redis.Redis(), cfg.Oracle.PriceFeedURL, d.Logger)
	return nil
}

// initCache builds the cascade. The vector tier is only enabled when both
// Milvus and the embedding service are configured.
func (d *Dependencies) initCache(ctx context.Context, cfg *config.Config) error {
	var vectors repositories.VectorStore
	var embedder cache.Embedder
	var reranker cache.Reranker

	if cfg.ML.EmbeddingURL != "" {
		embedder = cache.NewHTTPEmbedder(cfg.ML.EmbeddingURL, cfg.ML.Timeout)
	}
	if cfg.ML.RerankURL != "" {
		reranker = cache.NewHTTPReranker(cfg.ML.RerankURL, cfg.ML.Timeout)
	}
	if cfg.Milvus.Enabled && embedder != nil {
		store, err := milvus.Connect(ctx, cfg.Milvus.Address, cfg.Milvus.Collection, cfg.Cache.Dimension, d.Logger)
		if err != nil {
			return err
		}
		d.Vectors = store
		vectors = store
	} else if cfg.Milvus.Enabled {
		d.Logger.Warn("milvus enabled without an embedding service; vector tier disabled")
	}

	d.Cache = cache.NewService(d.Redis.Redis(), vectors, embedder, reranker, cache.Config{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		RerankThreshold:     cfg.Cache.RerankThreshold,
		TTL:                 cfg.Cache.TTL,
		TopK:                cfg.Cache.TopK,
	}, d.Logger)
	return nil
}

func (d *Dependencies) initGovernance(cfg *config.Config) error {
	rdb := d.Redis.Redis()

	d.Budget = budget.NewBudgetService(rdb, d.Repos.Wallets, d.Pool, d.DeadLetter, d.Publisher, budget.Config{
		DefaultMonthlyLimit: cfg.Budget.DefaultMonthlyLimit,
		VelocityRatio:       cfg.Budget.VelocityRatio,
		VelocityFloor:       cfg.Budget.VelocityFloor,
		VelocityWindow:      cfg.Budget.VelocityWindow,
		FreezeDuration:      cfg.Budget.FreezeDuration,
	}, d.Logger)
	d.Trust = trust.NewTrustService(rdb, d.Repos.TrustEvents, d.Pool, d.DeadLetter, d.Publisher, d.Logger)
	d.Policies = policy.NewPolicyService(d.Repos.Policies, policy.NewRuleCache(rdb, policy.DefaultCacheTTL), d.Logger)
	d.Audit = audit.NewAuditService(d.Repos.AuditLogs, d.Pool, d.DeadLetter, d.Logger)

	signer, err := d.signer(cfg)
	if err != nil {
		return err
	}
	d.publicKey = signer.PublicKey()
	d.Ledger = ledger.NewLedgerService(rdb, d.Repos.Ledger, d.TxManager, d.DeadLetter, signer, cfg.Ledger.Region, d.Logger)

	d.Replayer = dlq.NewReplayer(d.DeadLetter, rate.NewLimiter(rate.Limit(replayRate), replayBurst), map[string]dlq.Handler{
		dlq.KindLedger: d.Ledger.Replay,
		dlq.KindWallet: d.Budget.Replay,
		dlq.KindTrust:  d.Trust.Replay,
		dlq.KindAudit:  d.Audit.Replay,
	})
	return nil
}

// signer loads the configured seed. Without one an ephemeral key is used,
// which config validation rejects in production.
func (d *Dependencies) signer(cfg *config.Config) (*ledger.Signer, error) {
	if cfg.Ledger.SigningSeedHex != "" {
		return ledger.NewSignerFromHex(cfg.Ledger.SigningSeedHex)
	}
	d.Logger.Warn("no ledger signing seed configured, using an ephemeral key")
	return ledger.GenerateSigner()
}

func (d *Dependencies) initPipeline(cfg *config.Config) {
	d.Breaker = circuit.NewBreaker(d.Redis.Redis(), cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryWindow, d.Logger)
	d.Router = routing.NewRoutingService(routing.RoutingConfig{
		MaxAttempts: cfg.Router.MaxAttempts,
		BaseBackoff: cfg.Router.BaseBackoff,
		MaxBackoff:  cfg.Router.MaxBackoff,
	}, d.Providers, d.Oracle, d.Breaker, d.Cache, d.Logger)

	var classifier arbitrage.Classifier = arbitrage.HeuristicClassifier{}
	if _, _, err := d.Providers.Resolve(arbitrage.JudgeModel); err == nil {
		classifier = arbitrage.NewJudgeClassifier(d.Providers, arbitrage.JudgeModel, judgeTimeout, d.Logger)
	}
	d.Selector = arbitrage.NewSelector(d.Oracle, classifier, arbitrage.DefaultConfig(), d.Logger)

	d.Safety = safety.NewGuard(safety.NewRuleClassifier(), cfg.Safety.Timeout,
		gateway.LateSafetyHandler(d.Audit, d.Trust, d.Publisher, d.Logger), d.Logger)

	gwConfig := gateway.DefaultConfig()
	gwConfig.CacheThreshold = cfg.Cache.SimilarityThreshold
	d.Gateway = gateway.NewService(gateway.Deps{
		Cache:     d.Cache,
		Budget:    d.Budget,
		Trust:     d.Trust,
		Penalties: d.Trust,
		Policies:  d.Policies,
		Selector:  d.Selector,
		Router:    d.Router,
		Ledger:    d.Ledger,
		Pricing:   d.Oracle,
		Intent:    gateway.NewCachedClassifier(gateway.KeywordClassifier{}, d.Redis.Redis(), d.Logger),
		Safety:    d.Safety,
		Audit:     d.Audit,
		Pool:      d.Pool,
	}, gwConfig, d.Logger)
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("no JWT secret configured, every authenticated route will reject")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), d.Logger)
	d.ChatHandler = handlers.NewChatHandler(d.Gateway, d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.Trust, d.Budget, d.Policies, d.Repos.Ledger, d.publicKey, d.Replayer, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB.DB, d.Redis, d.Logger)
}

// Start launches the worker pool, the oracle refresh loop and the trust healer
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	d.started = true

	if err := d.Oracle.Refresh(ctx); err != nil {
		d.Logger.Warn("initial oracle refresh failed, serving catalog prices", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	d.stopLoops = cancel
	go d.Oracle.Run(ctx, d.Config.Oracle.RefreshInterval)
	go d.Trust.RunHealer(ctx, d.Config.Trust.HealInterval)
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopLoops != nil {
		d.stopLoops()
	}

	// drain queued receipts and audit rows before the stores go away
	if d.started {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Pool.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain worker pool: %w", err))
		}
	}

	if d.Publisher != nil {
		if err := d.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
		}
	}
	if d.Vectors != nil {
		if err := d.Vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vector store: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
