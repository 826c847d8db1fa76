package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Milvus        MilvusConfig
	ML            MLConfig
	Kafka         KafkaConfig
	Auth          AuthConfig
	Providers     ProvidersConfig
	Oracle        OracleConfig
	Cache         CacheConfig
	Circuit       CircuitConfig
	Router        RouterConfig
	Budget        BudgetConfig
	Ledger        LedgerConfig
	Safety        SafetyConfig
	Trust         TrustConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the fast store connection
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MilvusConfig holds the vector store connection used by the semantic cache
type MilvusConfig struct {
	Enabled    bool
	Address    string
	Collection string
}

// MLConfig points at the embedding and rerank services
type MLConfig struct {
	EmbeddingURL string
	RerankURL    string
	Timeout      time.Duration
}

// KafkaConfig holds the event bus configuration. Empty Brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// AuthConfig holds the identity provider settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	OpenAI    ProviderEndpoint
	Azure     ProviderEndpoint
	Anthropic ProviderEndpoint
	Groq      ProviderEndpoint
	Custom    ProviderEndpoint
}

// ProviderEndpoint holds a single upstream vendor configuration
type ProviderEndpoint struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Configured reports whether the endpoint has credentials
func (p ProviderEndpoint) Configured() bool {
	return p.APIKey != ""
}

// OracleConfig controls the cost/health oracle
type OracleConfig struct {
	CatalogPath     string
	PriceFeedURL    string
	RefreshInterval time.Duration
}

// CacheConfig controls the semantic cache cascade
type CacheConfig struct {
	SimilarityThreshold float64
	RerankThreshold     float64
	TTL                 time.Duration
	TopK                int
	Dimension           int
}

// CircuitConfig controls per-provider circuit breakers
type CircuitConfig struct {
	FailureThreshold int
	RecoveryWindow   time.Duration
}

// RouterConfig controls retry behaviour of the provider router
type RouterConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// BudgetConfig controls the velocity kill switch
type BudgetConfig struct {
	DefaultMonthlyLimit float64
	VelocityRatio       float64
	VelocityFloor       float64
	VelocityWindow      time.Duration
	FreezeDuration      time.Duration
}

// LedgerConfig holds receipt signing material
type LedgerConfig struct {
	SigningSeedHex string
	Region         string
}

// SafetyConfig controls the concurrent safety classification
type SafetyConfig struct {
	Timeout time.Duration
}

// TrustConfig controls the trust score healer
type TrustConfig struct {
	HealInterval time.Duration
}

// WorkerConfig sizes the background work pool
type WorkerConfig struct {
	Workers   int
	QueueSize int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel          string
	MetricsEnabled    bool
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
	ServiceName       string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 50),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Milvus: MilvusConfig{
			Enabled:    getEnvAsBool("MILVUS_ENABLED", true),
			Address:    getEnv("MILVUS_ADDRESS", "localhost:19530"),
			Collection: getEnv("MILVUS_COLLECTION", "semantic_cache"),
		},
		ML: MLConfig{
			EmbeddingURL: getEnv("EMBEDDING_URL", "http://localhost:8081/embed"),
			RerankURL:    getEnv("RERANK_URL", "http://localhost:8081/rerank"),
			Timeout:      getEnvAsDuration("ML_TIMEOUT", 2*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "gateway.events"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "llm-gateway"),
		},
		Providers: ProvidersConfig{
			OpenAI:    loadProvider("OPENAI", "https://api.openai.com/v1"),
			Azure:     loadProvider("AZURE_OPENAI", ""),
			Anthropic: loadProvider("ANTHROPIC", "https://api.anthropic.com"),
			Groq:      loadProvider("GROQ", "https://api.groq.com/openai/v1"),
			Custom:    loadProvider("CUSTOM_LLM", ""),
		},
		Oracle: OracleConfig{
			CatalogPath:     getEnv("MODEL_CATALOG_PATH", ""),
			PriceFeedURL:    getEnv("PRICE_FEED_URL", ""),
			RefreshInterval: getEnvAsDuration("ORACLE_REFRESH_INTERVAL", 10*time.Minute),
		},
		Cache: CacheConfig{
			SimilarityThreshold: getEnvAsFloat("CACHE_SIMILARITY_THRESHOLD", 0.92),
			RerankThreshold:     getEnvAsFloat("CACHE_RERANK_THRESHOLD", 0.85),
			TTL:                 getEnvAsDuration("CACHE_TTL", 7*24*time.Hour),
			TopK:                getEnvAsInt("CACHE_TOP_K", 3),
			Dimension:           getEnvAsInt("CACHE_EMBEDDING_DIM", 384),
		},
		Circuit: CircuitConfig{
			FailureThreshold: getEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 3),
			RecoveryWindow:   getEnvAsDuration("CIRCUIT_RECOVERY_WINDOW", 60*time.Second),
		},
		Router: RouterConfig{
			MaxAttempts: getEnvAsInt("ROUTER_MAX_ATTEMPTS", 2),
			BaseBackoff: getEnvAsDuration("ROUTER_BASE_BACKOFF", time.Second),
			MaxBackoff:  getEnvAsDuration("ROUTER_MAX_BACKOFF", 10*time.Second),
		},
		Budget: BudgetConfig{
			DefaultMonthlyLimit: getEnvAsFloat("BUDGET_DEFAULT_MONTHLY_LIMIT", 1000),
			VelocityRatio:       getEnvAsFloat("BUDGET_VELOCITY_RATIO", 0.10),
			VelocityFloor:       getEnvAsFloat("BUDGET_VELOCITY_FLOOR", 1.0),
			VelocityWindow:      getEnvAsDuration("BUDGET_VELOCITY_WINDOW", time.Minute),
			FreezeDuration:      getEnvAsDuration("BUDGET_FREEZE_DURATION", 5*time.Minute),
		},
		Ledger: LedgerConfig{
			SigningSeedHex: getEnv("LEDGER_SIGNING_SEED", ""),
			Region:         getEnv("LEDGER_REGION", "eu-west-1"),
		},
		Safety: SafetyConfig{
			Timeout: getEnvAsDuration("SAFETY_TIMEOUT", 200*time.Millisecond),
		},
		Trust: TrustConfig{
			HealInterval: getEnvAsDuration("TRUST_HEAL_INTERVAL", time.Hour),
		},
		Worker: WorkerConfig{
			Workers:   getEnvAsInt("WORKER_COUNT", 5),
			QueueSize: getEnvAsInt("WORKER_QUEUE_SIZE", 1000),
		},
		Observability: ObservabilityConfig{
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			MetricsEnabled:    getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4317"),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
			ServiceName:       getEnv("SERVICE_NAME", "llm-gateway"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if !inUnitInterval(c.Cache.SimilarityThreshold) {
		return fmt.Errorf("cache similarity threshold must be in (0,1]: %v", c.Cache.SimilarityThreshold)
	}
	if !inUnitInterval(c.Cache.RerankThreshold) {
		return fmt.Errorf("cache rerank threshold must be in (0,1]: %v", c.Cache.RerankThreshold)
	}
	if !inUnitInterval(c.Budget.VelocityRatio) {
		return fmt.Errorf("budget velocity ratio must be in (0,1]: %v", c.Budget.VelocityRatio)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit failure threshold must be positive")
	}
	if c.Router.MaxAttempts < 1 {
		return fmt.Errorf("router max attempts must be positive")
	}

	if c.Ledger.SigningSeedHex != "" {
		seed, err := hex.DecodeString(c.Ledger.SigningSeedHex)
		if err != nil {
			return fmt.Errorf("ledger signing seed must be hex: %w", err)
		}
		if len(seed) != 32 {
			return fmt.Errorf("ledger signing seed must be 32 bytes, got %d", len(seed))
		}
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required in production")
		}
		if c.Ledger.SigningSeedHex == "" {
			return fmt.Errorf("ledger signing seed is required in production")
		}
		if !c.Providers.OpenAI.Configured() &&
			!c.Providers.Anthropic.Configured() &&
			!c.Providers.Azure.Configured() {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", "gateway_password"),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadProvider(prefix, defaultBaseURL string) ProviderEndpoint {
	return ProviderEndpoint{
		APIKey:  getEnv(prefix+"_API_KEY", ""),
		BaseURL: getEnv(prefix+"_BASE_URL", defaultBaseURL),
		Timeout: getEnvAsDuration(prefix+"_TIMEOUT", 60*time.Second),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func inUnitInterval(v float64) bool {
	return v > 0 && v <= 1
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
