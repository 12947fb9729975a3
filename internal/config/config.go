// Package config loads the typed service configuration from the environment
// once at startup. Rule definitions for rate limiting live here as well so a
// reload can swap a validated snapshot instead of mutating live state.
package config

import (
	"fmt"
	"time"

	"token-service/internal/util"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Crypto        CryptoConfig
	RateLimit     RateLimitConfig
	Ledger        LedgerConfig
	Monitor       MonitorConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	TLSPort     int
	CertFile    string
	KeyFile     string
	AutoCert    bool
	Domain      string
	AutoCertDir string
	CertEmail   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

type KafkaConfig struct {
	Brokers    []string
	EventTopic string
	AlertTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AlertIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// CryptoConfig tunes the password KDF. Iterations below 100k are rejected.
type CryptoConfig struct {
	KDFIterations int
	SignWorkers   int
}

// RuleConfig defines one throttling rule.
type RuleConfig struct {
	RuleID       string
	MaxRequests  int
	TimeWindow   time.Duration
	BurstLimit   int
	BurstWindow  time.Duration
	Cooldown     time.Duration
	Enabled      bool
}

type RateLimitConfig struct {
	// Backend selects the limiter state store: "memory" or "redis".
	Backend string
	Rules   []RuleConfig
}

type LedgerConfig struct {
	// Backend selects the ledger store: "memory" or "postgres".
	Backend        string
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

type MonitorConfig struct {
	FailedTxThreshold   int
	FailedTxWindow      time.Duration
	LargeTransferAmount uint64
	MetricsWindow       time.Duration
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCert:     util.GetEnvBool("SERVER_AUTOCERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
			AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "./certs"),
			CertEmail:    util.GetEnv("SERVER_CERT_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "token_vault"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Postgres: PostgresConfig{
			DSN:      util.GetEnv("POSTGRES_DSN", "postgres://localhost:5432/token_ledger"),
			MaxConns: int32(util.GetEnvInt("POSTGRES_MAX_CONNS", 20)),
		},
		Kafka: KafkaConfig{
			Brokers:    util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventTopic: util.GetEnv("KAFKA_EVENT_TOPIC", "token-events"),
			AlertTopic: util.GetEnv("KAFKA_ALERT_TOPIC", "token-alerts"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "token_audit"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			AlertIndex: util.GetEnv("ELASTICSEARCH_ALERT_INDEX", "token-alerts"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("KMS_REGION", "us-east-1"),
		},
		Crypto: CryptoConfig{
			KDFIterations: util.GetEnvInt("KDF_ITERATIONS", 150_000),
			SignWorkers:   util.GetEnvInt("SIGN_WORKERS", 4),
		},
		RateLimit: RateLimitConfig{
			Backend: util.GetEnv("RATE_LIMIT_BACKEND", "memory"),
			Rules:   defaultRules(),
		},
		Ledger: LedgerConfig{
			Backend:        util.GetEnv("LEDGER_BACKEND", "memory"),
			PendingTimeout: util.GetEnvDuration("LEDGER_PENDING_TIMEOUT", 5*time.Minute),
			SweepInterval:  util.GetEnvDuration("LEDGER_SWEEP_INTERVAL", 30*time.Second),
		},
		Monitor: MonitorConfig{
			FailedTxThreshold:   util.GetEnvInt("MONITOR_FAILED_TX_THRESHOLD", 5),
			FailedTxWindow:      util.GetEnvDuration("MONITOR_FAILED_TX_WINDOW", 10*time.Minute),
			LargeTransferAmount: uint64(util.GetEnvInt64("MONITOR_LARGE_TRANSFER_AMOUNT", 1_000_000)),
			MetricsWindow:       util.GetEnvDuration("MONITOR_METRICS_WINDOW", 10*time.Minute),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  util.GetEnvInt("USER_BUCKETS", 64),
			EventBuckets: util.GetEnvInt("EVENT_BUCKETS", 16),
		},
	}

	return cfg
}

func defaultRules() []RuleConfig {
	return []RuleConfig{
		{
			RuleID:      "sign_ops",
			MaxRequests: util.GetEnvInt("RATE_LIMIT_SIGN_MAX", 30),
			TimeWindow:  util.GetEnvDuration("RATE_LIMIT_SIGN_WINDOW", time.Minute),
			BurstLimit:  util.GetEnvInt("RATE_LIMIT_SIGN_BURST", 10),
			BurstWindow: util.GetEnvDuration("RATE_LIMIT_SIGN_BURST_WINDOW", time.Second),
			Cooldown:    util.GetEnvDuration("RATE_LIMIT_SIGN_COOLDOWN", 5*time.Minute),
			Enabled:     true,
		},
		{
			RuleID:      "mint_ops",
			MaxRequests: util.GetEnvInt("RATE_LIMIT_MINT_MAX", 10),
			TimeWindow:  util.GetEnvDuration("RATE_LIMIT_MINT_WINDOW", time.Minute),
			BurstLimit:  util.GetEnvInt("RATE_LIMIT_MINT_BURST", 5),
			BurstWindow: util.GetEnvDuration("RATE_LIMIT_MINT_BURST_WINDOW", time.Second),
			Cooldown:    util.GetEnvDuration("RATE_LIMIT_MINT_COOLDOWN", 10*time.Minute),
			Enabled:     true,
		},
		{
			RuleID:      "transfer_ops",
			MaxRequests: util.GetEnvInt("RATE_LIMIT_TRANSFER_MAX", 20),
			TimeWindow:  util.GetEnvDuration("RATE_LIMIT_TRANSFER_WINDOW", time.Minute),
			BurstLimit:  util.GetEnvInt("RATE_LIMIT_TRANSFER_BURST", 8),
			BurstWindow: util.GetEnvDuration("RATE_LIMIT_TRANSFER_BURST_WINDOW", time.Second),
			Cooldown:    util.GetEnvDuration("RATE_LIMIT_TRANSFER_COOLDOWN", 5*time.Minute),
			Enabled:     true,
		},
		{
			RuleID:      "burn_ops",
			MaxRequests: util.GetEnvInt("RATE_LIMIT_BURN_MAX", 10),
			TimeWindow:  util.GetEnvDuration("RATE_LIMIT_BURN_WINDOW", time.Minute),
			BurstLimit:  util.GetEnvInt("RATE_LIMIT_BURN_BURST", 5),
			BurstWindow: util.GetEnvDuration("RATE_LIMIT_BURN_BURST_WINDOW", time.Second),
			Cooldown:    util.GetEnvDuration("RATE_LIMIT_BURN_COOLDOWN", 10*time.Minute),
			Enabled:     true,
		},
	}
}

// Validate rejects configurations that would weaken the trust boundary.
func (c *Config) Validate() error {
	if c.Crypto.KDFIterations < 100_000 {
		return fmt.Errorf("KDF_ITERATIONS must be at least 100000, got %d", c.Crypto.KDFIterations)
	}
	if c.Crypto.SignWorkers < 1 {
		return fmt.Errorf("SIGN_WORKERS must be positive, got %d", c.Crypto.SignWorkers)
	}
	if c.Ledger.PendingTimeout <= 0 {
		return fmt.Errorf("LEDGER_PENDING_TIMEOUT must be positive")
	}
	for _, rule := range c.RateLimit.Rules {
		if rule.RuleID == "" {
			return fmt.Errorf("rate limit rule with empty rule_id")
		}
		if rule.MaxRequests <= 0 || rule.TimeWindow <= 0 {
			return fmt.Errorf("rate limit rule %s: max_requests and time_window must be positive", rule.RuleID)
		}
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	switch c.Ledger.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		return fmt.Errorf("SERVER_DOMAIN is required when SERVER_AUTOCERT is enabled")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetTLSAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.TLSPort)
}
