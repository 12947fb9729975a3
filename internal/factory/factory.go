// Package factory wires the application graph: clients, stores, the vault,
// the limiter, the monitor and the token service. Components are constructed
// once at startup and passed down explicitly; nothing here is a global.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"token-service/internal/bucketing"
	"token-service/internal/client"
	"token-service/internal/config"
	"token-service/internal/handler"
	"token-service/internal/keyvault"
	"token-service/internal/ledger"
	"token-service/internal/monitor"
	"token-service/internal/ratelimit"
	"token-service/internal/repository/postgres"
	"token-service/internal/repository/scylla"
	"token-service/internal/service"
	"token-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresClient   *client.PostgresClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *client.KMSClient

	// Core components
	bucketingManager *bucketing.Manager
	vault            *keyvault.Vault
	limiter          ratelimit.Limiter
	ledgerStore      ledger.Store
	monitor          *monitor.Monitor
	sweeper          *monitor.Sweeper
	tokenService     *service.TokenService
	tokenHandler     *handler.TokenHandler

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes every dependency. In
// production a missing required backend fails startup; in development the
// factory falls back to in-memory implementations with a warning.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeCore(); err != nil {
		return nil, fmt.Errorf("failed to initialize core components: %w", err)
	}

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.String("rate_limit_backend", cfg.RateLimit.Backend),
		util.String("ledger_backend", cfg.Ledger.Backend),
		util.Bool("kms_enabled", cfg.KMS.Enabled))

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis is required only when the limiter runs on it.
	if f.config.RateLimit.Backend == "redis" {
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = redisClient
		}
	}

	// Postgres is required only when the ledger runs on it.
	if f.config.Ledger.Backend == "postgres" {
		pgClient, err := client.NewPostgresClient(f.config, util.Get())
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("postgres: %w", err))
		} else {
			f.postgresClient = pgClient
		}
	}

	// Scylla backs the wallet repository in production.
	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
	}

	// KMS wraps backup envelopes; with KMS disabled this never dials out.
	kmsClient, err := client.NewKMSClient(f.config)
	if err != nil {
		initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
	} else {
		f.kmsClient = kmsClient
	}

	// Streaming and analytics backends are best-effort outside production.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed, proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}
	if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
		util.Warn("Elasticsearch initialization failed, proceeding without alert index", util.ErrorField(err))
	} else {
		f.esClient = esClient
	}
	if chClient, err := client.NewClickHouseClient(f.config); err != nil {
		util.Warn("ClickHouse initialization failed, proceeding without event archive", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeCore() error {
	f.bucketingManager = bucketing.NewManager(f.config)

	// Wallet repository: Scylla when available, in-memory otherwise.
	var walletRepo keyvault.Repository
	if f.scyllaClient != nil {
		walletRepo = scylla.NewWalletRepository(f.scyllaClient, f.bucketingManager)
	} else {
		if f.config.IsProduction() {
			return fmt.Errorf("wallet repository requires scylla in production")
		}
		util.Warn("Using in-memory wallet repository")
		walletRepo = keyvault.NewMemoryRepository()
	}
	f.vault = keyvault.NewVault(f.config, walletRepo, f.kmsClient)

	registry := ratelimit.NewRegistry(&f.config.RateLimit)
	switch {
	case f.config.RateLimit.Backend == "redis" && f.redisClient != nil:
		f.limiter = ratelimit.NewRedisLimiter(registry, f.redisClient)
	default:
		if f.config.RateLimit.Backend == "redis" {
			util.Warn("Redis unavailable, using in-memory rate limiter")
		}
		f.limiter = ratelimit.NewMemoryLimiter(registry)
	}

	switch {
	case f.config.Ledger.Backend == "postgres" && f.postgresClient != nil:
		store, err := postgres.NewLedgerStore(f.postgresClient)
		if err != nil {
			return fmt.Errorf("postgres ledger store: %w", err)
		}
		f.ledgerStore = store
	default:
		if f.config.Ledger.Backend == "postgres" {
			util.Warn("Postgres unavailable, using in-memory ledger store")
		}
		f.ledgerStore = ledger.NewMemoryStore()
	}

	var sinks []monitor.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, monitor.NewKafkaSink(f.config, f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		chSink, err := monitor.NewClickHouseSink(f.clickhouseClient)
		if err != nil {
			util.Warn("ClickHouse event archive unavailable", util.ErrorField(err))
		} else {
			sinks = append(sinks, chSink)
		}
	}
	if f.esClient != nil {
		sinks = append(sinks, monitor.NewESSink(f.config, f.esClient))
	}

	f.monitor = monitor.NewMonitor(f.config, f.bucketingManager, sinks...)
	f.sweeper = monitor.NewSweeper(f.config, f.ledgerStore, f.monitor)

	// The broadcaster is an external collaborator; none is wired by default
	// and intents confirm locally.
	f.tokenService = service.NewTokenService(f.vault, f.limiter, f.ledgerStore, f.monitor, nil)
	f.tokenHandler = handler.NewTokenHandler(f.tokenService)
	return nil
}

func (f *Factory) Config() *config.Config { return f.config }

func (f *Factory) TokenService() *service.TokenService { return f.tokenService }

func (f *Factory) TokenHandler() *handler.TokenHandler { return f.tokenHandler }

func (f *Factory) Sweeper() *monitor.Sweeper { return f.sweeper }

// Health implements handler.HealthChecker over the wired backends.
func (f *Factory) Health(r *http.Request) map[string]string {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := map[string]string{}
	report := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	report("ledger", f.ledgerStore.HealthCheck(ctx))
	report("vault", f.vault.HealthCheck(ctx))

	if f.redisClient != nil {
		report("redis", f.redisClient.HealthCheck(ctx))
	}
	if f.kafkaProducer != nil {
		report("kafka", f.kafkaProducer.HealthCheck(ctx))
	}
	if f.esClient != nil {
		report("elasticsearch", f.esClient.HealthCheck())
	}
	if f.clickhouseClient != nil {
		report("clickhouse", f.clickhouseClient.HealthCheck(ctx))
	}
	return checks
}

// Close shuts the dependency graph down in reverse construction order.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.postgresClient != nil {
			f.postgresClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}
