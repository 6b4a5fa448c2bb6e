// Package bootstrap wires every adapter and service into a runnable
// process, in the teacher's InitServersWithOptions/Service/Server shape
// (components/crm/internal/bootstrap).
package bootstrap

import (
	"fmt"
	"time"

	"github.com/tokenforge/ledgerops/pkg/config"
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Config is the top-level configuration struct for the entire process,
// covering every variable spec §6 names plus the connection strings and
// tuning knobs SPEC_FULL.md §A adds for the stores and services it wires in.
type Config struct {
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:":8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	OtelServiceName string `env:"OTEL_RESOURCE_SERVICE_NAME" envDefault:"ledgerops"`

	DatabaseURL        string `env:"DATABASE_URL"`
	DatabaseReplicaURL string `env:"DATABASE_REPLICA_URL"`
	DatabaseName       string `env:"DATABASE_NAME" envDefault:"ledgerops"`
	MigrationsPath     string `env:"MIGRATIONS_PATH" envDefault:"migrations"`

	RedisURL string `env:"REDIS_URL"`

	MongoURL string `env:"MONGO_URL"`
	MongoDB  string `env:"MONGO_DATABASE" envDefault:"ledgerops"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"ledgerops.events"`

	LedgerWSURL     string `env:"LEDGER_WS_URL"`
	LedgerFaucetURL string `env:"LEDGER_FAUCET_URL"`
	LedgerNetwork   string `env:"LEDGER_NETWORK" envDefault:"testnet"`

	EncryptionMasterKey string        `env:"ENCRYPTION_MASTER_KEY"`
	IssuerSeed          string        `env:"ISSUER_SEED"`
	IssuerAddress       string        `env:"ISSUER_ADDRESS"`
	SecretCacheTTLMs    int64         `env:"SECRET_CACHE_TTL_MS" envDefault:"3600000"`
	SecretCacheTTL      time.Duration

	PollIntervalMs  int64 `env:"POLL_INTERVAL_MS" envDefault:"2000"`
	InlineTimeoutMs int64 `env:"INLINE_TIMEOUT_MS" envDefault:"15000"`

	PollerSweepIntervalMs int64 `env:"POLLER_SWEEP_INTERVAL_MS" envDefault:"30000"`
	PollerBatchSize       int64 `env:"POLLER_BATCH_SIZE" envDefault:"10"`
	PollerGiveUpAfterMs   int64 `env:"POLLER_GIVE_UP_AFTER_MS" envDefault:"0"`
}

// Options allows callers (notably tests) to inject a logger instead of
// building one from LogLevel.
type Options struct {
	Logger mlog.Logger
}

// loadConfig reads Config from the environment and validates the variables
// that have no safe default (spec §6's required set).
func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}

	if cfg.IssuerSeed == "" {
		return nil, fmt.Errorf("bootstrap: ISSUER_SEED is required")
	}

	if cfg.IssuerAddress == "" {
		return nil, fmt.Errorf("bootstrap: ISSUER_ADDRESS is required")
	}

	if cfg.EncryptionMasterKey == "" {
		return nil, fmt.Errorf("bootstrap: ENCRYPTION_MASTER_KEY is required")
	}

	if cfg.LedgerWSURL == "" {
		return nil, fmt.Errorf("bootstrap: LEDGER_WS_URL is required")
	}

	cfg.SecretCacheTTL = time.Duration(cfg.SecretCacheTTLMs) * time.Millisecond

	return cfg, nil
}
