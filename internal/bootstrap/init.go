package bootstrap

import (
	"fmt"
	"time"

	"github.com/tokenforge/ledgerops/internal/adapters/credential"
	"github.com/tokenforge/ledgerops/internal/adapters/eventpublisher"
	"github.com/tokenforge/ledgerops/internal/adapters/http/in"
	"github.com/tokenforge/ledgerops/internal/adapters/ledgerclient"
	"github.com/tokenforge/ledgerops/internal/adapters/metadata"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/wallet"
	"github.com/tokenforge/ledgerops/internal/adapters/statuscache"
	"github.com/tokenforge/ledgerops/internal/services/executor"
	"github.com/tokenforge/ledgerops/internal/services/intake"
	"github.com/tokenforge/ledgerops/internal/services/poller"
	"github.com/tokenforge/ledgerops/internal/services/serializer"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mmongo"
	"github.com/tokenforge/ledgerops/pkg/mpostgres"
	"github.com/tokenforge/ledgerops/pkg/mrabbitmq"
	"github.com/tokenforge/ledgerops/pkg/mredis"
)

// InitServers is the zero-option entrypoint main.go calls.
func InitServers() (*Service, error) {
	return InitServersWithOptions(nil)
}

// InitServersWithOptions builds every adapter and service named by
// SPEC_FULL.md and wires them into a runnable Service, in the teacher's
// InitServersWithOptions idiom (components/crm/internal/bootstrap/config.go).
func InitServersWithOptions(opts *Options) (*Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	var logger mlog.Logger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	} else {
		built, err := mlog.New(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: init logger: %w", err)
		}

		logger = built
	}

	pg := &mpostgres.Connection{
		ConnectionStringPrimary: cfg.DatabaseURL,
		ConnectionStringReplica: cfg.DatabaseReplicaURL,
		DatabaseName:            cfg.DatabaseName,
		MigrationsPath:          cfg.MigrationsPath,
		Logger:                  logger,
	}

	if err := pg.Connect(); err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}

	redisConn := &mredis.Connection{ConnectionStringSource: cfg.RedisURL, Logger: logger}

	mongoConn := &mmongo.Connection{
		ConnectionStringSource: cfg.MongoURL,
		Database:               cfg.MongoDB,
		Logger:                 logger,
	}

	rabbit := &mrabbitmq.Connection{
		ConnectionStringSource: cfg.RabbitMQURL,
		Exchange:               cfg.RabbitMQExchange,
		Logger:                 logger,
	}

	if err := rabbit.Connect(); err != nil {
		return nil, fmt.Errorf("bootstrap: connect rabbitmq: %w", err)
	}

	walletRepo := wallet.NewPostgreSQLRepository(pg)
	operationRepo := operation.NewPostgreSQLRepository(pg)
	metadataRepo := metadata.New(mongoConn)
	cache := statuscache.New(redisConn, logger)
	events := eventpublisher.New(rabbit, logger)

	credentials, err := credential.New(walletRepo, credential.Config{
		MasterKeyHex:  cfg.EncryptionMasterKey,
		IssuerSeed:    cfg.IssuerSeed,
		IssuerAddress: cfg.IssuerAddress,
		CacheTTL:      cfg.SecretCacheTTL,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init credential store: %w", err)
	}

	adapter := ledgerclient.New(ledgerclient.Config{
		Endpoint:  cfg.LedgerWSURL,
		FaucetURL: cfg.LedgerFaucetURL,
		Network:   cfg.LedgerNetwork,
		Logger:    logger,
	})

	ser := serializer.New()

	exec := executor.New(operationRepo, credentials, ser, adapter, events, cache, executor.Config{
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		InlineTimeout: time.Duration(cfg.InlineTimeoutMs) * time.Millisecond,
		Logger:        logger,
	})

	sweeper := poller.New(operationRepo, adapter, events, cache, poller.Config{
		SweepInterval: time.Duration(cfg.PollerSweepIntervalMs) * time.Millisecond,
		BatchSize:     int(cfg.PollerBatchSize),
		GiveUpAfter:   time.Duration(cfg.PollerGiveUpAfterMs) * time.Millisecond,
		Logger:        logger,
	})

	intakeSvc := intake.New(operationRepo, metadataRepo, events, exec, logger)

	opsHandler := &in.OperationHandler{Intake: intakeSvc, Ops: operationRepo, Cache: cache, Logger: logger}
	walletsHandler := &in.WalletHandler{Wallets: walletRepo, Credential: credentials, Adapter: adapter, Logger: logger}

	httpApp := in.NewRouter(logger, opsHandler, walletsHandler)
	serverAPI := NewServer(cfg, httpApp, adapter, sweeper, logger)

	return &Service{Server: serverAPI, Logger: logger}, nil
}
