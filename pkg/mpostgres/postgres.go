package mpostgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mmigration"
)

// Connection is a hub which deals with primary/replica Postgres connections
// and runs forward-only migrations on connect.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	MigrationsPath          string
	Logger                  mlog.Logger

	db        dbresolver.DB
	connected bool
}

// Connect opens the primary (and, if configured, replica) pool and runs
// pending migrations against the primary.
func (c *Connection) Connect() error {
	c.Logger.Info("connecting to postgres...")

	primary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("open primary: %w", err)
	}

	opts := []dbresolver.OptionFunc{dbresolver.WithPrimaryDBs(primary)}

	if c.ConnectionStringReplica != "" {
		replica, err := sql.Open("pgx", c.ConnectionStringReplica)
		if err != nil {
			return fmt.Errorf("open replica: %w", err)
		}

		opts = append(opts, dbresolver.WithReplicaDBs(replica), dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB))
	}

	c.db = dbresolver.New(opts...)

	if c.MigrationsPath != "" {
		if err := c.migrate(primary); err != nil {
			return err
		}
	}

	if err := c.db.Ping(); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	c.connected = true

	c.Logger.Info("connected to postgres")

	return nil
}

func (c *Connection) migrate(primary *sql.DB) error {
	abs, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("resolve migrations path: %w", err)
	}

	guardCfg := mmigration.DefaultConfig()
	guardCfg.Component = c.DatabaseName
	guardCfg.MigrationsPath = abs
	guardCfg.AutoRecoverDirty = true

	guard, err := mmigration.NewMigrationWrapper(primary, guardCfg, c.Logger)
	if err != nil {
		return fmt.Errorf("migration guard: %w", err)
	}

	if err := guard.SafeGetDB(context.Background(), primary); err != nil {
		return fmt.Errorf("migration preflight: %w", err)
	}

	driver, err := postgres.WithInstance(primary, &postgres.Config{
		MultiStatementEnabled: true,
		DatabaseName:          c.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, c.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// WithDB wraps an already-open resolver pool in a connected Connection,
// bypassing Connect/migrations. Used to inject a sqlmock-backed pool in
// repository tests.
func WithDB(db dbresolver.DB) *Connection {
	return &Connection{db: db, connected: true}
}

// GetDB returns the resolver-backed pool, connecting lazily if needed.
func (c *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	if !c.connected {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	return c.db, nil
}
