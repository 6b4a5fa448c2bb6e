// Package mmigration wraps golang-migrate with the operational safety net a
// shared Postgres cluster needs: a preflight dirty-state check, a
// cross-process advisory lock so two replicas never race a migration
// concurrently, and bounded automatic recovery from a dirty migration left
// behind by a crashed prior attempt.
package mmigration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/tokenforge/ledgerops/pkg/mlog"
)

var (
	ErrMigrationDirty                = errors.New("mmigration: schema is dirty")
	ErrMigrationLockFailed           = errors.New("mmigration: failed to acquire advisory lock")
	ErrMigrationRecoveryFailed       = errors.New("mmigration: automatic recovery disabled or failed")
	ErrMaxRecoveryPerVersionExceeded = errors.New("mmigration: max recovery attempts exceeded for this version")
	ErrMigrationFileNotFound         = errors.New("mmigration: migration file not found for dirty version")
	ErrMaxRetriesExceeded            = errors.New("mmigration: max retries exceeded")
)

// MigrationConfig configures a MigrationWrapper.
type MigrationConfig struct {
	Component             string // e.g. "ledgerops" — namespaces the advisory lock key
	MigrationsPath        string
	AutoRecoverDirty      bool
	MaxRecoveryPerVersion int
	MaxRetries            int
	RetryBackoff          time.Duration
	MaxBackoff            time.Duration
	LockTimeout           time.Duration
}

// DefaultConfig returns sane defaults; callers still must set Component and
// MigrationsPath.
func DefaultConfig() MigrationConfig {
	return MigrationConfig{
		MaxRecoveryPerVersion: 3,
		MaxRetries:            3,
		RetryBackoff:          time.Second,
		MaxBackoff:            30 * time.Second,
		LockTimeout:           5 * time.Second,
	}
}

// MigrationStatus is the last-observed state of the schema_migrations table.
type MigrationStatus struct {
	Version          int
	Dirty            bool
	LastChecked      time.Time
	RecoveryAttempts int
	LastError        error
}

// HealthStatus is the minimal external health response.
type HealthStatus struct {
	Healthy bool `json:"healthy"`
}

// MigrationWrapper guards a migration run with an advisory lock and dirty
// recovery.
type MigrationWrapper struct {
	config                     MigrationConfig
	logger                     mlog.Logger
	recoveryAttemptsPerVersion map[int]int
	status                     MigrationStatus
}

// NewMigrationWrapper validates config and returns a MigrationWrapper. db is
// accepted for parity with callers that probe connectivity eagerly but is
// not retained; every method takes its own *sql.DB so callers can rotate
// connections freely.
func NewMigrationWrapper(_ *sql.DB, config MigrationConfig, logger mlog.Logger) (*MigrationWrapper, error) {
	if config.MigrationsPath == "" {
		return nil, fmt.Errorf("mmigration: MigrationsPath is required (see DefaultConfig())")
	}

	if config.Component == "" {
		return nil, fmt.Errorf("mmigration: Component is required (see DefaultConfig())")
	}

	if config.MaxRecoveryPerVersion <= 0 {
		config.MaxRecoveryPerVersion = 3
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.LockTimeout <= 0 {
		config.LockTimeout = 5 * time.Second
	}

	return &MigrationWrapper{
		config:                     config,
		logger:                     logger,
		recoveryAttemptsPerVersion: make(map[int]int),
		status:                     MigrationStatus{LastChecked: time.Now()},
	}, nil
}

// advisoryLockKey derives a stable int64 advisory-lock key from Component so
// distinct components never contend with each other's lock.
func (w *MigrationWrapper) advisoryLockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("ledgerops:migration:" + w.config.Component))

	return int64(h.Sum64()) //nolint:gosec // deterministic bucketing, not security-sensitive
}

// PreflightCheck reads schema_migrations. A fresh database (no table, or
// ErrNoRows) is reported as version 0, clean.
func (w *MigrationWrapper) PreflightCheck(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
	var version int

	var dirty bool

	row := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1")

	err := row.Scan(&version, &dirty)

	switch {
	case err == nil:
		w.status = MigrationStatus{Version: version, Dirty: dirty, LastChecked: time.Now()}
		if dirty {
			return w.status, ErrMigrationDirty
		}

		return w.status, nil
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "does not exist"):
		w.status = MigrationStatus{Version: 0, Dirty: false, LastChecked: time.Now()}
		return w.status, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return w.status, err
	default:
		return w.status, fmt.Errorf("mmigration: failed to query schema_migrations: %w", err)
	}
}

// AcquireAdvisoryLock blocks (polling every 200ms) until it holds the
// component's advisory lock or LockTimeout elapses.
func (w *MigrationWrapper) AcquireAdvisoryLock(ctx context.Context, db *sql.DB) error {
	deadline := time.Now().Add(w.config.LockTimeout)
	key := w.advisoryLockKey()

	for {
		var acquired bool

		err := db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
		if err != nil {
			return fmt.Errorf("mmigration: advisory lock query failed: %w", err)
		}

		if acquired {
			return nil
		}

		if time.Now().After(deadline) {
			w.logStaleLockHolder(ctx, db, key)
			return fmt.Errorf("%w: timeout after %s", ErrMigrationLockFailed, w.config.LockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (w *MigrationWrapper) logStaleLockHolder(ctx context.Context, db *sql.DB, key int64) {
	var pid int

	var usename, appName string

	var backendStart time.Time

	row := db.QueryRowContext(ctx,
		`SELECT pid, usename, application_name, backend_start FROM pg_stat_activity WHERE pid = (
			SELECT pid FROM pg_locks WHERE locktype = 'advisory' AND objid = $1 LIMIT 1
		)`, key)

	if err := row.Scan(&pid, &usename, &appName, &backendStart); err == nil {
		w.logger.Warnf("mmigration: advisory lock %d held by pid=%d user=%s app=%s since=%s", key, pid, usename, appName, backendStart)
	}
}

// ReleaseAdvisoryLock releases the component's advisory lock.
func (w *MigrationWrapper) ReleaseAdvisoryLock(ctx context.Context, db *sql.DB) error {
	var released bool

	err := db.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", w.advisoryLockKey()).Scan(&released)
	if err != nil {
		return fmt.Errorf("mmigration: advisory unlock failed: %w", err)
	}

	return nil
}

// recoverDirtyMigration clears the dirty flag left by a crashed migration
// run, without ever touching the version itself, provided AutoRecoverDirty
// is set, a migration file exists for version, and this version hasn't
// already exhausted MaxRecoveryPerVersion.
func (w *MigrationWrapper) recoverDirtyMigration(ctx context.Context, db *sql.DB, version int) error {
	if !w.config.AutoRecoverDirty {
		return ErrMigrationRecoveryFailed
	}

	if w.recoveryAttemptsPerVersion[version] >= w.config.MaxRecoveryPerVersion {
		return ErrMaxRecoveryPerVersionExceeded
	}

	if !migrationFileExists(w.config.MigrationsPath, version) {
		return ErrMigrationFileNotFound
	}

	w.recoveryAttemptsPerVersion[version]++

	result, err := db.ExecContext(ctx, "UPDATE schema_migrations SET dirty = false WHERE version = $1", version)
	if err != nil {
		return fmt.Errorf("mmigration: clear dirty flag: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		w.logger.Warnf("mmigration: recovery update affected 0 rows for version %d (already clean?)", version)
	}

	return nil
}

func migrationFileExists(dir string, version int) bool {
	matches, err := globMigrationFiles(dir, version)
	return err == nil && len(matches) > 0
}

func (w *MigrationWrapper) calculateBackoff(attempt int) time.Duration {
	backoff := w.config.RetryBackoff

	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= w.config.MaxBackoff {
			return w.config.MaxBackoff
		}
	}

	return backoff
}

func (w *MigrationWrapper) shouldRetry(attempt int) bool {
	return attempt < w.config.MaxRetries
}

func (w *MigrationWrapper) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMigrationDirty) || errors.Is(err, ErrMigrationLockFailed) {
		return true
	}

	return false
}

// SafeGetDB runs the full guarded sequence — acquire lock, preflight,
// recover-if-dirty-and-configured, release lock — retrying transient
// failures with exponential backoff. It does not itself invoke
// golang-migrate's Up/Down; callers run those only after SafeGetDB returns
// nil, guaranteeing the schema was clean (or just cleaned) under lock.
func (w *MigrationWrapper) SafeGetDB(ctx context.Context, db *sql.DB) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = w.attemptOnce(ctx, db)
		if lastErr == nil {
			return nil
		}

		if !w.isRetryableError(lastErr) || !w.shouldRetry(attempt) {
			w.status.LastError = lastErr
			return lastErr
		}

		w.logger.Warnf("mmigration: attempt %d failed (%v), retrying after backoff", attempt, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.calculateBackoff(attempt)):
		}
	}
}

func (w *MigrationWrapper) attemptOnce(ctx context.Context, db *sql.DB) error {
	if err := w.AcquireAdvisoryLock(ctx, db); err != nil {
		return err
	}
	defer func() { _ = w.ReleaseAdvisoryLock(ctx, db) }()

	status, err := w.PreflightCheck(ctx, db)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrMigrationDirty) {
		return err
	}

	return w.recoverDirtyMigration(ctx, db, status.Version)
}

// GetHealthStatus reports the last-observed preflight status.
func (w *MigrationWrapper) GetHealthStatus() HealthStatus {
	return HealthStatus{Healthy: w.IsHealthy()}
}

// IsHealthy reports whether the last preflight was clean and error-free.
func (w *MigrationWrapper) IsHealthy() bool {
	return !w.status.Dirty && w.status.LastError == nil
}

// FiberReadinessCheck adapts a MigrationWrapper to fiber's /readyz pattern.
func FiberReadinessCheck(w *MigrationWrapper) bool {
	return w.IsHealthy()
}
