// Package wallet is the Postgres-backed Repository for custody records
// (spec §4.5). The reserved "issuer" identity never has a row here — it is
// a virtual wallet resolved on demand by the credential store.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/dbtx"
	"github.com/tokenforge/ledgerops/pkg/mpostgres"
)

// Repository provides operations against the wallets table.
//
//go:generate mockgen --destination=wallet.mock.go --package=wallet . Repository
type Repository interface {
	Create(ctx context.Context, address string) (*domain.Wallet, error)
	FindByID(ctx context.Context, identityID string) (*domain.Wallet, error)
	SaveSeed(ctx context.Context, identityID string, encrypted, nonce, authTag []byte) error
}

// PostgreSQLRepository is the Postgres implementation of Repository.
type PostgreSQLRepository struct {
	connection *mpostgres.Connection
}

// NewPostgreSQLRepository returns a new PostgreSQLRepository bound to conn.
func NewPostgreSQLRepository(conn *mpostgres.Connection) *PostgreSQLRepository {
	return &PostgreSQLRepository{connection: conn}
}

// Create inserts a new wallet row carrying only its address; seed material
// is attached afterward via SaveSeed once the credential store has
// encrypted it.
func (r *PostgreSQLRepository) Create(ctx context.Context, address string) (*domain.Wallet, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:        uuid.NewString(),
		Address:   address,
		CreatedAt: now,
		UpdatedAt: now,
	}

	exec := dbtx.GetExecutor(ctx, db)

	_, err = exec.ExecContext(ctx,
		`INSERT INTO wallets (id, address, encrypted_seed, nonce, auth_tag, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.Address, []byte{}, []byte{}, []byte{}, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// FindByID loads the wallet row for identityID. Returns (nil, nil) when not
// found; callers distinguish "not found" from "error".
func (r *PostgreSQLRepository) FindByID(ctx context.Context, identityID string) (*domain.Wallet, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query, args, err := squirrel.Select("id", "address", "encrypted_seed", "nonce", "auth_tag", "created_at", "updated_at").
		From("wallets").
		Where(squirrel.Eq{"id": identityID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	row := dbtx.GetExecutor(ctx, db).QueryRowContext(ctx, query, args...)

	w := &domain.Wallet{}

	err = row.Scan(&w.ID, &w.Address, &w.EncryptedSeed, &w.Nonce, &w.AuthTag, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return w, nil
}

// SaveSeed writes the encrypted seed, nonce and auth tag for identityID.
func (r *PostgreSQLRepository) SaveSeed(ctx context.Context, identityID string, encrypted, nonce, authTag []byte) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	exec := dbtx.GetExecutor(ctx, db)

	_, err = exec.ExecContext(ctx,
		`UPDATE wallets SET encrypted_seed = $1, nonce = $2, auth_tag = $3, updated_at = $4 WHERE id = $5`,
		encrypted, nonce, authTag, time.Now().UTC(), identityID,
	)

	return err
}
