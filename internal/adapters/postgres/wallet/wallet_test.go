package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/ledgerops/pkg/mpostgres"
)

func newTestRepo(t *testing.T) (*PostgreSQLRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := dbresolver.New(dbresolver.WithPrimaryDBs(db))
	conn := mpostgres.WithDB(resolver)

	return NewPostgreSQLRepository(conn), mock
}

func TestPostgreSQLRepository_Create(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(sqlmock.AnyArg(), "rAlice", []byte{}, []byte{}, []byte{}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w, err := repo.Create(context.Background(), "rAlice")
	require.NoError(t, err)
	assert.Equal(t, "rAlice", w.Address)
	assert.NotEmpty(t, w.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_FindByID_Found(t *testing.T) {
	repo, mock := newTestRepo(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "address", "encrypted_seed", "nonce", "auth_tag", "created_at", "updated_at"}).
		AddRow("alice", "rAlice", []byte("ct"), []byte("nonce"), []byte("tag"), now, now)

	mock.ExpectQuery(`SELECT (.+) FROM wallets`).WithArgs("alice").WillReturnRows(rows)

	w, err := repo.FindByID(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "rAlice", w.Address)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_FindByID_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`SELECT (.+) FROM wallets`).WithArgs("ghost").WillReturnRows(
		sqlmock.NewRows([]string{"id", "address", "encrypted_seed", "nonce", "auth_tag", "created_at", "updated_at"}))

	w, err := repo.FindByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_SaveSeed(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`UPDATE wallets SET encrypted_seed`).
		WithArgs([]byte("ct"), []byte("nonce"), []byte("tag"), sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveSeed(context.Background(), "alice", []byte("ct"), []byte("nonce"), []byte("tag"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
