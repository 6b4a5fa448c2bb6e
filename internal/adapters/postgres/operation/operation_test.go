package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/ledgerops/internal/domain"
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

func burnFixture() (*domain.Operation, []*domain.OperationStep) {
	holder := "alice"
	issuer := domain.IssuerIdentityID
	issuance := "ISS1"

	op := &domain.Operation{
		Kind: domain.OperationBurn, IdempotencyKey: "idem1",
		IssuanceID: &issuance, SourceID: &issuer, DestinationID: &holder, Amount: decimal.NewFromInt(10),
		Status: domain.OperationPending,
	}

	steps := []*domain.OperationStep{
		{StepNo: 1, KindTag: domain.StepKindIssuerClawback, SignerID: &issuer, LedgerTxType: domain.LedgerTxClawback, Amount: op.Amount, Status: domain.StepPending},
	}

	return op, steps
}

func TestPostgreSQLRepository_CreateWithSteps_Success(t *testing.T) {
	repo, mock := newTestRepo(t)
	op, steps := burnFixture()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO operations`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO operation_steps`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.CreateWithSteps(context.Background(), op, steps)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_CreateWithSteps_IdempotencyConflict(t *testing.T) {
	repo, mock := newTestRepo(t)
	op, steps := burnFixture()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO operations`).WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})
	mock.ExpectRollback()

	err := repo.CreateWithSteps(context.Background(), op, steps)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_CreateWithSteps_OtherInsertErrorPropagates(t *testing.T) {
	repo, mock := newTestRepo(t)
	op, steps := burnFixture()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO operations`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.CreateWithSteps(context.Background(), op, steps)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdempotencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_FindByID_Found(t *testing.T) {
	repo, mock := newTestRepo(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "kind", "idempotency_key", "issuance_id", "source_id", "destination_id",
		"amount", "status", "error_code", "error_message", "created_at", "updated_at",
	}).AddRow("op1", "BURN", "idem1", "ISS1", "alice", nil, "10", "PENDING", nil, nil, now, now)

	mock.ExpectQuery(`SELECT (.+) FROM operations`).WithArgs("op1").WillReturnRows(rows)

	op, err := repo.FindByID(context.Background(), "op1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, domain.OperationBurn, op.Kind)
	assert.True(t, op.Amount.Equal(decimal.NewFromInt(10)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_FindByID_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`SELECT (.+) FROM operations`).WithArgs("ghost").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "kind", "idempotency_key", "issuance_id", "source_id", "destination_id",
			"amount", "status", "error_code", "error_message", "created_at", "updated_at",
		}))

	op, err := repo.FindByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_UpdateStatus(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`UPDATE operations SET status`).
		WithArgs("FAILED", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "op1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	errCode := "STEP_FAILED"
	errMsg := "step 1: ledger rejected the transaction"

	err := repo.UpdateStatus(context.Background(), "op1", domain.OperationFailed, &errCode, &errMsg)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_SetIssuanceID(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`UPDATE operations SET issuance_id`).
		WithArgs("000ABC", sqlmock.AnyArg(), "op1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetIssuanceID(context.Background(), "op1", "000ABC")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_LoadSteps(t *testing.T) {
	repo, mock := newTestRepo(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "operation_id", "step_no", "kind_tag", "signer_id", "ledger_tx_type", "amount",
		"tx_hash", "submit_ack_blob", "validated_result", "status", "last_checked_at", "created_at", "updated_at",
	}).AddRow("step1", "op1", 1, "issuer_clawback", "alice", "clawback", "10", nil, nil, nil, "PENDING", nil, now, now)

	mock.ExpectQuery(`SELECT (.+) FROM operation_steps WHERE operation_id`).WithArgs("op1").WillReturnRows(rows)

	steps, err := repo.LoadSteps(context.Background(), "op1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].StepNo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_UpdateStep(t *testing.T) {
	repo, mock := newTestRepo(t)

	hash := "HASH1"
	step := &domain.OperationStep{ID: "step1", OperationID: "op1", StepNo: 1, Status: domain.StepSubmitted, TxHash: &hash, Amount: decimal.NewFromInt(10)}

	mock.ExpectExec(`UPDATE operation_steps`).
		WithArgs("SUBMITTED", &hash, []byte(nil), []byte(nil), sqlmock.AnyArg(), sqlmock.AnyArg(), "step1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStep(context.Background(), step)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRepository_SweepPendingValidation(t *testing.T) {
	repo, mock := newTestRepo(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "operation_id", "step_no", "kind_tag", "signer_id", "ledger_tx_type", "amount",
		"tx_hash", "submit_ack_blob", "validated_result", "status", "last_checked_at", "created_at", "updated_at",
	}).AddRow("step1", "op1", 1, "issuer_clawback", "alice", "clawback", "10", "HASH1", nil, nil, "PENDING_VALIDATION", nil, now, now)

	mock.ExpectQuery(`SELECT (.+) FROM operation_steps`).
		WithArgs(string(domain.StepPendingValidation), string(domain.StepSubmitted), 10).
		WillReturnRows(rows)

	steps, err := repo.SweepPendingValidation(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "HASH1", *steps[0].TxHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
