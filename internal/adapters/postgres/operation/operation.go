// Package operation is the Postgres-backed durable store for operations and
// their steps (spec §4.5). The operation+steps insert and the idempotency
// check-then-insert (spec §4.4) share one transaction via pkg/dbtx.
package operation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/dbtx"
	"github.com/tokenforge/ledgerops/pkg/mpostgres"
)

// uniqueViolationCode is Postgres's SQLSTATE for a unique-constraint
// violation, used to detect the idempotency-key race of spec §4.4.
const uniqueViolationCode = "23505"

// Repository is the durable operations+steps store.
//
//go:generate mockgen --destination=operation.mock.go --package=operation . Repository
type Repository interface {
	// CreateWithSteps inserts op and its steps in one transaction.
	// ErrIdempotencyConflict is returned if idempotency_key already exists;
	// callers should then call FindByIdempotencyKey.
	CreateWithSteps(ctx context.Context, op *domain.Operation, steps []*domain.OperationStep) error
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error)
	FindByID(ctx context.Context, id string) (*domain.Operation, error)
	UpdateStatus(ctx context.Context, id string, status domain.OperationStatus, errCode, errMsg *string) error
	SetIssuanceID(ctx context.Context, id, issuanceID string) error

	LoadSteps(ctx context.Context, operationID string) ([]*domain.OperationStep, error)
	UpdateStep(ctx context.Context, step *domain.OperationStep) error

	// SweepPendingValidation returns up to limit steps awaiting validation
	// (spec §4.7, plus spec §9's SUBMITTED-with-tx_hash inclusion), ordered
	// by last_checked_at ascending with nulls first.
	SweepPendingValidation(ctx context.Context, limit int) ([]*domain.OperationStep, error)
}

// ErrIdempotencyConflict signals the unique-constraint-violation race of
// spec §4.4: another concurrent insert won.
var ErrIdempotencyConflict = errors.New("operation: idempotency key already exists")

// PostgreSQLRepository is the Postgres implementation of Repository.
type PostgreSQLRepository struct {
	connection *mpostgres.Connection
}

// NewPostgreSQLRepository returns a new PostgreSQLRepository bound to conn.
func NewPostgreSQLRepository(conn *mpostgres.Connection) *PostgreSQLRepository {
	return &PostgreSQLRepository{connection: conn}
}

func (r *PostgreSQLRepository) CreateWithSteps(ctx context.Context, op *domain.Operation, steps []*domain.OperationStep) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	sqlDB, ok := db.(interface {
		BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	})
	if !ok {
		return errors.New("operation: underlying pool does not support transactions")
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := dbtx.ContextWithTx(ctx, tx)

	if err := r.insertOperation(txCtx, db, op); err != nil {
		_ = tx.Rollback()

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrIdempotencyConflict
		}

		return err
	}

	for _, step := range steps {
		if err := r.insertStep(txCtx, db, step); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgreSQLRepository) insertOperation(ctx context.Context, db mpostgresExecutorSource, op *domain.Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now

	exec := dbtx.GetExecutor(ctx, db)

	_, err := exec.ExecContext(ctx,
		`INSERT INTO operations
		 (id, kind, idempotency_key, issuance_id, source_id, destination_id, amount, status, error_code, error_message, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		op.ID, string(op.Kind), op.IdempotencyKey, op.IssuanceID, op.SourceID, op.DestinationID,
		op.Amount.String(), string(op.Status), op.ErrorCode, op.ErrorMessage, op.CreatedAt, op.UpdatedAt,
	)

	return err
}

func (r *PostgreSQLRepository) insertStep(ctx context.Context, db mpostgresExecutorSource, step *domain.OperationStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	step.CreatedAt, step.UpdatedAt = now, now

	exec := dbtx.GetExecutor(ctx, db)

	_, err := exec.ExecContext(ctx,
		`INSERT INTO operation_steps
		 (id, operation_id, step_no, kind_tag, signer_id, ledger_tx_type, amount, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		step.ID, step.OperationID, step.StepNo, step.KindTag, step.SignerID, step.LedgerTxType,
		step.Amount.String(), string(step.Status), step.CreatedAt, step.UpdatedAt,
	)

	return err
}

func (r *PostgreSQLRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	return r.queryOneOperation(ctx, db, squirrel.Eq{"idempotency_key": key})
}

func (r *PostgreSQLRepository) FindByID(ctx context.Context, id string) (*domain.Operation, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	return r.queryOneOperation(ctx, db, squirrel.Eq{"id": id})
}

func (r *PostgreSQLRepository) queryOneOperation(ctx context.Context, db mpostgresExecutorSource, pred squirrel.Eq) (*domain.Operation, error) {
	query, args, err := squirrel.Select(
		"id", "kind", "idempotency_key", "issuance_id", "source_id", "destination_id",
		"amount", "status", "error_code", "error_message", "created_at", "updated_at",
	).From("operations").Where(pred).PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, err
	}

	row := dbtx.GetExecutor(ctx, db).QueryRowContext(ctx, query, args...)

	op := &domain.Operation{}

	var kind, status, amount string

	err = row.Scan(&op.ID, &kind, &op.IdempotencyKey, &op.IssuanceID, &op.SourceID, &op.DestinationID,
		&amount, &status, &op.ErrorCode, &op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	op.Kind = domain.OperationKind(kind)
	op.Status = domain.OperationStatus(status)
	op.Amount, err = decimal.NewFromString(amount)

	if err != nil {
		return nil, err
	}

	return op, nil
}

func (r *PostgreSQLRepository) UpdateStatus(ctx context.Context, id string, status domain.OperationStatus, errCode, errMsg *string) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	exec := dbtx.GetExecutor(ctx, db)

	_, err = exec.ExecContext(ctx,
		`UPDATE operations SET status = $1, error_code = $2, error_message = $3, updated_at = $4 WHERE id = $5`,
		string(status), errCode, errMsg, time.Now().UTC(), id,
	)

	return err
}

func (r *PostgreSQLRepository) SetIssuanceID(ctx context.Context, id, issuanceID string) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	exec := dbtx.GetExecutor(ctx, db)

	_, err = exec.ExecContext(ctx,
		`UPDATE operations SET issuance_id = $1, updated_at = $2 WHERE id = $3`,
		issuanceID, time.Now().UTC(), id,
	)

	return err
}

// LoadSteps returns every step of operationID, ordered by step_no.
func (r *PostgreSQLRepository) LoadSteps(ctx context.Context, operationID string) ([]*domain.OperationStep, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query, args, err := squirrel.Select(
		"id", "operation_id", "step_no", "kind_tag", "signer_id", "ledger_tx_type", "amount",
		"tx_hash", "submit_ack_blob", "validated_result", "status", "last_checked_at", "created_at", "updated_at",
	).From("operation_steps").Where(squirrel.Eq{"operation_id": operationID}).OrderBy("step_no ASC").
		PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := dbtx.GetExecutor(ctx, db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.OperationStep

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// UpdateStep persists step's mutable fields in full.
func (r *PostgreSQLRepository) UpdateStep(ctx context.Context, step *domain.OperationStep) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	step.UpdatedAt = time.Now().UTC()

	exec := dbtx.GetExecutor(ctx, db)

	_, err = exec.ExecContext(ctx,
		`UPDATE operation_steps
		 SET status = $1, tx_hash = $2, submit_ack_blob = $3, validated_result = $4,
		     last_checked_at = $5, updated_at = $6
		 WHERE id = $7`,
		string(step.Status), step.TxHash, step.SubmitAckBlob, step.ValidatedResult,
		step.LastCheckedAt, step.UpdatedAt, step.ID,
	)

	return err
}

// SweepPendingValidation returns up to limit steps still awaiting validation:
// PENDING_VALIDATION with a tx_hash (spec §4.7), plus SUBMITTED with a
// tx_hash already recorded (spec §9's crash-recovery reconciliation, when
// the process died between submit and the PENDING_VALIDATION write). Ordered
// by last_checked_at ascending, nulls first, so never-yet-polled steps are
// swept before ones already seen.
func (r *PostgreSQLRepository) SweepPendingValidation(ctx context.Context, limit int) ([]*domain.OperationStep, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, operation_id, step_no, kind_tag, signer_id, ledger_tx_type, amount,
		       tx_hash, submit_ack_blob, validated_result, status, last_checked_at, created_at, updated_at
		FROM operation_steps
		WHERE tx_hash IS NOT NULL AND status IN ($1, $2)
		ORDER BY last_checked_at ASC NULLS FIRST
		LIMIT $3`

	rows, err := dbtx.GetExecutor(ctx, db).QueryContext(ctx, query,
		string(domain.StepPendingValidation), string(domain.StepSubmitted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.OperationStep

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, rows.Err()
}

func scanStep(rows *sql.Rows) (*domain.OperationStep, error) {
	step := &domain.OperationStep{}

	var (
		status string
		amount string
	)

	if err := rows.Scan(&step.ID, &step.OperationID, &step.StepNo, &step.KindTag, &step.SignerID,
		&step.LedgerTxType, &amount, &step.TxHash, &step.SubmitAckBlob, &step.ValidatedResult,
		&status, &step.LastCheckedAt, &step.CreatedAt, &step.UpdatedAt); err != nil {
		return nil, err
	}

	step.Status = domain.StepStatus(status)

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}

	step.Amount = parsed

	return step, nil
}

// mpostgresExecutorSource is satisfied by dbresolver.DB; narrowed here so
// dbtx.GetExecutor can wrap it without importing dbresolver in this file's
// public surface.
type mpostgresExecutorSource = dbtx.Executor
