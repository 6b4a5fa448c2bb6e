// Package intake is the intent front-door (spec §4.8): validates inbound
// MINT/TRANSFER/BURN requests, resolves idempotent replays, materializes
// the operation and its steps atomically, and spawns the step executor
// asynchronously.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokenforge/ledgerops/internal/adapters/eventpublisher"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
)

// Spawner runs an accepted operation to completion asynchronously.
type Spawner interface {
	Run(ctx context.Context, operationID string)
}

// MetadataStore is the subset of metadata.Repository the intake front-door
// depends on, narrowed so tests can fake it without a live Mongo.
type MetadataStore interface {
	Create(ctx context.Context, operationID string, data map[string]any) error
}

// EventPublisher is the subset of eventpublisher.Publisher the intake
// front-door depends on, narrowed so tests can fake it without a live
// RabbitMQ.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event eventpublisher.Event)
}

// Intake is the intent front-door.
type Intake struct {
	ops    operation.Repository
	meta   MetadataStore
	events EventPublisher
	exec   Spawner
	logger mlog.Logger
}

// New returns an Intake wired to its collaborators.
func New(ops operation.Repository, meta MetadataStore, events EventPublisher, exec Spawner, logger mlog.Logger) *Intake {
	return &Intake{ops: ops, meta: meta, events: events, exec: exec, logger: logger}
}

// mintDeprecatedFields are the MPT-era inputs the spec retires (spec §4.8):
// assetScale, maximumAmount and transferFee are now fixed internally, and
// the issuer is resolved from process configuration rather than supplied
// per-request.
var mintDeprecatedFields = []string{"issuerWalletId", "assetScale", "maximumAmount", "transferFee"}

// Mint validates and materializes a MINT intent (spec §4.8, §4.9).
func (i *Intake) Mint(ctx context.Context, raw map[string]any) (*domain.Operation, []*domain.OperationStep, error) {
	ctx, span := mopentelemetry.Tracer("intake").Start(ctx, "intake.mint")
	defer span.End()

	if err := rejectDeprecated(raw, mintDeprecatedFields); err != nil {
		return nil, nil, err
	}

	key, err := requireString(raw, "idempotencyKey")
	if err != nil {
		return nil, nil, err
	}

	destination, err := requireString(raw, "userWalletId")
	if err != nil {
		return nil, nil, err
	}

	amount, err := requireAmount(raw, "amount")
	if err != nil {
		return nil, nil, err
	}

	op := &domain.Operation{
		Kind:           domain.OperationMint,
		IdempotencyKey: key,
		DestinationID:  &destination,
		Amount:         amount,
		Status:         domain.OperationPending,
		Metadata:       optionalMetadata(raw),
	}

	issuer := domain.IssuerIdentityID

	steps := []*domain.OperationStep{
		{StepNo: 1, KindTag: domain.StepKindIssuerMint, SignerID: &issuer, LedgerTxType: domain.LedgerTxCreateIssuance, Amount: amount, Status: domain.StepPending},
		{StepNo: 2, KindTag: domain.StepKindUserAuthorize, SignerID: &destination, LedgerTxType: domain.LedgerTxAuthorizeToken, Amount: amount, Status: domain.StepPending},
		{StepNo: 3, KindTag: domain.StepKindIssuerTransfer, SignerID: &issuer, LedgerTxType: domain.LedgerTxPayment, Amount: amount, Status: domain.StepPending},
	}

	return i.submit(ctx, op, steps)
}

// Transfer validates and materializes a TRANSFER intent (spec §4.8, §4.9).
func (i *Intake) Transfer(ctx context.Context, raw map[string]any) (*domain.Operation, []*domain.OperationStep, error) {
	ctx, span := mopentelemetry.Tracer("intake").Start(ctx, "intake.transfer")
	defer span.End()

	key, err := requireString(raw, "idempotencyKey")
	if err != nil {
		return nil, nil, err
	}

	source, err := requireString(raw, "sourceWalletId")
	if err != nil {
		return nil, nil, err
	}

	destination, err := requireString(raw, "destinationWalletId")
	if err != nil {
		return nil, nil, err
	}

	issuanceID, err := requireString(raw, "issuanceId")
	if err != nil {
		return nil, nil, err
	}

	amount, err := requireAmount(raw, "amount")
	if err != nil {
		return nil, nil, err
	}

	op := &domain.Operation{
		Kind:           domain.OperationTransfer,
		IdempotencyKey: key,
		IssuanceID:     &issuanceID,
		SourceID:       &source,
		DestinationID:  &destination,
		Amount:         amount,
		Status:         domain.OperationPending,
		Metadata:       optionalMetadata(raw),
	}

	steps := []*domain.OperationStep{
		{StepNo: 1, KindTag: domain.StepKindReceiverAuthorize, SignerID: &destination, LedgerTxType: domain.LedgerTxAuthorizeToken, Amount: amount, Status: domain.StepPending},
		{StepNo: 2, KindTag: domain.StepKindSenderTransfer, SignerID: &source, LedgerTxType: domain.LedgerTxPayment, Amount: amount, Status: domain.StepPending},
	}

	return i.submit(ctx, op, steps)
}

// Burn validates and materializes a BURN intent (spec §4.8, §4.9).
func (i *Intake) Burn(ctx context.Context, raw map[string]any) (*domain.Operation, []*domain.OperationStep, error) {
	ctx, span := mopentelemetry.Tracer("intake").Start(ctx, "intake.burn")
	defer span.End()

	key, err := requireString(raw, "idempotencyKey")
	if err != nil {
		return nil, nil, err
	}

	holder, err := requireString(raw, "holderWalletId")
	if err != nil {
		return nil, nil, err
	}

	issuanceID, err := requireString(raw, "issuanceId")
	if err != nil {
		return nil, nil, err
	}

	amount, err := requireAmount(raw, "amount")
	if err != nil {
		return nil, nil, err
	}

	// issuerWalletId is accepted for API compatibility but always the
	// reserved issuer identity (spec §4.8).
	issuer := domain.IssuerIdentityID

	op := &domain.Operation{
		Kind:           domain.OperationBurn,
		IdempotencyKey: key,
		IssuanceID:     &issuanceID,
		SourceID:       &issuer,
		DestinationID:  &holder,
		Amount:         amount,
		Status:         domain.OperationPending,
		Metadata:       optionalMetadata(raw),
	}

	steps := []*domain.OperationStep{
		{StepNo: 1, KindTag: domain.StepKindIssuerClawback, SignerID: &issuer, LedgerTxType: domain.LedgerTxClawback, Amount: amount, Status: domain.StepPending},
	}

	return i.submit(ctx, op, steps)
}

// submit is the shared tail of every intent path: consult the idempotency
// index, insert atomically (handling the loser-becomes-reader race of spec
// §4.4), persist metadata, and spawn the executor.
func (i *Intake) submit(ctx context.Context, op *domain.Operation, steps []*domain.OperationStep) (*domain.Operation, []*domain.OperationStep, error) {
	existing, err := i.ops.FindByIdempotencyKey(ctx, op.IdempotencyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("intake: check idempotency: %w", err)
	}

	if existing != nil {
		existingSteps, err := i.ops.LoadSteps(ctx, existing.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("intake: load existing steps: %w", err)
		}

		return existing, existingSteps, constant.IdempotentReplayError{OperationID: existing.ID, Status: string(existing.Status)}
	}

	op.ID = uuid.NewString()
	for _, s := range steps {
		s.OperationID = op.ID
	}

	if err := i.ops.CreateWithSteps(ctx, op, steps); err != nil {
		if errors.Is(err, operation.ErrIdempotencyConflict) {
			winner, findErr := i.ops.FindByIdempotencyKey(ctx, op.IdempotencyKey)
			if findErr != nil {
				return nil, nil, fmt.Errorf("intake: resolve conflicting insert: %w", findErr)
			}

			if winner == nil {
				return nil, nil, fmt.Errorf("intake: idempotency conflict but no winner found")
			}

			winnerSteps, stepErr := i.ops.LoadSteps(ctx, winner.ID)
			if stepErr != nil {
				return nil, nil, fmt.Errorf("intake: load winner steps: %w", stepErr)
			}

			return winner, winnerSteps, constant.IdempotentReplayError{OperationID: winner.ID, Status: string(winner.Status)}
		}

		return nil, nil, fmt.Errorf("intake: create operation: %w", err)
	}

	if len(op.Metadata) > 0 {
		if err := i.meta.Create(ctx, op.ID, op.Metadata); err != nil {
			i.logger.Warnf("intake: store metadata for %s: %v", op.ID, err)
		}
	}

	i.events.Publish(ctx, eventpublisher.RoutingOperationCreated, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status), OccurredAt: time.Now(),
	})

	go i.exec.Run(context.Background(), op.ID)

	return op, steps, nil
}

func requireString(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", constant.InvalidArgumentError{Code: "MISSING_FIELD", Title: "Missing Required Field", Message: fmt.Sprintf("%s is required", key)}
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", constant.InvalidArgumentError{Code: "MISSING_FIELD", Title: "Missing Required Field", Message: fmt.Sprintf("%s is required", key)}
	}

	return s, nil
}

func requireAmount(raw map[string]any, key string) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok {
		return decimal.Zero, constant.InvalidArgumentError{Code: "MISSING_FIELD", Title: "Missing Required Field", Message: fmt.Sprintf("%s is required", key)}
	}

	s, ok := v.(string)
	if !ok {
		return decimal.Zero, constant.InvalidArgumentError{Code: "INVALID_FIELD", Title: "Invalid Field", Message: fmt.Sprintf("%s must be a decimal string", key)}
	}

	amount, err := decimal.NewFromString(s)
	if err != nil || amount.IsNegative() || amount.IsZero() {
		return decimal.Zero, constant.InvalidArgumentError{Code: "INVALID_FIELD", Title: "Invalid Field", Message: fmt.Sprintf("%s must be a positive decimal", key)}
	}

	if !amount.Truncate(0).Equal(amount) {
		return decimal.Zero, constant.InvalidArgumentError{Code: "INVALID_FIELD", Title: "Invalid Field", Message: fmt.Sprintf("%s must be a whole number, asset scale is fixed at 0", key)}
	}

	return amount, nil
}

func optionalMetadata(raw map[string]any) map[string]any {
	v, ok := raw["metadata"]
	if !ok {
		return nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	return m
}

func rejectDeprecated(raw map[string]any, fields []string) error {
	for _, f := range fields {
		if _, ok := raw[f]; ok {
			return constant.InvalidArgumentError{
				Code: "DEPRECATED_FIELD", Title: "Deprecated Field",
				Message: fmt.Sprintf("%s is deprecated and no longer accepted", f),
			}
		}
	}

	return nil
}
