// Package executor drives one operation through its steps to a terminal
// status (spec §4.6): submit each step's ledger transaction in order, wait
// inline for validation, and escalate to the background poller when the
// inline budget runs out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenforge/ledgerops/internal/adapters/eventpublisher"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/internal/services/serializer"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
	"github.com/tokenforge/ledgerops/pkg/mpack"
)

// CredentialStore is the subset of credential.Store the executor depends on.
type CredentialStore interface {
	FetchSeed(ctx context.Context, identityID string) (string, error)
	ResolveAddress(ctx context.Context, identityID string) (string, error)
}

// EventPublisher is the subset of eventpublisher.Publisher the executor
// depends on, narrowed so tests can fake it without a live RabbitMQ.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event eventpublisher.Event)
}

// StatusCache is the subset of statuscache.Cache the executor depends on.
type StatusCache interface {
	Invalidate(ctx context.Context, operationID string)
	PublishTerminal(ctx context.Context, op *domain.Operation)
}

// Config configures an Executor.
type Config struct {
	PollInterval  time.Duration // default 2s
	InlineTimeout time.Duration // default 15s
	Logger        mlog.Logger
}

// Executor drives operations to completion (spec §4.6).
type Executor struct {
	ops          operation.Repository
	credentials  CredentialStore
	serializer   *serializer.Serializer
	adapter      domain.Adapter
	events       EventPublisher
	cache        StatusCache
	logger       mlog.Logger
	pollInterval time.Duration
	inlineBudget time.Duration
}

// New returns an Executor wired to its collaborators.
func New(ops operation.Repository, credentials CredentialStore, ser *serializer.Serializer, adapter domain.Adapter, events EventPublisher, cache StatusCache, cfg Config) *Executor {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	budget := cfg.InlineTimeout
	if budget <= 0 {
		budget = 15 * time.Second
	}

	return &Executor{
		ops: ops, credentials: credentials, serializer: ser, adapter: adapter,
		events: events, cache: cache, logger: cfg.Logger,
		pollInterval: poll, inlineBudget: budget,
	}
}

// Run drives operationID to a terminal status. Intended to be spawned
// asynchronously by the intent front-door (spec §4.8 step 4); it owns the
// operation from here regardless of the HTTP request's lifetime (spec §5).
func (e *Executor) Run(ctx context.Context, operationID string) {
	ctx, span := mopentelemetry.Tracer("executor").Start(ctx, "executor.run")
	defer span.End()

	if err := e.run(ctx, operationID); err != nil {
		e.logger.Errorf("executor: operation %s: %v", operationID, err)
		mopentelemetry.HandleSpanError(&span, "run operation", err)
	}
}

func (e *Executor) run(ctx context.Context, operationID string) error {
	op, err := e.ops.FindByID(ctx, operationID)
	if err != nil {
		return fmt.Errorf("load operation: %w", err)
	}

	if op == nil {
		return fmt.Errorf("operation %s not found", operationID)
	}

	if op.Status == domain.OperationPending {
		if err := e.ops.UpdateStatus(ctx, op.ID, domain.OperationInProgress, nil, nil); err != nil {
			return fmt.Errorf("mark in_progress: %w", err)
		}

		op.Status = domain.OperationInProgress
	}

	steps, err := e.ops.LoadSteps(ctx, op.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	for _, step := range steps {
		if step.Status == domain.StepValidatedSuccess {
			continue
		}

		if err := e.runStep(ctx, op, step); err != nil {
			e.logger.Warnf("executor: operation %s step %d: %v", op.ID, step.StepNo, err)
		}

		step, err = e.reloadStep(ctx, op.ID, step.StepNo)
		if err != nil {
			return fmt.Errorf("reload step %d: %w", step.StepNo, err)
		}

		if step.Status == domain.StepValidatedFailed || step.Status == domain.StepTimeout {
			return e.fail(ctx, op, step.StepNo, failureReason(step))
		}

		if step.Status != domain.StepValidatedSuccess {
			// inline budget ran out with the step still in flight
			// (SUBMITTED/PENDING_VALIDATION): leave the operation
			// IN_PROGRESS for the poller to finish (spec §4.6.1).
			return nil
		}
	}

	return e.succeed(ctx, op)
}

func (e *Executor) reloadStep(ctx context.Context, operationID string, stepNo int) (*domain.OperationStep, error) {
	steps, err := e.ops.LoadSteps(ctx, operationID)
	if err != nil {
		return nil, err
	}

	for _, s := range steps {
		if s.StepNo == stepNo {
			return s, nil
		}
	}

	return nil, fmt.Errorf("step %d vanished", stepNo)
}

func failureReason(step *domain.OperationStep) string {
	if step.Status == domain.StepTimeout {
		return "validation timed out"
	}

	return "ledger rejected the transaction"
}

func (e *Executor) fail(ctx context.Context, op *domain.Operation, stepNo int, reason string) error {
	op.FailWith(stepNo, reason)

	if err := e.ops.UpdateStatus(ctx, op.ID, op.Status, op.ErrorCode, op.ErrorMessage); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	e.cache.Invalidate(ctx, op.ID)
	e.cache.PublishTerminal(ctx, op)
	e.events.Publish(ctx, eventpublisher.RoutingOperationFailed, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status),
		StepNo: &stepNo, ErrorCode: op.ErrorCode, OccurredAt: time.Now(),
	})

	return nil
}

func (e *Executor) succeed(ctx context.Context, op *domain.Operation) error {
	op.Status = domain.OperationSuccess

	if err := e.ops.UpdateStatus(ctx, op.ID, op.Status, nil, nil); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}

	e.cache.Invalidate(ctx, op.ID)
	e.cache.PublishTerminal(ctx, op)
	e.events.Publish(ctx, eventpublisher.RoutingOperationSucceeded, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status), OccurredAt: time.Now(),
	})

	return nil
}

// runStep performs one step routine (spec §4.6 "each step routine"): resolve
// signer, build the payload, serialize on the signer, submit, then enter the
// bounded validation wait.
func (e *Executor) runStep(ctx context.Context, op *domain.Operation, step *domain.OperationStep) error {
	signerID := ""
	if step.SignerID != nil {
		signerID = *step.SignerID
	}

	seed, err := e.credentials.FetchSeed(ctx, signerID)
	if err != nil {
		return fmt.Errorf("fetch seed for %s: %w", signerID, err)
	}

	payload, err := e.buildPayload(ctx, op, step)
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	var (
		txHash     string
		acceptance domain.AcceptanceRecord
	)

	submitErr := e.serializer.WithLock(signerID, func() error {
		prepared, err := e.adapter.Prepare(ctx, payload)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}

		signed, err := e.adapter.Sign(ctx, prepared, seed)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}

		txHash, acceptance, err = e.adapter.Submit(ctx, signed.Blob)

		return err
	})
	if submitErr != nil {
		return fmt.Errorf("submit: %w", submitErr)
	}

	step.TxHash = &txHash

	ackBlob, err := mpack.Encode(acceptance)
	if err != nil {
		return fmt.Errorf("encode acceptance: %w", err)
	}

	step.SubmitAckBlob = ackBlob

	if !step.Advance(domain.StepSubmitted) {
		return fmt.Errorf("illegal transition %s -> SUBMITTED", step.Status)
	}

	if err := e.ops.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("persist submitted: %w", err)
	}

	return e.awaitValidation(ctx, op, step)
}

// awaitValidation polls lookup(txHash) every pollInterval until validated or
// the inline budget elapses (spec §4.6.1).
func (e *Executor) awaitValidation(ctx context.Context, op *domain.Operation, step *domain.OperationStep) error {
	deadline := time.Now().Add(e.inlineBudget)

	for {
		validated, meta, err := e.adapter.Lookup(ctx, *step.TxHash)
		if err != nil && !errors.Is(err, domain.ErrNotYetValidated) {
			e.logger.Warnf("executor: lookup %s: %v (treated as transient)", *step.TxHash, err)
		}

		if validated {
			return e.finalizeStep(ctx, op, step, meta)
		}

		if time.Now().After(deadline) {
			if !step.Advance(domain.StepPendingValidation) {
				return fmt.Errorf("illegal transition %s -> PENDING_VALIDATION", step.Status)
			}

			if err := e.ops.UpdateStep(ctx, step); err != nil {
				return fmt.Errorf("persist pending_validation: %w", err)
			}

			return fmt.Errorf("step %d: inline validation wait exceeded budget", step.StepNo)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// finalizeStep classifies a validated lookup result and, for a successful
// MINT step 1, extracts the issuance id (spec §4.6.2).
func (e *Executor) finalizeStep(ctx context.Context, op *domain.Operation, step *domain.OperationStep, meta domain.ValidationMetadata) error {
	result, err := mpack.Encode(meta)
	if err != nil {
		return fmt.Errorf("encode validated result: %w", err)
	}

	step.ValidatedResult = result

	if meta.TransactionResult != domain.SuccessResult {
		if !step.Advance(domain.StepValidatedFailed) {
			return fmt.Errorf("illegal transition %s -> VALIDATED_FAILED", step.Status)
		}

		return e.persistValidated(ctx, op, step)
	}

	if step.KindTag == domain.StepKindIssuerMint && step.StepNo == 1 {
		if meta.IssuanceID == "" {
			if !step.Advance(domain.StepValidatedFailed) {
				return fmt.Errorf("illegal transition %s -> VALIDATED_FAILED", step.Status)
			}

			if err := e.persistValidated(ctx, op, step); err != nil {
				return err
			}

			return errors.New("mint step 1 succeeded without an mpt_issuance_id")
		}

		if err := e.ops.SetIssuanceID(ctx, op.ID, meta.IssuanceID); err != nil {
			return fmt.Errorf("persist issuance id: %w", err)
		}

		op.IssuanceID = &meta.IssuanceID
	}

	if !step.Advance(domain.StepValidatedSuccess) {
		return fmt.Errorf("illegal transition %s -> VALIDATED_SUCCESS", step.Status)
	}

	return e.persistValidated(ctx, op, step)
}

func (e *Executor) persistValidated(ctx context.Context, op *domain.Operation, step *domain.OperationStep) error {
	now := time.Now().UTC()
	step.LastCheckedAt = &now

	if err := e.ops.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("persist step: %w", err)
	}

	e.events.Publish(ctx, eventpublisher.RoutingStepValidated, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(step.Status),
		StepNo: &step.StepNo, TxHash: step.TxHash, OccurredAt: now,
	})

	return nil
}

// buildPayload materializes the ledger transaction payload for step per the
// per-kind recipes of spec §4.9.
func (e *Executor) buildPayload(ctx context.Context, op *domain.Operation, step *domain.OperationStep) (domain.TxPayload, error) {
	issuanceID := ""
	if op.IssuanceID != nil {
		issuanceID = *op.IssuanceID
	}

	switch step.KindTag {
	case domain.StepKindIssuerMint:
		issuerAddr, err := e.credentials.ResolveAddress(ctx, domain.IssuerIdentityID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		return domain.TxPayload{
			Type: domain.LedgerTxCreateIssuance, Account: issuerAddr,
			Flags: domain.IssuanceFlagsCanTransferCanClawback,
			AssetScale: 0, TransferFee: 0, MaximumAmount: op.Amount,
			Metadata: op.Metadata,
		}, nil

	case domain.StepKindUserAuthorize, domain.StepKindReceiverAuthorize:
		holderID := ""
		if op.DestinationID != nil {
			holderID = *op.DestinationID
		}

		holderAddr, err := e.credentials.ResolveAddress(ctx, holderID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		return domain.TxPayload{
			Type: domain.LedgerTxAuthorizeToken, Account: holderAddr, IssuanceID: issuanceID,
		}, nil

	case domain.StepKindIssuerTransfer:
		issuerAddr, err := e.credentials.ResolveAddress(ctx, domain.IssuerIdentityID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		destID := ""
		if op.DestinationID != nil {
			destID = *op.DestinationID
		}

		destAddr, err := e.credentials.ResolveAddress(ctx, destID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		return domain.TxPayload{
			Type: domain.LedgerTxPayment, Account: issuerAddr, Destination: destAddr,
			IssuanceID: issuanceID, Amount: op.Amount,
		}, nil

	case domain.StepKindSenderTransfer:
		sourceID := ""
		if op.SourceID != nil {
			sourceID = *op.SourceID
		}

		sourceAddr, err := e.credentials.ResolveAddress(ctx, sourceID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		destID := ""
		if op.DestinationID != nil {
			destID = *op.DestinationID
		}

		destAddr, err := e.credentials.ResolveAddress(ctx, destID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		return domain.TxPayload{
			Type: domain.LedgerTxPayment, Account: sourceAddr, Destination: destAddr,
			IssuanceID: issuanceID, Amount: op.Amount,
		}, nil

	case domain.StepKindIssuerClawback:
		issuerAddr, err := e.credentials.ResolveAddress(ctx, domain.IssuerIdentityID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		holderID := ""
		if op.DestinationID != nil {
			holderID = *op.DestinationID
		}

		holderAddr, err := e.credentials.ResolveAddress(ctx, holderID)
		if err != nil {
			return domain.TxPayload{}, err
		}

		return domain.TxPayload{
			Type: domain.LedgerTxClawback, Account: issuerAddr, Holder: holderAddr,
			IssuanceID: issuanceID, Amount: op.Amount,
		}, nil

	default:
		return domain.TxPayload{}, fmt.Errorf("unknown step kind %q", step.KindTag)
	}
}
