// Package poller implements the background validation sweep (spec §4.7):
// a single-instance-per-process loop that reconciles steps the inline
// executor wait left behind, plus the age-based give-up extension of
// SPEC_FULL.md §D that finally retires steps no validation ever surfaces
// for.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/tokenforge/ledgerops/internal/adapters/eventpublisher"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
	"github.com/tokenforge/ledgerops/pkg/mpack"
)

// EventPublisher is the subset of eventpublisher.Publisher the poller
// depends on, narrowed so tests can fake it without a live RabbitMQ.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event eventpublisher.Event)
}

// StatusCache is the subset of statuscache.Cache the poller depends on.
type StatusCache interface {
	Invalidate(ctx context.Context, operationID string)
	PublishTerminal(ctx context.Context, op *domain.Operation)
}

// Config configures a Poller.
type Config struct {
	SweepInterval time.Duration // default 30s
	BatchSize     int           // default 10
	GiveUpAfter   time.Duration // default 0 = never give up (matches spec §4.7's base behavior)
	Logger        mlog.Logger
}

// Poller is the background validation-reconciliation sweep.
type Poller struct {
	ops     operation.Repository
	adapter domain.Adapter
	events  EventPublisher
	cache   StatusCache
	logger  mlog.Logger

	sweepInterval time.Duration
	batchSize     int
	giveUpAfter   time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a Poller wired to its collaborators.
func New(ops operation.Repository, adapter domain.Adapter, events EventPublisher, cache StatusCache, cfg Config) *Poller {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	return &Poller{
		ops: ops, adapter: adapter, events: events, cache: cache, logger: cfg.Logger,
		sweepInterval: interval, batchSize: batch, giveUpAfter: cfg.GiveUpAfter,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. Intended to be run in its
// own goroutine from bootstrap.
func (p *Poller) Start(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Stop interrupts the sleep and exits at the next iteration boundary (spec
// §4.7's clean-shutdown cancellation), blocking until the loop has exited.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) sweep(ctx context.Context) {
	ctx, span := mopentelemetry.Tracer("poller").Start(ctx, "poller.sweep")
	defer span.End()

	steps, err := p.ops.SweepPendingValidation(ctx, p.batchSize)
	if err != nil {
		p.logger.Warnf("poller: sweep query: %v", err)
		mopentelemetry.HandleSpanError(&span, "sweep query", err)

		return
	}

	for _, step := range steps {
		if err := p.reconcile(ctx, step); err != nil {
			p.logger.Warnf("poller: reconcile step %s: %v (continuing)", step.ID, err)
		}
	}
}

func (p *Poller) reconcile(ctx context.Context, step *domain.OperationStep) error {
	if step.TxHash == nil {
		return errors.New("step has no tx_hash")
	}

	validated, meta, err := p.adapter.Lookup(ctx, *step.TxHash)
	if err != nil && !errors.Is(err, domain.ErrNotYetValidated) {
		p.logger.Warnf("poller: lookup %s: %v (transient, retrying next sweep)", *step.TxHash, err)
	}

	now := time.Now().UTC()

	if !validated {
		if p.giveUpAfter > 0 && step.CreatedAt.Add(p.giveUpAfter).Before(now) {
			return p.finalizeTimeout(ctx, step, now)
		}

		step.LastCheckedAt = &now

		return p.ops.UpdateStep(ctx, step)
	}

	result, err := mpack.Encode(meta)
	if err != nil {
		return err
	}

	step.ValidatedResult = result
	step.LastCheckedAt = &now

	if meta.TransactionResult == domain.SuccessResult {
		if step.KindTag == domain.StepKindIssuerMint && step.StepNo == 1 && meta.IssuanceID != "" {
			if err := p.ops.SetIssuanceID(ctx, step.OperationID, meta.IssuanceID); err != nil {
				return err
			}
		}

		if !step.Advance(domain.StepValidatedSuccess) {
			return illegalTransitionError(step.Status, domain.StepValidatedSuccess)
		}

		if err := p.ops.UpdateStep(ctx, step); err != nil {
			return err
		}

		p.events.Publish(ctx, eventpublisher.RoutingStepValidated, eventpublisher.Event{
			OperationID: step.OperationID, Status: string(step.Status), StepNo: &step.StepNo,
			TxHash: step.TxHash, OccurredAt: now,
		})

		return p.checkOperationComplete(ctx, step.OperationID)
	}

	if !step.Advance(domain.StepValidatedFailed) {
		return illegalTransitionError(step.Status, domain.StepValidatedFailed)
	}

	if err := p.ops.UpdateStep(ctx, step); err != nil {
		return err
	}

	return p.failOperation(ctx, step.OperationID, step.StepNo, "ledger rejected the transaction")
}

// finalizeTimeout is the SPEC_FULL.md §D extension: once a step has aged
// past giveUpAfter with no validation ever surfacing, the poller — not the
// inline executor — writes TIMEOUT, treated identically to
// VALIDATED_FAILED for operation-status purposes (spec §9's open question).
func (p *Poller) finalizeTimeout(ctx context.Context, step *domain.OperationStep, now time.Time) error {
	step.LastCheckedAt = &now

	if !step.Advance(domain.StepTimeout) {
		return illegalTransitionError(step.Status, domain.StepTimeout)
	}

	if err := p.ops.UpdateStep(ctx, step); err != nil {
		return err
	}

	return p.failOperation(ctx, step.OperationID, step.StepNo, "validation timed out")
}

func (p *Poller) failOperation(ctx context.Context, operationID string, stepNo int, reason string) error {
	op, err := p.ops.FindByID(ctx, operationID)
	if err != nil {
		return err
	}

	if op == nil || op.Status.IsTerminal() {
		return nil
	}

	op.FailWith(stepNo, reason)

	if err := p.ops.UpdateStatus(ctx, op.ID, op.Status, op.ErrorCode, op.ErrorMessage); err != nil {
		return err
	}

	p.cache.Invalidate(ctx, op.ID)
	p.cache.PublishTerminal(ctx, op)
	p.events.Publish(ctx, eventpublisher.RoutingOperationFailed, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status),
		StepNo: &stepNo, ErrorCode: op.ErrorCode, OccurredAt: time.Now(),
	})

	return nil
}

func (p *Poller) checkOperationComplete(ctx context.Context, operationID string) error {
	op, err := p.ops.FindByID(ctx, operationID)
	if err != nil {
		return err
	}

	if op == nil || op.Status.IsTerminal() {
		return nil
	}

	steps, err := p.ops.LoadSteps(ctx, operationID)
	if err != nil {
		return err
	}

	for _, s := range steps {
		if s.Status != domain.StepValidatedSuccess {
			return nil
		}
	}

	op.Status = domain.OperationSuccess

	if err := p.ops.UpdateStatus(ctx, op.ID, op.Status, nil, nil); err != nil {
		return err
	}

	p.cache.Invalidate(ctx, op.ID)
	p.cache.PublishTerminal(ctx, op)
	p.events.Publish(ctx, eventpublisher.RoutingOperationSucceeded, eventpublisher.Event{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status), OccurredAt: time.Now(),
	})

	return nil
}

func illegalTransitionError(from, to domain.StepStatus) error {
	return errors.New("illegal transition " + string(from) + " -> " + string(to))
}
