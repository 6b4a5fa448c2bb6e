package intake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/ledgerops/internal/adapters/eventpublisher"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

type fakeOperationRepo struct {
	mu          sync.Mutex
	byKey       map[string]*domain.Operation
	byID        map[string]*domain.Operation
	steps       map[string][]*domain.OperationStep
	conflictKey string // idempotency key whose CreateWithSteps should report a conflict once
	conflicted  bool
	createErr   error
}

func newFakeOperationRepo() *fakeOperationRepo {
	return &fakeOperationRepo{
		byKey: make(map[string]*domain.Operation),
		byID:  make(map[string]*domain.Operation),
		steps: make(map[string][]*domain.OperationStep),
	}
}

func (f *fakeOperationRepo) CreateWithSteps(_ context.Context, op *domain.Operation, steps []*domain.OperationStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}

	if op.IdempotencyKey == f.conflictKey && !f.conflicted {
		f.conflicted = true

		// simulate a concurrent writer that won the unique-constraint race:
		// its operation is now visible under the same idempotency key.
		winner := &domain.Operation{
			ID: "winner-id", Kind: op.Kind, IdempotencyKey: op.IdempotencyKey,
			IssuanceID: op.IssuanceID, SourceID: op.SourceID, DestinationID: op.DestinationID,
			Amount: op.Amount, Status: domain.OperationPending,
		}
		f.byKey[op.IdempotencyKey] = winner
		f.byID[winner.ID] = winner
		f.steps[winner.ID] = steps

		return operation.ErrIdempotencyConflict
	}

	f.byKey[op.IdempotencyKey] = op
	f.byID[op.ID] = op
	f.steps[op.ID] = steps

	return nil
}

func (f *fakeOperationRepo) FindByIdempotencyKey(_ context.Context, key string) (*domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.byKey[key], nil
}

func (f *fakeOperationRepo) FindByID(_ context.Context, id string) (*domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.byID[id], nil
}

func (f *fakeOperationRepo) UpdateStatus(context.Context, string, domain.OperationStatus, *string, *string) error {
	return nil
}

func (f *fakeOperationRepo) SetIssuanceID(context.Context, string, string) error { return nil }

func (f *fakeOperationRepo) LoadSteps(_ context.Context, operationID string) ([]*domain.OperationStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.steps[operationID], nil
}

func (f *fakeOperationRepo) UpdateStep(context.Context, *domain.OperationStep) error { return nil }

func (f *fakeOperationRepo) SweepPendingValidation(context.Context, int) ([]*domain.OperationStep, error) {
	return nil, nil
}

type fakeMetadataStore struct {
	mu      sync.Mutex
	stored  map[string]map[string]any
	failAll bool
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{stored: make(map[string]map[string]any)}
}

func (f *fakeMetadataStore) Create(_ context.Context, operationID string, data map[string]any) error {
	if f.failAll {
		return errors.New("mongo unavailable")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.stored[operationID] = data

	return nil
}

type fakeSpawner struct {
	mu  sync.Mutex
	ran []string
	wg  sync.WaitGroup
}

func newFakeSpawner() *fakeSpawner {
	s := &fakeSpawner{}
	s.wg.Add(1)

	return s
}

func (f *fakeSpawner) Run(_ context.Context, operationID string) {
	f.mu.Lock()
	f.ran = append(f.ran, operationID)
	f.mu.Unlock()
	f.wg.Done()
}

type fakeEvents struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeEvents) Publish(_ context.Context, routingKey string, _ eventpublisher.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, routingKey)
}

func newTestIntake() (*Intake, *fakeOperationRepo, *fakeMetadataStore, *fakeSpawner, *fakeEvents) {
	ops := newFakeOperationRepo()
	meta := newFakeMetadataStore()
	spawner := newFakeSpawner()
	events := &fakeEvents{}

	return New(ops, meta, events, spawner, mlog.NewNop()), ops, meta, spawner, events
}

func TestIntake_Mint_Success(t *testing.T) {
	i, _, _, spawner, events := newTestIntake()

	op, steps, err := i.Mint(context.Background(), map[string]any{
		"idempotencyKey": "key1",
		"userWalletId":   "alice",
		"amount":         "10",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OperationMint, op.Kind)
	assert.Equal(t, domain.OperationPending, op.Status)
	assert.Len(t, steps, 3)
	assert.Equal(t, domain.StepKindIssuerMint, steps[0].KindTag)
	assert.Equal(t, domain.StepKindUserAuthorize, steps[1].KindTag)
	assert.Equal(t, domain.StepKindIssuerTransfer, steps[2].KindTag)

	spawner.wg.Wait()
	assert.Equal(t, []string{op.ID}, spawner.ran)
	assert.Contains(t, events.published, eventpublisher.RoutingOperationCreated)
}

func TestIntake_Mint_RejectsDeprecatedFields(t *testing.T) {
	i, _, _, _, _ := newTestIntake()

	_, _, err := i.Mint(context.Background(), map[string]any{
		"idempotencyKey": "key1",
		"userWalletId":   "alice",
		"amount":         "10",
		"assetScale":     float64(2),
	})

	require.Error(t, err)

	var invalid constant.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "DEPRECATED_FIELD", invalid.Code)
}

func TestIntake_Mint_RejectsMissingField(t *testing.T) {
	i, _, _, _, _ := newTestIntake()

	_, _, err := i.Mint(context.Background(), map[string]any{"idempotencyKey": "key1"})

	require.Error(t, err)

	var invalid constant.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "MISSING_FIELD", invalid.Code)
}

func TestIntake_Mint_RejectsNonPositiveAmount(t *testing.T) {
	i, _, _, _, _ := newTestIntake()

	_, _, err := i.Mint(context.Background(), map[string]any{
		"idempotencyKey": "key1", "userWalletId": "alice", "amount": "0",
	})

	require.Error(t, err)

	var invalid constant.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "INVALID_FIELD", invalid.Code)
}

func TestIntake_Mint_RejectsFractionalAmount(t *testing.T) {
	i, _, _, _, _ := newTestIntake()

	_, _, err := i.Mint(context.Background(), map[string]any{
		"idempotencyKey": "key1", "userWalletId": "alice", "amount": "10.5",
	})

	require.Error(t, err)

	var invalid constant.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "INVALID_FIELD", invalid.Code)
}

func TestIntake_Transfer_Success(t *testing.T) {
	i, _, _, spawner, _ := newTestIntake()

	op, steps, err := i.Transfer(context.Background(), map[string]any{
		"idempotencyKey":      "key2",
		"sourceWalletId":      "alice",
		"destinationWalletId": "bob",
		"issuanceId":          "ISS1",
		"amount":              "3",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OperationTransfer, op.Kind)
	assert.Len(t, steps, 2)

	spawner.wg.Wait()
}

func TestIntake_Burn_Success(t *testing.T) {
	i, _, _, spawner, _ := newTestIntake()

	op, steps, err := i.Burn(context.Background(), map[string]any{
		"idempotencyKey": "key3",
		"holderWalletId": "alice",
		"issuanceId":     "ISS1",
		"amount":         "1",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OperationBurn, op.Kind)
	assert.Len(t, steps, 1)

	spawner.wg.Wait()
}

func TestIntake_IdempotentReplay_ExistingOperation(t *testing.T) {
	i, ops, _, spawner, _ := newTestIntake()

	first, _, err := i.Burn(context.Background(), map[string]any{
		"idempotencyKey": "dup", "holderWalletId": "alice", "issuanceId": "ISS1", "amount": "1",
	})
	require.NoError(t, err)
	spawner.wg.Wait()

	second, _, err := i.Burn(context.Background(), map[string]any{
		"idempotencyKey": "dup", "holderWalletId": "alice", "issuanceId": "ISS1", "amount": "1",
	})

	var replay constant.IdempotentReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, ops.byID, 1)
}

func TestIntake_IdempotencyConflictRace_ReturnsWinner(t *testing.T) {
	i, ops, _, _, _ := newTestIntake()
	ops.conflictKey = "racekey"

	op, steps, err := i.Burn(context.Background(), map[string]any{
		"idempotencyKey": "racekey", "holderWalletId": "alice", "issuanceId": "ISS1", "amount": "1",
	})

	// first CreateWithSteps call reports ErrIdempotencyConflict; intake
	// must resolve it by re-reading the winner instead of failing outright.
	require.Error(t, err)

	var replay constant.IdempotentReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, "winner-id", op.ID)
	assert.Len(t, steps, 1)
}

func TestIntake_MetadataStoreFailureIsSwallowed(t *testing.T) {
	ops := newFakeOperationRepo()
	meta := newFakeMetadataStore()
	meta.failAll = true
	spawner := newFakeSpawner()

	i := New(ops, meta, &fakeEvents{}, spawner, mlog.NewNop())

	op, _, err := i.Burn(context.Background(), map[string]any{
		"idempotencyKey": "key4", "holderWalletId": "alice", "issuanceId": "ISS1", "amount": "1",
		"metadata": map[string]any{"note": "test"},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	spawner.wg.Wait()
}
