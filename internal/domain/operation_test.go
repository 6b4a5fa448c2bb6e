package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOperationKind_StepCount(t *testing.T) {
	assert.Equal(t, 3, OperationMint.StepCount())
	assert.Equal(t, 2, OperationTransfer.StepCount())
	assert.Equal(t, 1, OperationBurn.StepCount())
	assert.Equal(t, 0, OperationKind("UNKNOWN").StepCount())
}

func TestOperationStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, OperationPending.CanTransitionTo(OperationInProgress))
	assert.False(t, OperationPending.CanTransitionTo(OperationSuccess))
	assert.True(t, OperationInProgress.CanTransitionTo(OperationSuccess))
	assert.True(t, OperationInProgress.CanTransitionTo(OperationFailed))
	assert.False(t, OperationSuccess.CanTransitionTo(OperationInProgress))
	assert.False(t, OperationFailed.CanTransitionTo(OperationInProgress))
}

func TestOperationStatus_IsTerminal(t *testing.T) {
	assert.True(t, OperationSuccess.IsTerminal())
	assert.True(t, OperationFailed.IsTerminal())
	assert.False(t, OperationPending.IsTerminal())
	assert.False(t, OperationInProgress.IsTerminal())
}

func TestOperation_FailWith(t *testing.T) {
	op := &Operation{Status: OperationInProgress, Amount: decimal.NewFromInt(10)}

	op.FailWith(2, "ledger rejected the transaction")

	assert.Equal(t, OperationFailed, op.Status)
	assert.NotNil(t, op.ErrorCode)
	assert.Equal(t, "STEP_FAILED", *op.ErrorCode)
	assert.NotNil(t, op.ErrorMessage)
	assert.Equal(t, "step 2: ledger rejected the transaction", *op.ErrorMessage)
}
