package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind is the high-level intent kind (spec §3).
type OperationKind string

const (
	OperationMint     OperationKind = "MINT"
	OperationTransfer OperationKind = "TRANSFER"
	OperationBurn     OperationKind = "BURN"
)

// StepCount returns the number of steps an operation of this kind is
// materialized with (spec §3 table).
func (k OperationKind) StepCount() int {
	switch k {
	case OperationMint:
		return 3
	case OperationTransfer:
		return 2
	case OperationBurn:
		return 1
	default:
		return 0
	}
}

// OperationStatus is the lifecycle status of an operation (spec §3).
type OperationStatus string

const (
	OperationPending    OperationStatus = "PENDING"
	OperationInProgress OperationStatus = "IN_PROGRESS"
	OperationSuccess    OperationStatus = "SUCCESS"
	OperationFailed     OperationStatus = "FAILED"
)

// IsTerminal reports whether an operation in this status is final.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationSuccess || s == OperationFailed
}

// validOperationTransitions mirrors the teacher's outbox ValidOutboxTransitions
// table, applied to the operation lifecycle of spec §3.
var validOperationTransitions = map[OperationStatus][]OperationStatus{
	OperationPending:    {OperationInProgress},
	OperationInProgress: {OperationSuccess, OperationFailed},
	OperationSuccess:    {},
	OperationFailed:     {},
}

// CanTransitionTo reports whether s -> to is a legal operation-status advance.
func (s OperationStatus) CanTransitionTo(to OperationStatus) bool {
	for _, allowed := range validOperationTransitions[s] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Operation is a logical, user-visible intent with durable state (spec §3).
type Operation struct {
	ID             string
	Kind           OperationKind
	IdempotencyKey string
	IssuanceID     *string
	SourceID       *string
	DestinationID  *string
	Amount         decimal.Decimal
	Status         OperationStatus
	ErrorCode      *string
	ErrorMessage   *string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FailWith transitions the operation to FAILED with a diagnostic referencing
// stepNo, per spec §4.6 step 3.
func (o *Operation) FailWith(stepNo int, reason string) {
	o.Status = OperationFailed
	code := "STEP_FAILED"
	msg := fmt.Sprintf("step %d: %s", stepNo, reason)
	o.ErrorCode = &code
	o.ErrorMessage = &msg
}
