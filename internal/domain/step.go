package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StepStatus is the lifecycle status of one operation step (spec §3/§4.7).
type StepStatus string

const (
	StepPending           StepStatus = "PENDING"
	StepSubmitted         StepStatus = "SUBMITTED"
	StepPendingValidation StepStatus = "PENDING_VALIDATION"
	StepValidatedSuccess  StepStatus = "VALIDATED_SUCCESS"
	StepValidatedFailed   StepStatus = "VALIDATED_FAILED"
	StepTimeout           StepStatus = "TIMEOUT"
)

// ValidStepTransitions enumerates every legal advance a step may take,
// grounded directly on the teacher's ValidOutboxTransitions state machine.
// Steps never regress (spec §3 invariants); TIMEOUT is reachable only from
// PENDING_VALIDATION/SUBMITTED, and only by the poller giving up (§D of
// SPEC_FULL.md).
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepPending:           {StepSubmitted},
	StepSubmitted:         {StepPendingValidation, StepValidatedSuccess, StepValidatedFailed, StepTimeout},
	StepPendingValidation: {StepValidatedSuccess, StepValidatedFailed, StepTimeout},
	StepValidatedSuccess:  {},
	StepValidatedFailed:   {},
	StepTimeout:           {},
}

// CanTransitionTo reports whether s -> to is a legal step-status advance.
func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	for _, allowed := range ValidStepTransitions[s] {
		if allowed == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether a step in this status will never change again.
func (s StepStatus) IsTerminal() bool {
	return s == StepValidatedSuccess || s == StepValidatedFailed || s == StepTimeout
}

// OperationStep is one ledger transaction within an operation (spec §3).
type OperationStep struct {
	ID              string
	OperationID     string
	StepNo          int
	KindTag         string
	SignerID        *string
	LedgerTxType    string
	Amount          decimal.Decimal
	TxHash          *string
	SubmitAckBlob   []byte
	ValidatedResult []byte
	Status          StepStatus
	LastCheckedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Advance attempts the transition to `to`, returning false (no mutation) if
// it is illegal. Callers persist the new status only after Advance succeeds.
func (s *OperationStep) Advance(to StepStatus) bool {
	if !s.Status.CanTransitionTo(to) {
		return false
	}

	s.Status = to

	return true
}

// Per-kind step tags (spec §4.9).
const (
	StepKindIssuerMint         = "issuer_mint"
	StepKindUserAuthorize      = "user_authorize"
	StepKindIssuerTransfer     = "issuer_transfer"
	StepKindReceiverAuthorize  = "receiver_authorize"
	StepKindSenderTransfer     = "sender_transfer"
	StepKindIssuerClawback     = "issuer_clawback"
)

// Ledger transaction type strings passed through to the adapter (spec §4.9).
const (
	LedgerTxCreateIssuance  = "create-issuance"
	LedgerTxAuthorizeToken  = "authorize-token"
	LedgerTxPayment         = "payment"
	LedgerTxClawback        = "clawback"
)

// MPT flags for the MINT issuance-creation transaction (spec §4.9): CanTransfer|CanClawback = 96.
const IssuanceFlagsCanTransferCanClawback = 96
