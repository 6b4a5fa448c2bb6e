// Package constant holds the typed error kinds the core distinguishes
// (spec §7) plus the step/operation business error codes raised while
// building and persisting them.
package constant

import "errors"

// Sentinel business errors referenced by command/repository code.
var (
	ErrIssuerIdentityReserved   = errors.New("0001")
	ErrWalletNotFound           = errors.New("0002")
	ErrOperationNotFound        = errors.New("0003")
	ErrDeprecatedFieldSupplied  = errors.New("0004")
	ErrMissingRequiredField     = errors.New("0005")
	ErrIssuanceNotYetDiscovered = errors.New("0006")
	ErrIssuerSeedNotConfigured  = errors.New("0007")
	ErrMasterKeyInvalid         = errors.New("0008")
	ErrCredentialIntegrity      = errors.New("0009")
	ErrLedgerNotYetValidated    = errors.New("0010")
)

// InvalidArgumentError surfaces as HTTP 400: a missing or forbidden intent
// field.
type InvalidArgumentError struct {
	Code    string
	Title   string
	Message string
}

func (e InvalidArgumentError) Error() string { return e.Message }

// NotFoundError surfaces as HTTP 404: an unknown operation or wallet id.
type NotFoundError struct {
	Code    string
	Title   string
	Message string
}

func (e NotFoundError) Error() string { return e.Message }

// IdempotentReplayError is not a failure: the front-door hands back the
// operation an earlier identical intent already created. Surfaces as 200.
type IdempotentReplayError struct {
	OperationID string
	Status      string
}

func (e IdempotentReplayError) Error() string {
	return "idempotent replay of operation " + e.OperationID
}

// IntegrityError signals decryption failure or corrupt stored state.
// Surfaces as HTTP 500 and is never auto-recovered.
type IntegrityError struct {
	Code    string
	Title   string
	Message string
}

func (e IntegrityError) Error() string { return e.Message }

// ConfigurationError signals a missing issuer seed or master key. Fatal at
// boot.
type ConfigurationError struct {
	Message string
}

func (e ConfigurationError) Error() string { return e.Message }

// TransientLedgerError wraps a ledger-adapter error judged retryable
// (network error, not-yet-validated, sequence-too-old). Never surfaced
// per-call; retried inside the validation wait and by the poller.
type TransientLedgerError struct {
	Cause error
}

func (e TransientLedgerError) Error() string { return e.Cause.Error() }
func (e TransientLedgerError) Unwrap() error { return e.Cause }

// PermanentLedgerError wraps a terminal, non-retryable ledger transaction
// result (tem*/tec*/tef*). The step becomes VALIDATED_FAILED.
type PermanentLedgerError struct {
	TransactionResult string
}

func (e PermanentLedgerError) Error() string { return e.TransactionResult }

// TimeoutError signals the inline validation wait exceeded its budget. The
// step remains PENDING_VALIDATION for the poller to finalize.
type TimeoutError struct {
	StepNo int
}

func (e TimeoutError) Error() string { return "inline validation wait timed out" }
