package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxResult is the ledger's canonical transaction result code
// ("tesSUCCESS", "tec…", "tem…", "tef…" — spec §4.2).
type TxResult string

// SuccessResult is the only result code classified VALIDATED_SUCCESS (spec §4.6.1).
const SuccessResult TxResult = "tesSUCCESS"

// ErrNotYetValidated is the adapter's canonical "not yet in a ledger"
// signal; it is a normal condition, never an error (spec §4.2).
var ErrNotYetValidated = &notYetValidatedError{}

type notYetValidatedError struct{}

func (e *notYetValidatedError) Error() string { return "transaction not yet validated" }

// TxPayload is the unprepared ledger transaction payload built by a step
// routine (spec §4.9 gives the per-kind recipes).
type TxPayload struct {
	Type            string
	Account         string
	Destination     string
	IssuanceID      string
	Amount          decimal.Decimal
	Holder          string
	Flags           int
	AssetScale      int
	TransferFee     int
	MaximumAmount   decimal.Decimal
	Metadata        map[string]any
}

// PreparedTx is a TxPayload with adapter-autofilled fields (fee, sequence,
// last-ledger-sequence).
type PreparedTx struct {
	Payload  TxPayload
	Sequence uint32
	Fee      string
}

// SignedTx is the signed wire blob plus its canonical hash.
type SignedTx struct {
	Blob           []byte
	CanonicalHash  string
}

// AcceptanceRecord is the tentative, submit-time acknowledgement from the
// ledger (audited verbatim into operation_steps.submit_ack_blob).
type AcceptanceRecord struct {
	Accepted               bool
	EngineResult           string
	ValidatedLedgerIndex   *uint32
}

// ValidationMetadata is the validated-result metadata returned by lookup;
// for MINT step 1 it carries the ledger-assigned issuance id (spec §4.6.2).
type ValidationMetadata struct {
	TransactionResult TxResult
	IssuanceID        string
	Raw               map[string]any
}

// Adapter is the single point of contact with the external settlement
// ledger (spec §4.2). The core depends only on this contract; its wire form
// is the adapter's concern.
type Adapter interface {
	Prepare(ctx context.Context, tx TxPayload) (PreparedTx, error)
	Sign(ctx context.Context, tx PreparedTx, seed string) (SignedTx, error)
	Submit(ctx context.Context, blob []byte) (txHash string, acceptance AcceptanceRecord, err error)
	Lookup(ctx context.Context, txHash string) (validated bool, result ValidationMetadata, err error)
	Fund(ctx context.Context, address string) error
	Balance(ctx context.Context, address string) (decimal.Decimal, error)

	// Connect/Disconnect manage the process-wide singleton connection
	// lifecycle (spec §4.2): connect on startup, reconnect on drop,
	// disconnect on shutdown.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}
