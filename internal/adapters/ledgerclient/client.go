// Package ledgerclient implements domain.Adapter against an external XRPL-style
// settlement ledger over its WebSocket JSON-RPC interface (rippled's
// request/response and subscription framing — see DESIGN.md). The wire
// protocol here is deliberately simplified: a thin JSON-RPC envelope plus an
// ed25519 signature over canonical JSON standing in for the ledger's real
// binary transaction codec, which is out of scope for this module (the ledger's own consensus
// and serialization are a non-goal).
package ledgerclient

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mretry"
)

// Config configures a Client.
type Config struct {
	Endpoint    string // ws(s):// URL of the ledger node's JSON-RPC interface
	FaucetURL   string // test-network faucet URL; not read by Fund, which calls faucet_fund on the node
	Network     string // testnet | devnet | mainnet
	DialTimeout time.Duration
	Logger      mlog.Logger

	// Retry governs the jittered backoff applied to individual RPC calls
	// (account_info/submit/tx/faucet_fund) on a network-level failure,
	// never on the validation-wait/poll cadence itself (that stays the
	// executor's and poller's job). Zero value uses
	// mretry.DefaultMetadataOutboxConfig().
	Retry mretry.Config
}

// rpcRequest is the JSON-RPC envelope rippled-family nodes expect.
type rpcRequest struct {
	ID     string         `json:"id"`
	Command string        `json:"command"`
	Params map[string]any `json:"params,omitempty"`
}

// rpcResponse mirrors the engine_result/validated shape observed on
// rippled's transaction and submit streams.
type rpcResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Client is the process-wide singleton adapter connection (spec §4.2).
type Client struct {
	cfg  Config
	conn *websocket.Conn

	mu       sync.Mutex
	pending  map[string]chan rpcResponse
	sequence uint32
}

// New returns a disconnected Client; call Connect before use.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	if err := cfg.Retry.Validate(); err != nil {
		cfg.Retry = mretry.DefaultMetadataOutboxConfig()
	}

	return &Client{cfg: cfg, pending: make(map[string]chan rpcResponse)}
}

// Connect dials the ledger node and starts the read pump. Safe to call again
// after Disconnect to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("ledgerclient: dial %s: %w", c.cfg.Endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump()

	c.cfg.Logger.Infof("ledgerclient: connected to %s (%s)", c.cfg.Endpoint, c.cfg.Network)

	return nil
}

// Disconnect closes the connection. Idempotent.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

func (c *Client) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.cfg.Logger.Warnf("ledgerclient: read pump stopped: %v", err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			c.cfg.Logger.Warnf("ledgerclient: malformed response: %v", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// call sends an rpcRequest and blocks until its matching response arrives or
// ctx is done, retrying a network-level failure (write/dial error, not an
// application-level rpc error) under the configured jittered backoff.
func (c *Client) call(ctx context.Context, command string, params map[string]any) (rpcResponse, error) {
	var resp rpcResponse

	err := mretry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.callOnce(ctx, command, params)

		return callErr
	})

	return resp, err
}

func (c *Client) callOnce(ctx context.Context, command string, params map[string]any) (rpcResponse, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return rpcResponse{}, errors.New("ledgerclient: not connected")
	}

	id := uuid.NewString()
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{ID: id, Command: command, Params: params}

	payload, err := json.Marshal(req)
	if err != nil {
		return rpcResponse{}, err
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return rpcResponse{}, fmt.Errorf("ledgerclient: write %s: %w", command, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		return rpcResponse{}, ctx.Err()
	}
}

// Prepare autofills fee, sequence and last-ledger-sequence for tx.
func (c *Client) Prepare(ctx context.Context, tx domain.TxPayload) (domain.PreparedTx, error) {
	resp, err := c.call(ctx, "account_info", map[string]any{"account": tx.Account})
	if err != nil {
		return domain.PreparedTx{}, fmt.Errorf("ledgerclient: prepare: %w", err)
	}

	var accountInfo struct {
		AccountData struct {
			Sequence uint32 `json:"Sequence"`
		} `json:"account_data"`
	}

	if err := json.Unmarshal(resp.Result, &accountInfo); err != nil {
		return domain.PreparedTx{}, fmt.Errorf("ledgerclient: parse account_info: %w", err)
	}

	return domain.PreparedTx{Payload: tx, Sequence: accountInfo.AccountData.Sequence, Fee: "10"}, nil
}

// Sign produces a signed wire blob and canonical hash for tx under seed.
//
// This uses ed25519 over a canonical JSON encoding of the payload rather
// than the ledger's real binary serialization (see package doc) — the blob
// is {payload-json, signature, public-key}, and the canonical hash is the
// sha256 of that blob, hex-encoded.
func (c *Client) Sign(_ context.Context, tx domain.PreparedTx, seed string) (domain.SignedTx, error) {
	priv := deriveKeyFromSeed(seed)

	canonical, err := json.Marshal(tx)
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("ledgerclient: marshal payload: %w", err)
	}

	sig := ed25519.Sign(priv, canonical)

	signed := struct {
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
		PublicKey string          `json:"public_key"`
	}{
		Payload:   canonical,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}

	blob, err := json.Marshal(signed)
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("ledgerclient: marshal signed blob: %w", err)
	}

	hash := sha256.Sum256(blob)

	return domain.SignedTx{Blob: blob, CanonicalHash: hex.EncodeToString(hash[:])}, nil
}

// deriveKeyFromSeed derives a deterministic ed25519 keypair from a ledger
// seed string, so the same seed always signs with the same key.
func deriveKeyFromSeed(seed string) ed25519.PrivateKey {
	h := sha256.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(h[:])
}

// DeriveAddress returns the ledger address for seed, derived from the same
// ed25519 keypair Sign uses, so the stored address always matches the key
// that signs on its behalf (spec §3: "ledger address (derived from seed,
// immutable)").
func DeriveAddress(seed string) string {
	priv := deriveKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return "w" + hex.EncodeToString(pub)
}

// Submit sends the signed blob and returns the ledger-assigned hash plus a
// tentative acceptance record.
func (c *Client) Submit(ctx context.Context, blob []byte) (string, domain.AcceptanceRecord, error) {
	resp, err := c.call(ctx, "submit", map[string]any{"tx_blob": hex.EncodeToString(blob)})
	if err != nil {
		return "", domain.AcceptanceRecord{}, fmt.Errorf("ledgerclient: submit: %w", err)
	}

	var result struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
		Accepted bool `json:"accepted"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", domain.AcceptanceRecord{}, fmt.Errorf("ledgerclient: parse submit result: %w", err)
	}

	hash := result.TxJSON.Hash
	if hash == "" {
		sum := sha256.Sum256(blob)
		hash = hex.EncodeToString(sum[:])
	}

	return hash, domain.AcceptanceRecord{
		Accepted:     result.Accepted || result.EngineResult == string(domain.SuccessResult),
		EngineResult: result.EngineResult,
	}, nil
}

// Lookup reports whether txHash has reached a validated ledger.
func (c *Client) Lookup(ctx context.Context, txHash string) (bool, domain.ValidationMetadata, error) {
	resp, err := c.call(ctx, "tx", map[string]any{"transaction": txHash})
	if err != nil {
		return false, domain.ValidationMetadata{}, fmt.Errorf("ledgerclient: lookup: %w", err)
	}

	if resp.Status == "error" {
		return false, domain.ValidationMetadata{}, domain.ErrNotYetValidated
	}

	var result struct {
		Validated bool   `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
			MPTIssuanceID     string `json:"mpt_issuance_id"`
		} `json:"meta"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return false, domain.ValidationMetadata{}, fmt.Errorf("ledgerclient: parse tx result: %w", err)
	}

	if !result.Validated {
		return false, domain.ValidationMetadata{}, domain.ErrNotYetValidated
	}

	return true, domain.ValidationMetadata{
		TransactionResult: domain.TxResult(result.Meta.TransactionResult),
		IssuanceID:        result.Meta.MPTIssuanceID,
	}, nil
}

// Fund requests test-network faucet funds for address.
func (c *Client) Fund(ctx context.Context, address string) error {
	_, err := c.call(ctx, "faucet_fund", map[string]any{"destination": address})
	if err != nil {
		return fmt.Errorf("ledgerclient: fund: %w", err)
	}

	return nil
}

// Balance returns address's settled balance, or a NotFound-classified error
// if the account does not exist on the ledger.
func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	resp, err := c.call(ctx, "account_info", map[string]any{"account": address})
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledgerclient: balance: %w", err)
	}

	if resp.Status == "error" {
		return decimal.Zero, constant.NotFoundError{Code: "ACCOUNT_NOT_FOUND", Title: "Account Not Found", Message: "ledgerclient: account " + address + " not found"}
	}

	var result struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return decimal.Zero, fmt.Errorf("ledgerclient: parse balance: %w", err)
	}

	return decimal.NewFromString(result.AccountData.Balance)
}

var _ domain.Adapter = (*Client)(nil)
