package ledgerclient

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mretry"
)

// fakeLedgerNode is a minimal rippled-style JSON-RPC-over-websocket stub:
// it echoes back a canned result per command, keyed on the request id so
// the client's pending-request matching is exercised for real.
type fakeLedgerNode struct {
	wsURL  string
	handle func(command string, params map[string]any) (status string, result any)
}

func newFakeLedgerNode(t *testing.T) *fakeLedgerNode {
	t.Helper()

	upgrader := websocket.Upgrader{}
	node := &fakeLedgerNode{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req rpcRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				return
			}

			status, result := "success", any(map[string]any{})
			if node.handle != nil {
				status, result = node.handle(req.Command, req.Params)
			}

			raw, _ := json.Marshal(result)
			resp := rpcResponse{ID: req.ID, Status: status, Result: raw}

			payload, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}))

	node.wsURL = "ws" + strings.TrimPrefix(server.URL, "http")

	t.Cleanup(server.Close)

	return node
}

func TestNew_DefaultsInvalidRetryConfig(t *testing.T) {
	c := New(Config{Endpoint: "ws://example", Logger: mlog.NewNop()})
	assert.NoError(t, c.cfg.Retry.Validate())
}

func TestNew_KeepsValidRetryConfig(t *testing.T) {
	custom := mretry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, JitterFactor: 0}
	c := New(Config{Endpoint: "ws://example", Logger: mlog.NewNop(), Retry: custom})
	assert.Equal(t, custom, c.cfg.Retry)
}

func TestDeriveKeyFromSeed_Deterministic(t *testing.T) {
	k1 := deriveKeyFromSeed("sAliceSeed")
	k2 := deriveKeyFromSeed("sAliceSeed")
	k3 := deriveKeyFromSeed("sBobSeed")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, ed25519.PrivateKeySize)
}

func TestDeriveAddress_DeterministicAndMatchesSigningKey(t *testing.T) {
	addr1 := DeriveAddress("sAliceSeed")
	addr2 := DeriveAddress("sAliceSeed")
	addr3 := DeriveAddress("sBobSeed")

	assert.Equal(t, addr1, addr2)
	assert.NotEqual(t, addr1, addr3)

	priv := deriveKeyFromSeed("sAliceSeed")
	pub := priv.Public().(ed25519.PublicKey)
	assert.Equal(t, "w"+hex.EncodeToString(pub), addr1)
}

func TestClient_Sign_ProducesVerifiableSignature(t *testing.T) {
	c := New(Config{Endpoint: "ws://example", Logger: mlog.NewNop()})

	tx := domain.PreparedTx{Payload: domain.TxPayload{Type: "payment", Account: "rAlice"}, Sequence: 1, Fee: "10"}

	signed, err := c.Sign(context.Background(), tx, "sAliceSeed")
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Blob)
	assert.Len(t, signed.CanonicalHash, 64)

	var blob struct {
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
		PublicKey string          `json:"public_key"`
	}
	require.NoError(t, json.Unmarshal(signed.Blob, &blob))

	pub, err := hex.DecodeString(blob.PublicKey)
	require.NoError(t, err)

	sig, err := hex.DecodeString(blob.Signature)
	require.NoError(t, err)

	assert.True(t, ed25519.Verify(pub, blob.Payload, sig))
}

func TestClient_CallOnce_NotConnected(t *testing.T) {
	c := New(Config{Endpoint: "ws://example", Logger: mlog.NewNop(), Retry: mretry.Config{
		MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, JitterFactor: 0,
	}})

	_, err := c.call(context.Background(), "account_info", nil)
	assert.Error(t, err)
}

func TestClient_PrepareSubmitLookupFundBalance_RoundTrip(t *testing.T) {
	node := newFakeLedgerNode(t)

	node.handle = func(command string, params map[string]any) (string, any) {
		switch command {
		case "account_info":
			if _, ok := params["destination"]; ok {
				return "success", map[string]any{}
			}

			return "success", map[string]any{
				"account_data": map[string]any{"Sequence": 7, "Balance": "1000"},
			}
		case "submit":
			return "success", map[string]any{
				"engine_result": "tesSUCCESS",
				"tx_json":       map[string]any{"hash": "ABCDEF"},
				"accepted":      true,
			}
		case "tx":
			return "success", map[string]any{
				"validated": true,
				"meta": map[string]any{
					"TransactionResult": "tesSUCCESS",
					"mpt_issuance_id":   "00001234",
				},
			}
		case "faucet_fund":
			return "success", map[string]any{}
		default:
			return "error", map[string]any{}
		}
	}

	c := New(Config{Endpoint: node.wsURL, Logger: mlog.NewNop(), DialTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	prepared, err := c.Prepare(ctx, domain.TxPayload{Account: "rAlice"})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), prepared.Sequence)

	signed, err := c.Sign(ctx, prepared, "sAliceSeed")
	require.NoError(t, err)

	hash, acceptance, err := c.Submit(ctx, signed.Blob)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", hash)
	assert.True(t, acceptance.Accepted)

	validated, meta, err := c.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.True(t, validated)
	assert.Equal(t, domain.SuccessResult, meta.TransactionResult)
	assert.Equal(t, "00001234", meta.IssuanceID)

	require.NoError(t, c.Fund(ctx, "rAlice"))

	balance, err := c.Balance(ctx, "rAlice")
	require.NoError(t, err)
	assert.False(t, balance.IsZero())
}
