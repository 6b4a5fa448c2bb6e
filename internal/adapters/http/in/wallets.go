package in

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenforge/ledgerops/internal/adapters/credential"
	"github.com/tokenforge/ledgerops/internal/adapters/ledgerclient"
	"github.com/tokenforge/ledgerops/internal/adapters/postgres/wallet"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
	"github.com/tokenforge/ledgerops/pkg/nethttp"
)

// WalletHandler serves POST /api/wallets, GET /api/wallets/{id}, and
// POST /api/wallets/{id}/fund.
type WalletHandler struct {
	Wallets    wallet.Repository
	Credential *credential.Store
	Adapter    domain.Adapter
	Logger     mlog.Logger
}

type createWalletRequest struct {
	Seed string `json:"seed"`
}

type walletView struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Create handles POST /api/wallets.
func (h *WalletHandler) Create(c *fiber.Ctx) error {
	ctx, span := mopentelemetry.Tracer("http").Start(c.UserContext(), "handler.create_wallet")
	defer span.End()

	var req createWalletRequest
	if err := c.BodyParser(&req); err != nil {
		req = createWalletRequest{}
	}

	seed := req.Seed
	if seed == "" {
		generated, err := generateSeed()
		if err != nil {
			mopentelemetry.HandleSpanError(&span, "generate seed", err)
			return nethttp.WithError(c, err)
		}

		seed = generated
	}

	w, err := h.Wallets.Create(ctx, ledgerclient.DeriveAddress(seed))
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "create wallet", err)
		return nethttp.WithError(c, err)
	}

	if err := h.Credential.StoreSeed(ctx, w.ID, seed); err != nil {
		mopentelemetry.HandleSpanError(&span, "store seed", err)
		return nethttp.WithError(c, err)
	}

	return nethttp.Created(c, walletView{ID: w.ID, Address: w.Address})
}

// generateSeed produces a fresh random ledger seed when the caller does not
// supply one, so every wallet still has custody material to encrypt.
func generateSeed() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return "s" + hex.EncodeToString(buf), nil
}

// GetByID handles GET /api/wallets/{id}. The reserved "issuer" id resolves
// to the virtual issuer wallet rather than a stored row.
func (h *WalletHandler) GetByID(c *fiber.Ctx) error {
	ctx, span := mopentelemetry.Tracer("http").Start(c.UserContext(), "handler.get_wallet")
	defer span.End()

	id := c.Params("id")

	if domain.IsIssuer(id) {
		address, err := h.Credential.ResolveAddress(ctx, id)
		if err != nil {
			mopentelemetry.HandleSpanError(&span, "resolve issuer address", err)
			return nethttp.WithError(c, err)
		}

		return nethttp.OK(c, walletView{ID: id, Address: address})
	}

	w, err := h.Wallets.FindByID(ctx, id)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "load wallet", err)
		return nethttp.WithError(c, err)
	}

	if w == nil {
		return nethttp.WithError(c, constant.NotFoundError{Code: "WALLET_NOT_FOUND", Title: "Wallet Not Found", Message: "no wallet with id " + id})
	}

	return nethttp.OK(c, walletView{ID: w.ID, Address: w.Address})
}

// Fund handles POST /api/wallets/{id}/fund: faucet-funds the wallet from
// the test-network adapter. Rejected for the issuer identity (spec §6).
func (h *WalletHandler) Fund(c *fiber.Ctx) error {
	ctx, span := mopentelemetry.Tracer("http").Start(c.UserContext(), "handler.fund_wallet")
	defer span.End()

	id := c.Params("id")

	if domain.IsIssuer(id) {
		return nethttp.WithError(c, constant.InvalidArgumentError{Code: "ISSUER_NOT_FUNDABLE", Title: "Issuer Not Fundable", Message: "the issuer identity cannot be faucet-funded"})
	}

	w, err := h.Wallets.FindByID(ctx, id)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "load wallet", err)
		return nethttp.WithError(c, err)
	}

	if w == nil {
		return nethttp.WithError(c, constant.NotFoundError{Code: "WALLET_NOT_FOUND", Title: "Wallet Not Found", Message: "no wallet with id " + id})
	}

	if err := h.Adapter.Fund(ctx, w.Address); err != nil {
		mopentelemetry.HandleSpanError(&span, "fund wallet", err)
		return nethttp.WithError(c, err)
	}

	return nethttp.OK(c, walletView{ID: w.ID, Address: w.Address})
}
