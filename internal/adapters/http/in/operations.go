// Package in holds the fiber HTTP handlers for the operations/wallets
// surface of spec §6.
package in

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenforge/ledgerops/internal/adapters/postgres/operation"
	"github.com/tokenforge/ledgerops/internal/adapters/statuscache"
	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/internal/services/intake"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
	"github.com/tokenforge/ledgerops/pkg/nethttp"
)

// OperationHandler serves POST /api/operations/* and GET /api/operations/{id}.
type OperationHandler struct {
	Intake *intake.Intake
	Ops    operation.Repository
	Cache  *statuscache.Cache
	Logger mlog.Logger
}

type stepView struct {
	StepNo  int     `json:"stepNo"`
	KindTag string  `json:"kindTag"`
	Status  string  `json:"status"`
	TxHash  *string `json:"txHash,omitempty"`
}

type operationView struct {
	OperationID  string     `json:"operationId"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	IssuanceID   *string    `json:"issuanceId,omitempty"`
	ErrorCode    *string    `json:"errorCode,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	Steps        []stepView `json:"steps,omitempty"`
}

func toOperationView(op *domain.Operation, steps []*domain.OperationStep) operationView {
	out := operationView{
		OperationID: op.ID, Kind: string(op.Kind), Status: string(op.Status),
		IssuanceID: op.IssuanceID, ErrorCode: op.ErrorCode, ErrorMessage: op.ErrorMessage,
	}

	for _, s := range steps {
		out.Steps = append(out.Steps, stepView{StepNo: s.StepNo, KindTag: s.KindTag, Status: string(s.Status), TxHash: s.TxHash})
	}

	return out
}

// Mint handles POST /api/operations/mint.
func (h *OperationHandler) Mint(c *fiber.Ctx) error {
	return h.submit(c, "handler.mint", h.Intake.Mint)
}

// Transfer handles POST /api/operations/transfer.
func (h *OperationHandler) Transfer(c *fiber.Ctx) error {
	return h.submit(c, "handler.transfer", h.Intake.Transfer)
}

// Burn handles POST /api/operations/burn.
func (h *OperationHandler) Burn(c *fiber.Ctx) error {
	return h.submit(c, "handler.burn", h.Intake.Burn)
}

func (h *OperationHandler) submit(c *fiber.Ctx, spanName string, fn func(context.Context, map[string]any) (*domain.Operation, []*domain.OperationStep, error)) error {
	ctx, span := mopentelemetry.Tracer("http").Start(c.UserContext(), spanName)
	defer span.End()

	var raw map[string]any
	if err := c.BodyParser(&raw); err != nil {
		return nethttp.WithError(c, constant.InvalidArgumentError{Code: "MALFORMED_BODY", Title: "Malformed Body", Message: "request body must be valid JSON"})
	}

	op, steps, err := fn(ctx, raw)

	var replay constant.IdempotentReplayError
	if errors.As(err, &replay) {
		return nethttp.OK(c, toOperationView(op, steps))
	}

	if err != nil {
		h.Logger.Errorf("%s: %v", spanName, err)
		mopentelemetry.HandleSpanError(&span, spanName, err)

		return nethttp.WithError(c, err)
	}

	return nethttp.Created(c, toOperationView(op, steps))
}

// GetByID handles GET /api/operations/{id} and, with ?status=true, the
// lightweight status-cache-backed variant.
func (h *OperationHandler) GetByID(c *fiber.Ctx) error {
	ctx, span := mopentelemetry.Tracer("http").Start(c.UserContext(), "handler.get_operation")
	defer span.End()

	id := c.Params("id")

	if c.Query("status") == "true" {
		return h.getStatus(ctx, c, id)
	}

	op, err := h.Ops.FindByID(ctx, id)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "load operation", err)
		return nethttp.WithError(c, err)
	}

	if op == nil {
		return nethttp.WithError(c, constant.NotFoundError{Code: "OPERATION_NOT_FOUND", Title: "Operation Not Found", Message: "no operation with id " + id})
	}

	steps, err := h.Ops.LoadSteps(ctx, id)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "load steps", err)
		return nethttp.WithError(c, err)
	}

	return nethttp.OK(c, toOperationView(op, steps))
}

func (h *OperationHandler) getStatus(ctx context.Context, c *fiber.Ctx, id string) error {
	if cached, err := h.Cache.Get(ctx, id); err == nil && cached != nil {
		return nethttp.OK(c, cached)
	}

	op, err := h.Ops.FindByID(ctx, id)
	if err != nil {
		return nethttp.WithError(c, err)
	}

	if op == nil {
		return nethttp.WithError(c, constant.NotFoundError{Code: "OPERATION_NOT_FOUND", Title: "Operation Not Found", Message: "no operation with id " + id})
	}

	summary := statuscache.StatusSummary{ID: op.ID, Status: string(op.Status), ErrorCode: op.ErrorCode, ErrorMessage: op.ErrorMessage}
	h.Cache.Put(ctx, summary)

	return nethttp.OK(c, summary)
}
