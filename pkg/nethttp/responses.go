// Package nethttp holds the fiber response helpers and middleware shared by
// every HTTP handler, grounded on the teacher's common/net/http package.
package nethttp

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenforge/ledgerops/pkg/constant"
)

// ResponseError is the JSON body emitted for any mapped error.
type ResponseError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// OK writes a 200 with the given body.
func OK(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusOK).JSON(body)
}

// Created writes a 201 with the given body.
func Created(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusCreated).JSON(body)
}

// NoContent writes a 204.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// WithError maps a typed core error (spec §7) to the matching HTTP status
// and never leaks internal exception structures to the caller.
func WithError(c *fiber.Ctx, err error) error {
	var invalid constant.InvalidArgumentError
	if errors.As(err, &invalid) {
		return c.Status(fiber.StatusBadRequest).JSON(ResponseError{Error: invalid.Message, Details: invalid.Code})
	}

	var notFound constant.NotFoundError
	if errors.As(err, &notFound) {
		return c.Status(fiber.StatusNotFound).JSON(ResponseError{Error: notFound.Message, Details: notFound.Code})
	}

	var integrity constant.IntegrityError
	if errors.As(err, &integrity) {
		return c.Status(fiber.StatusInternalServerError).JSON(ResponseError{Error: integrity.Message, Details: integrity.Code})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(ResponseError{Error: "internal server error"})
}
