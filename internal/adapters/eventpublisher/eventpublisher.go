// Package eventpublisher fans out operation/step lifecycle events
// (operation.created, operation.succeeded, operation.failed, step.validated)
// onto the configured RabbitMQ topic exchange, at-least-once and
// fire-and-forget: a publish failure is logged and swallowed, never
// propagated back to the caller, since no SPEC_FULL.md transition may be
// blocked or rolled back by a notification-plane failure.
package eventpublisher

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mopentelemetry"
	"github.com/tokenforge/ledgerops/pkg/mrabbitmq"
)

const (
	RoutingOperationCreated   = "operation.created"
	RoutingOperationSucceeded = "operation.succeeded"
	RoutingOperationFailed    = "operation.failed"
	RoutingStepValidated      = "step.validated"
)

// Event is the envelope published for every routing key above.
type Event struct {
	OperationID string    `json:"operationId"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	StepNo      *int      `json:"stepNo,omitempty"`
	TxHash      *string   `json:"txHash,omitempty"`
	ErrorCode   *string   `json:"errorCode,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher publishes lifecycle events to RabbitMQ.
type Publisher struct {
	conn   *mrabbitmq.Connection
	logger mlog.Logger
}

// New returns a Publisher bound to conn.
func New(conn *mrabbitmq.Connection, logger mlog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish sends event under routingKey. Failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event Event) {
	_, span := mopentelemetry.Tracer("eventpublisher").Start(ctx, "eventpublisher.publish")
	defer span.End()

	channel, err := p.conn.GetChannel()
	if err != nil {
		p.logger.Warnf("eventpublisher: channel unavailable for %s: %v", routingKey, err)
		mopentelemetry.HandleSpanError(&span, "channel unavailable", err)

		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warnf("eventpublisher: marshal %s: %v", routingKey, err)
		mopentelemetry.HandleSpanError(&span, "marshal event", err)

		return
	}

	err = channel.Publish(
		p.conn.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Warnf("eventpublisher: publish %s for %s: %v", routingKey, event.OperationID, err)
		mopentelemetry.HandleSpanError(&span, "publish event", err)

		return
	}

	p.logger.Infof("eventpublisher: published %s for operation %s", routingKey, event.OperationID)
}
