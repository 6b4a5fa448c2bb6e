// Package statuscache is a Redis read-through cache for the lightweight
// status endpoint (GET /api/operations/{id}?status=true) plus a
// best-effort pub/sub fanout of terminal status transitions. Neither path
// ever touches credential/seed material (spec §4.1 pins that to the
// in-process map in internal/adapters/credential) — this cache only ever
// holds operation-status summaries.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/mredis"
)

const (
	keyPrefix      = "ledgerops:operation-status:"
	statusChannel  = "operations.status"
	defaultTTL     = 10 * time.Second
)

// StatusSummary is the cached shape for the lightweight status response.
type StatusSummary struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	ErrorCode    *string `json:"errorCode,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

// Cache wraps a Redis connection for status read-through and pub/sub.
type Cache struct {
	conn   *mredis.Connection
	logger mlog.Logger
	ttl    time.Duration
}

// New returns a Cache bound to conn.
func New(conn *mredis.Connection, logger mlog.Logger) *Cache {
	return &Cache{conn: conn, logger: logger, ttl: defaultTTL}
}

// Get returns the cached summary for operationID, or (nil, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context, operationID string) (*StatusSummary, error) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := client.Get(ctx, keyPrefix+operationID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var summary StatusSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, err
	}

	return &summary, nil
}

// Put writes summary with the cache's default TTL. Failures are logged and
// swallowed — the cache is an optimization, never a source of truth.
func (c *Cache) Put(ctx context.Context, summary StatusSummary) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		c.logger.Warnf("statuscache: put %s: %v", summary.ID, err)
		return
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		c.logger.Warnf("statuscache: marshal %s: %v", summary.ID, err)
		return
	}

	if err := client.Set(ctx, keyPrefix+summary.ID, raw, c.ttl).Err(); err != nil {
		c.logger.Warnf("statuscache: set %s: %v", summary.ID, err)
	}
}

// Invalidate evicts operationID from the cache immediately. The executor and
// poller call it after each terminal operation-status write; the move to
// IN_PROGRESS does not invalidate, so a cached PENDING summary can be served
// until its TTL expires.
func (c *Cache) Invalidate(ctx context.Context, operationID string) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return
	}

	if err := client.Del(ctx, keyPrefix+operationID).Err(); err != nil {
		c.logger.Warnf("statuscache: invalidate %s: %v", operationID, err)
	}
}

// PublishTerminal publishes a terminal operation-status transition on the
// operations.status channel. Best-effort: failures are logged, never
// propagated (spec's executor/poller must not fail a transition over this).
func (c *Cache) PublishTerminal(ctx context.Context, op *domain.Operation) {
	if !op.Status.IsTerminal() {
		return
	}

	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return
	}

	payload, err := json.Marshal(StatusSummary{
		ID:           op.ID,
		Status:       string(op.Status),
		ErrorCode:    op.ErrorCode,
		ErrorMessage: op.ErrorMessage,
	})
	if err != nil {
		return
	}

	if err := client.Publish(ctx, statusChannel, payload).Err(); err != nil {
		c.logger.Warnf("statuscache: publish %s: %v", op.ID, err)
	}
}
