package mredis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Connection is a hub which deals with redis connections, used for the
// operation-status read cache and the status-change pub/sub channel. It is
// never used on the credential plaintext path (spec §4.1 requires an
// in-process cache for that).
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	client    *redis.Client
	connected bool
}

// Connect establishes the singleton redis client.
func (rc *Connection) Connect(ctx context.Context) error {
	rc.Logger.Info("connecting to redis...")

	opts, err := redis.ParseURL(rc.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	rc.client = client
	rc.connected = true

	rc.Logger.Info("connected to redis")

	return nil
}

// GetClient returns the redis client, connecting lazily if needed.
func (rc *Connection) GetClient(ctx context.Context) (*redis.Client, error) {
	if !rc.connected {
		if err := rc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return rc.client, nil
}
