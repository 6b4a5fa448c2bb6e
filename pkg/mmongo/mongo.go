package mmongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Connection is a hub which deals with the Mongo connection backing the
// operation-metadata index.
type Connection struct {
	ConnectionStringSource string
	Database               string
	Logger                 mlog.Logger

	client    *mongo.Client
	connected bool
}

// Connect establishes the singleton mongo client.
func (mc *Connection) Connect(ctx context.Context) error {
	mc.Logger.Info("connecting to mongo...")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mc.ConnectionStringSource))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	mc.client = client
	mc.connected = true

	mc.Logger.Info("connected to mongo")

	return nil
}

// GetDatabase returns the configured database handle, connecting lazily.
func (mc *Connection) GetDatabase(ctx context.Context) (*mongo.Database, error) {
	if !mc.connected {
		if err := mc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return mc.client.Database(mc.Database), nil
}
