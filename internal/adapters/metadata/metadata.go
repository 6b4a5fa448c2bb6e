// Package metadata stores arbitrary caller-supplied operation metadata
// (spec §4.8's optional metadata field on MINT/TRANSFER/BURN intents) as a
// Mongo document keyed by operation id, mirroring the teacher's
// metadata-index pattern instead of a JSONB column: the shape is
// caller-defined and never queried by the relational schema, so it has no
// business living in operations itself.
package metadata

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/tokenforge/ledgerops/pkg/mmongo"
)

const collectionName = "operation_metadata"

// Record is the stored document shape.
type Record struct {
	OperationID string         `bson:"operation_id"`
	Data        map[string]any `bson:"data"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

// Repository persists operation metadata in Mongo.
type Repository struct {
	connection *mmongo.Connection
	database   string
}

// New returns a Repository bound to conn.
func New(conn *mmongo.Connection) *Repository {
	return &Repository{connection: conn, database: conn.Database}
}

// Create stores data under operationID. A nil or empty map is a no-op,
// matching the teacher's CreateMetadata contract of never writing an empty
// document.
func (r *Repository) Create(ctx context.Context, operationID string, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}

	db, err := r.connection.GetDatabase(ctx)
	if err != nil {
		return err
	}

	coll := db.Collection(strings.ToLower(collectionName))

	now := time.Now()
	record := Record{OperationID: operationID, Data: data, CreatedAt: now, UpdatedAt: now}

	_, err = coll.InsertOne(ctx, record)

	return err
}

// FindByOperationID returns the stored metadata for operationID, or
// (nil, nil) if none was ever recorded.
func (r *Repository) FindByOperationID(ctx context.Context, operationID string) (map[string]any, error) {
	db, err := r.connection.GetDatabase(ctx)
	if err != nil {
		return nil, err
	}

	coll := db.Collection(strings.ToLower(collectionName))

	var record Record
	if err := coll.FindOne(ctx, bson.M{"operation_id": operationID}).Decode(&record); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, err
	}

	return record.Data, nil
}
