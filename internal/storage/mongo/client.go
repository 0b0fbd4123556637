package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/vectorpress/internal/common"
)

// Collection names in the metadata store.
const (
	collPrintJobs = "print_jobs"
	collDocuments = "documents"
	collAccess    = "document_access"
)

// Connect opens a client against the configured MongoDB instance and
// verifies connectivity with a ping.
func Connect(ctx context.Context, cfg common.MongoConfig) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client.Database(cfg.Database), nil
}
