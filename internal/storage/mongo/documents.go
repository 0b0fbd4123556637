package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// DocumentStore is the MongoDB-backed document repository.
type DocumentStore struct {
	col *mongo.Collection
}

var _ interfaces.DocumentStorage = (*DocumentStore)(nil)

func NewDocumentStore(db *mongo.Database) *DocumentStore {
	col := db.Collection(collDocuments)
	idx := mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)}
	col.Indexes().CreateOne(context.Background(), idx)
	return &DocumentStore{col: col}
}

func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := s.col.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.col.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *DocumentStore) BumpExportVersion(ctx context.Context, id string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$inc": bson.M{"exportVersion": 1},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
