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

// AccessStore is the MongoDB-backed grant repository.
type AccessStore struct {
	col *mongo.Collection
}

var _ interfaces.AccessStorage = (*AccessStore)(nil)

func NewAccessStore(db *mongo.Database) *AccessStore {
	col := db.Collection(collAccess)
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	col.Indexes().CreateOne(context.Background(), idx)
	return &AccessStore{col: col}
}

func (s *AccessStore) Create(ctx context.Context, access *models.DocumentAccess) error {
	now := time.Now().UTC()
	access.CreatedAt = now
	access.UpdatedAt = now
	_, err := s.col.InsertOne(ctx, access)
	if err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	return nil
}

func (s *AccessStore) Get(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error) {
	var access models.DocumentAccess
	err := s.col.FindOne(ctx, bson.M{"documentId": documentID, "userId": userID}).Decode(&access)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &access, nil
}

// IncrementUsed is the write-behind increment, filtered by revoked=false.
func (s *AccessStore) IncrementUsed(ctx context.Context, documentID, userID string, at time.Time) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"documentId": documentID, "userId": userID, "revoked": false},
		bson.M{
			"$inc": bson.M{"printsUsed": 1},
			"$set": bson.M{"lastPrintAt": at, "updatedAt": at},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ConsumeOptimistic is the durable fallback consume. The filter encodes
// the invariant printsUsed < printQuota so the counter can never pass
// the cap regardless of concurrency.
func (s *AccessStore) ConsumeOptimistic(ctx context.Context, documentID, userID string, at time.Time) (bool, error) {
	res, err := s.col.UpdateOne(ctx,
		bson.M{
			"documentId": documentID,
			"userId":     userID,
			"revoked":    false,
			"$expr":      bson.M{"$lt": bson.A{"$printsUsed", "$printQuota"}},
		},
		bson.M{
			"$inc": bson.M{"printsUsed": 1},
			"$set": bson.M{"lastPrintAt": at, "updatedAt": at},
		},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// NormalizeCounters lazily backfills null printQuota/printsUsed fields
// and returns the normalized grant.
func (s *AccessStore) NormalizeCounters(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error) {
	filter := bson.M{"documentId": documentID, "userId": userID}

	set := bson.M{}
	var raw bson.M
	if err := s.col.FindOne(ctx, filter).Decode(&raw); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	if v, ok := raw["printQuota"]; !ok || v == nil {
		set["printQuota"] = 0
	}
	if v, ok := raw["printsUsed"]; !ok || v == nil {
		set["printsUsed"] = 0
	}
	if len(set) > 0 {
		set["updatedAt"] = time.Now().UTC()
		if _, err := s.col.UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, documentID, userID)
}
