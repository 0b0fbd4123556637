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

// JobStore is the MongoDB-backed print-job repository.
type JobStore struct {
	col *mongo.Collection
}

var _ interfaces.JobStorage = (*JobStore)(nil)

// NewJobStore creates the repository and ensures its indexes. Jobs are
// looked up by id, and the reaper sweeps on (status, updatedAt) and
// (status, output.expiresAt).
func NewJobStore(db *mongo.Database) *JobStore {
	col := db.Collection(collPrintJobs)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "output.expiresAt", Value: 1}}},
	}
	col.Indexes().CreateMany(context.Background(), indexes)
	return &JobStore{col: col}
}

func (s *JobStore) Create(ctx context.Context, job *models.PrintJob) error {
	_, err := s.col.InsertOne(ctx, job)
	if err != nil {
		return fmt.Errorf("insert print job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.PrintJob, error) {
	var job models.PrintJob
	err := s.col.FindOne(ctx, bson.M{"id": id}).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) AppendAudit(ctx context.Context, id string, event models.AuditEvent) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$push": bson.M{"audit": event},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// SetProgress raises progress with max semantics: the filter requires
// the stored value to be lower, so cross-worker updates never decrement.
func (s *JobStore) SetProgress(ctx context.Context, id string, p int) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"id": id, "progress": bson.M{"$lt": p}},
		bson.M{"$set": bson.M{"progress": p, "updatedAt": time.Now().UTC()}},
	)
	return err
}

func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"id": id, "status": models.JobStatusPending},
		bson.M{"$set": bson.M{"status": models.JobStatusRunning, "updatedAt": time.Now().UTC()}},
	)
	return err
}

// SetOutput publishes the output on a still-live job; terminal jobs
// never match the filter.
func (s *JobStore) SetOutput(ctx context.Context, id string, output models.JobOutput) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"id": id, "status": bson.M{"$in": bson.A{models.JobStatusPending, models.JobStatusRunning}}},
		bson.M{"$set": bson.M{"output": output, "updatedAt": time.Now().UTC()}},
	)
	return err
}

func (s *JobStore) MarkDone(ctx context.Context, id string, output models.JobOutput) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$set": bson.M{
			"status":    models.JobStatusDone,
			"progress":  100,
			"output":    output,
			"updatedAt": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, jobErr models.JobError) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$set": bson.M{
			"status":    models.JobStatusFailed,
			"error":     jobErr,
			"updatedAt": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) MarkExpired(ctx context.Context, id string, clearOutput bool) error {
	set := bson.M{
		"status":    models.JobStatusExpired,
		"updatedAt": time.Now().UTC(),
	}
	update := bson.M{"$set": set}
	if clearOutput {
		set["output"] = nil
	}
	res, err := s.col.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*models.PrintJob, error) {
	return s.find(ctx, bson.M{
		"status":           models.JobStatusRunning,
		"output.key":       bson.M{"$nin": bson.A{nil, ""}},
		"output.expiresAt": bson.M{"$lte": now},
	})
}

func (s *JobStore) FindRunningStale(ctx context.Context, updatedBefore time.Time) ([]*models.PrintJob, error) {
	return s.find(ctx, bson.M{
		"status": models.JobStatusRunning,
		"$or": bson.A{
			bson.M{"output": nil},
			bson.M{"output.key": bson.M{"$in": bson.A{nil, ""}}},
		},
		"updatedAt": bson.M{"$lte": updatedBefore},
	})
}

func (s *JobStore) FindDoneExpired(ctx context.Context, now time.Time) ([]*models.PrintJob, error) {
	return s.find(ctx, bson.M{
		"status":           models.JobStatusDone,
		"output.expiresAt": bson.M{"$lte": now},
	})
}

func (s *JobStore) FindFailedBefore(ctx context.Context, createdBefore time.Time) ([]*models.PrintJob, error) {
	return s.find(ctx, bson.M{
		"status":    models.JobStatusFailed,
		"updatedAt": bson.M{"$lte": createdBefore},
	})
}

func (s *JobStore) find(ctx context.Context, filter bson.M) ([]*models.PrintJob, error) {
	cur, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var jobs []*models.PrintJob
	for cur.Next(ctx) {
		var job models.PrintJob
		if err := cur.Decode(&job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, cur.Err()
}
