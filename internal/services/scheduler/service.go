// Package scheduler owns the render job lifecycle: admission with the
// per-document render lock, fan-out into page batches, fan-in merge,
// and terminal bookkeeping on final failures.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
	"github.com/ternarybob/vectorpress/internal/services/lock"
)

// batchPayload is the child job body. DocumentID rides along so
// failure handling can release the render lock without re-deriving it.
type batchPayload struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
	BatchIndex int    `json:"batchIndex"`
	StartPage  int    `json:"startPage"`
	PageCount  int    `json:"pageCount"`
}

// batchResult is the child return value observed by the merge parent.
// Pages are base64 PDF bytes in page order.
type batchResult struct {
	JobID      string   `json:"jobId"`
	BatchIndex int      `json:"batchIndex"`
	StartPage  int      `json:"startPage"`
	Pages      [][]byte `json:"pages,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
}

// mergePayload is the parent job body.
type mergePayload struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
}

// Service is the render job scheduler.
type Service struct {
	cfg    *common.Config
	jobs   interfaces.JobStorage
	blobs  interfaces.BlobStorage
	queue  interfaces.FlowQueue
	locks  *lock.Service
	engine interfaces.LayoutEngine
	signer *common.Signer
	logger arbor.ILogger

	// pageAudit throttles PAGE_RENDERED timeline writes; progress updates
	// are not throttled.
	pageAudit *rate.Limiter
}

// NewService creates the scheduler.
func NewService(
	cfg *common.Config,
	jobs interfaces.JobStorage,
	blobs interfaces.BlobStorage,
	queue interfaces.FlowQueue,
	locks *lock.Service,
	engine interfaces.LayoutEngine,
	logger arbor.ILogger,
) *Service {
	limit := rate.Inf
	if cfg.Vector.AuditEventsPerSec > 0 {
		limit = rate.Limit(cfg.Vector.AuditEventsPerSec)
	}
	return &Service{
		cfg:       cfg,
		jobs:      jobs,
		blobs:     blobs,
		queue:     queue,
		locks:     locks,
		engine:    engine,
		signer:    common.NewSigner(cfg.Vector.MetadataMACSecret),
		logger:    logger,
		pageAudit: rate.NewLimiter(limit, 1),
	}
}

// Register binds the render pipeline handlers to the queue.
func (s *Service) Register() {
	s.queue.RegisterHandler(interfaces.JobNameRenderBatch, s.HandleBatch)
	s.queue.RegisterHandler(interfaces.JobNameRenderMerge, s.HandleMerge)
	s.queue.RegisterFailureHandler(interfaces.JobNameRenderBatch, s.handleFinalFailure)
	s.queue.RegisterFailureHandler(interfaces.JobNameRenderMerge, s.handleFinalFailure)
}

// Submit admits a render request: validate, sign, take the render lock,
// persist the job and enqueue its flow. When the document is already
// being rendered the holder's job is returned instead of a new one.
func (s *Service) Submit(ctx context.Context, ownerID string, meta *models.VectorMetadata) (*models.PrintJob, error) {
	if err := meta.ValidateForEnqueue(s.cfg.Vector.MaxPages, s.cfg.Vector.MaxSeriesEnd); err != nil {
		return nil, err
	}

	mac, err := s.signer.Sign(meta)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "metadata mac", err)
	}
	job := models.NewPrintJob(ownerID, *meta, mac)
	docID := meta.LockDocumentID()

	res, err := s.locks.Acquire(ctx, docID, job.ID)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "render lock", err)
	}
	switch res.Outcome {
	case lock.OutcomeBusy:
		holder, err := s.jobs.Get(ctx, res.HolderID)
		if err == nil {
			s.logger.Info().
				Str("document_id", docID).
				Str("holder_job_id", holder.ID).
				Msg("Render already in progress, returning holder job")
			return holder, nil
		}
		return nil, models.Errorf(models.KindLockBusy, "document %s render already in progress", docID)
	case lock.OutcomeThrottled:
		return nil, models.Errorf(models.KindLockThrottled, "active render jobs at cap (%d)", res.Active)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		s.releaseLock(context.WithoutCancel(ctx), docID, job.ID)
		return nil, models.WrapError(models.KindInternal, "persist job", err)
	}
	s.audit(ctx, job.ID, models.AuditJobCreated, map[string]interface{}{
		"totalPages":    meta.Layout.TotalPages,
		"repeatPerPage": meta.Layout.RepeatPerPage,
	})
	if res.Outcome == lock.OutcomeUnavailable {
		s.audit(ctx, job.ID, models.AuditRenderLockUnavailable, nil)
	}

	if err := s.queue.EnqueueFlow(ctx, s.buildFlow(job, docID)); err != nil {
		s.failJob(context.WithoutCancel(ctx), job.ID, docID, fmt.Errorf("enqueue flow: %w", err))
		return nil, models.WrapError(models.KindInternal, "enqueue flow", err)
	}
	s.audit(ctx, job.ID, models.AuditJobEnqueued, map[string]interface{}{
		"batches":   s.batchCount(meta.Layout.TotalPages),
		"batchSize": s.cfg.Vector.BatchSize,
	})

	s.logger.Info().
		Str("job_id", job.ID).
		Str("document_id", docID).
		Int("total_pages", meta.Layout.TotalPages).
		Msg("Render job submitted")
	return job, nil
}

// buildFlow fans the job out into page batches under a merge parent.
func (s *Service) buildFlow(job *models.PrintJob, docID string) interfaces.FlowSpec {
	total := job.TotalPages
	size := s.cfg.Vector.BatchSize

	children := make([]interfaces.FlowChild, 0, s.batchCount(total))
	for start, idx := 0, 0; start < total; start, idx = start+size, idx+1 {
		count := size
		if start+count > total {
			count = total - start
		}
		children = append(children, interfaces.FlowChild{
			Name: interfaces.JobNameRenderBatch,
			Payload: batchPayload{
				JobID:      job.ID,
				DocumentID: docID,
				BatchIndex: idx,
				StartPage:  start,
				PageCount:  count,
			},
			Attempts: s.cfg.Vector.BatchAttempts,
		})
	}

	return interfaces.FlowSpec{
		ID:       job.ID,
		Parent:   interfaces.FlowChild{Name: interfaces.JobNameRenderMerge, Payload: mergePayload{JobID: job.ID, DocumentID: docID}},
		Children: children,
	}
}

func (s *Service) batchCount(totalPages int) int {
	size := s.cfg.Vector.BatchSize
	return (totalPages + size - 1) / size
}

// handleFinalFailure terminalizes the job when a queue job exhausts its
// attempts or fails non-retryably.
func (s *Service) handleFinalFailure(ctx context.Context, fj *interfaces.FlowJob, cause error) {
	var ref struct {
		JobID      string `json:"jobId"`
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(fj.Payload, &ref); err != nil || ref.JobID == "" {
		s.logger.Error().Err(err).Str("queue_job", fj.ID).Msg("Failure payload unreadable")
		return
	}

	job, err := s.jobs.Get(ctx, ref.JobID)
	if err == nil && job.IsTerminal() {
		return
	}

	s.logger.Warn().
		Str("job_id", ref.JobID).
		Str("queue_job", fj.ID).
		Str("name", fj.Name).
		Err(cause).
		Msg("Render job failed terminally")
	s.failJob(ctx, ref.JobID, ref.DocumentID, cause)
	s.auditFinalFailure(ctx, ref.JobID, fj, cause)
}

func (s *Service) failJob(ctx context.Context, jobID, docID string, cause error) {
	jobErr := models.JobError{
		Message: cause.Error(),
		Stack:   fmt.Sprintf("%+v", cause),
	}
	if err := s.jobs.MarkFailed(ctx, jobID, jobErr); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
	s.releaseLock(ctx, docID, jobID)
}

func (s *Service) auditFinalFailure(ctx context.Context, jobID string, fj *interfaces.FlowJob, cause error) {
	s.audit(ctx, jobID, models.AuditJobFailed, map[string]interface{}{
		"queueJobId": fj.ID,
		"queueJob":   fj.Name,
		"attempt":    fj.Attempt,
		"error":      cause.Error(),
	})
}

// releaseLock frees the render lock, swallowing errors: expiry and the
// reaper guarantee eventual release.
func (s *Service) releaseLock(ctx context.Context, docID, jobID string) {
	if docID == "" {
		return
	}
	if err := s.locks.Release(ctx, docID, jobID); err == nil {
		s.audit(ctx, jobID, models.AuditRenderLockReleased, nil)
	}
}

// audit appends a timeline event, logging instead of failing the caller
// when the write is rejected.
func (s *Service) audit(ctx context.Context, jobID, event string, details map[string]interface{}) {
	if err := s.jobs.AppendAudit(ctx, jobID, models.NewAuditEvent(event, details)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("Audit append failed")
	}
}

// outputExpiry computes the final artifact deadline.
func (s *Service) outputExpiry(now time.Time) time.Time {
	return now.Add(time.Duration(s.cfg.Vector.FinalPDFTTLHours) * time.Hour)
}
