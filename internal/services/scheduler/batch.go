package scheduler

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// renderPhaseCeiling is the progress share owned by page rendering;
// the merge owns the rest.
const renderPhaseCeiling = 80

// HandleBatch renders one contiguous page range. The produced pages
// ride back to the merge parent through the child result.
func (s *Service) HandleBatch(ctx context.Context, fj *interfaces.FlowJob) (json.RawMessage, error) {
	var p batchPayload
	if err := json.Unmarshal(fj.Payload, &p); err != nil {
		return nil, models.WrapError(models.KindBadRequest, "batch payload", err)
	}

	job, err := s.jobs.Get(ctx, p.JobID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return nil, models.Errorf(models.KindNotFound, "job %s not found", p.JobID)
		}
		return nil, err
	}

	// A reaped or already-terminal job renders nothing; the merge parent
	// sees the skip and stands down.
	if job.IsTerminal() {
		s.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("batch", p.BatchIndex).
			Msg("Skipping batch for terminal job")
		return marshalResult(batchResult{JobID: job.ID, BatchIndex: p.BatchIndex, StartPage: p.StartPage, Skipped: true})
	}

	// Integrity gate: the metadata about to drive rendering must be the
	// metadata that was admitted.
	ok, err := s.signer.Verify(job.Metadata, job.MetadataMAC)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "metadata mac verify", err)
	}
	if !ok {
		return nil, models.Errorf(models.KindMACMismatch, "job %s metadata mac mismatch", job.ID)
	}

	if err := s.jobs.MarkRunning(ctx, job.ID); err != nil {
		return nil, models.WrapError(models.KindInternal, "mark running", err)
	}

	pages := make([][]byte, 0, p.PageCount)
	for i := 0; i < p.PageCount; i++ {
		pageIndex := p.StartPage + i

		// The job is reloaded at every page boundary so a reap mid-batch
		// stops the render within one page, not one batch.
		if i > 0 {
			cur, err := s.jobs.Get(ctx, job.ID)
			if err != nil {
				return nil, models.WrapError(models.KindInternal, "reload job", err)
			}
			if cur.IsTerminal() {
				s.logger.Info().
					Str("job_id", job.ID).
					Str("status", string(cur.Status)).
					Int("batch", p.BatchIndex).
					Int("page_index", pageIndex).
					Msg("Job terminal mid-batch, standing down")
				return marshalResult(batchResult{JobID: job.ID, BatchIndex: p.BatchIndex, StartPage: p.StartPage, Skipped: true})
			}
		}

		page, err := s.engine.RenderPage(ctx, &job.Metadata, pageIndex)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)

		// Progress is a lower bound derived from this batch's own
		// position; max semantics in storage keep it monotone across
		// concurrent batches.
		progress := (pageIndex + 1) * renderPhaseCeiling / job.TotalPages
		if err := s.jobs.SetProgress(ctx, job.ID, progress); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Progress update failed")
		}
		if s.pageAudit.Allow() {
			s.audit(ctx, job.ID, models.AuditPageRendered, map[string]interface{}{
				"pageIndex": pageIndex,
				"batch":     p.BatchIndex,
			})
		}
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("batch", p.BatchIndex).
		Int("pages", len(pages)).
		Msg("Batch rendered")
	return marshalResult(batchResult{
		JobID:      job.ID,
		BatchIndex: p.BatchIndex,
		StartPage:  p.StartPage,
		Pages:      pages,
	})
}

func marshalResult(r batchResult) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "batch result", err)
	}
	return raw, nil
}
