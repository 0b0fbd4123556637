package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// Merge progress checkpoints: rendering owns [0,80], assembly walks
// (80,95], serialization and upload close the gap to 100.
const (
	mergePhaseFloor   = 80
	mergePhaseCeiling = 95
	mergeProgressStep = 10
)

var pdfHeader = []byte("%PDF-")

// HandleMerge assembles the final artifact from the batch results,
// uploads it and terminalizes the job at DONE. It runs exactly after
// every batch child reported a terminal result.
func (s *Service) HandleMerge(ctx context.Context, fj *interfaces.FlowJob) (json.RawMessage, error) {
	var p mergePayload
	if err := json.Unmarshal(fj.Payload, &p); err != nil {
		return nil, models.WrapError(models.KindBadRequest, "merge payload", err)
	}

	job, err := s.jobs.Get(ctx, p.JobID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return nil, models.Errorf(models.KindNotFound, "job %s not found", p.JobID)
		}
		return nil, err
	}
	if job.IsTerminal() {
		s.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Skipping merge for terminal job")
		s.releaseLock(ctx, p.DocumentID, job.ID)
		return json.Marshal(map[string]bool{"skipped": true})
	}

	pages, err := collectPages(job, fj.ChildResults)
	if err != nil {
		return nil, err
	}
	if pages == nil {
		// A batch skipped because the job was reaped mid-flight.
		s.releaseLock(ctx, p.DocumentID, job.ID)
		return json.Marshal(map[string]bool{"skipped": true})
	}

	start := time.Now()
	merged, err := s.assemble(job, pages, start)
	// The page slices are nulled during assembly; drop the slice header
	// too before the upload allocates.
	pages = nil
	if err != nil {
		return nil, err
	}
	mergeMS := time.Since(start).Milliseconds()
	s.setProgress(ctx, job.ID, mergePhaseCeiling)

	key := interfaces.BlobPrefixFinal + job.ID + ".pdf"
	if err := s.blobs.Put(ctx, key, merged, "application/pdf"); err != nil {
		return nil, models.WrapError(models.KindInternal, "upload final artifact", err)
	}

	expiresAt := s.outputExpiry(time.Now().UTC())

	// Publish the key immediately so a device can pull the artifact
	// while the job is still RUNNING.
	if err := s.jobs.SetOutput(ctx, job.ID, models.JobOutput{Key: key, ExpiresAt: &expiresAt}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Output publish failed")
	}

	url, err := s.blobs.PresignedURL(ctx, key, time.Duration(s.cfg.Vector.SignedURLTTLMinute)*time.Minute)
	if err != nil {
		// The key alone is enough to serve the artifact; the signed URL
		// is a convenience.
		s.logger.Warn().Err(err).Str("key", key).Msg("Presigned URL generation failed")
		url = ""
	}

	output := models.JobOutput{Key: key, URL: url, ExpiresAt: &expiresAt}
	if err := s.jobs.MarkDone(ctx, job.ID, output); err != nil {
		return nil, models.WrapError(models.KindInternal, "mark done", err)
	}
	s.audit(ctx, job.ID, models.AuditJobDone, map[string]interface{}{
		"key":   key,
		"pages": job.TotalPages,
		"bytes": len(merged),
	})
	s.audit(ctx, job.ID, models.AuditMergeTime, map[string]interface{}{
		"ms": mergeMS,
	})

	s.releaseLock(ctx, p.DocumentID, job.ID)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("key", key).
		Int("pages", job.TotalPages).
		Int64("merge_ms", mergeMS).
		Msg("Render job done")
	return json.Marshal(map[string]string{"output": key})
}

// collectPages reassembles the full page sequence from the child
// results. Returns nil pages when any batch skipped.
func collectPages(job *models.PrintJob, results []json.RawMessage) ([][]byte, error) {
	pages := make([][]byte, job.TotalPages)
	for _, raw := range results {
		var r batchResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, models.WrapError(models.KindInternal, "batch result decode", err)
		}
		if r.Skipped {
			return nil, nil
		}
		for i, page := range r.Pages {
			idx := r.StartPage + i
			if idx < 0 || idx >= job.TotalPages {
				return nil, models.Errorf(models.KindMissingPages, "batch %d produced out-of-range page %d", r.BatchIndex, idx)
			}
			pages[idx] = page
		}
	}
	for i, page := range pages {
		if len(page) == 0 {
			return nil, models.Errorf(models.KindMissingPages, "page %d missing from batch results", i)
		}
	}
	return pages, nil
}

// assemble merges the rendered pages in order under the configured
// wall-clock budget. Page slots are nulled as they are written out so
// peak memory stays one copy.
func (s *Service) assemble(job *models.PrintJob, pages [][]byte, start time.Time) ([]byte, error) {
	var deadline time.Time
	if s.cfg.Vector.MergeMaxMS > 0 {
		deadline = start.Add(time.Duration(s.cfg.Vector.MergeMaxMS) * time.Millisecond)
	}

	dir, err := os.MkdirTemp("", "vectorpress-merge-*")
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "merge workspace", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, len(pages))
	for i, page := range pages {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, models.Errorf(models.KindTimeBudgetExceeded, "merge exceeded %dms at page %d", s.cfg.Vector.MergeMaxMS, i)
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("page-%06d.pdf", i))
		if err := os.WriteFile(paths[i], page, 0o600); err != nil {
			return nil, models.WrapError(models.KindInternal, "stage page", err)
		}
		pages[i] = nil

		if i > 0 && i%mergeProgressStep == 0 {
			p := mergePhaseFloor + i*(mergePhaseCeiling-mergePhaseFloor)/len(pages)
			s.setProgress(context.Background(), job.ID, p)
		}
	}

	outPath := filepath.Join(dir, "final.pdf")
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.MergeCreateFile(paths, outPath, false, conf); err != nil {
		return nil, models.WrapError(models.KindInternal, "merge pages", err)
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return nil, models.Errorf(models.KindTimeBudgetExceeded, "merge exceeded %dms during serialization", s.cfg.Vector.MergeMaxMS)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "read merged artifact", err)
	}
	if !bytes.HasPrefix(out, pdfHeader) {
		return nil, models.NewError(models.KindBadPDFHeader, "merged artifact is not a PDF")
	}
	return out, nil
}

func (s *Service) setProgress(ctx context.Context, jobID string, p int) {
	if err := s.jobs.SetProgress(ctx, jobID, p); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Progress update failed")
	}
}
