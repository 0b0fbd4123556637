// Package reaper runs the periodic job sweep: expire stale running
// jobs, purge expired outputs and archive long-dead failures.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// failedRetention is how long FAILED jobs stay before archival.
const failedRetention = 7 * 24 * time.Hour

// Service is the job reaper. Each sweep runs four independent passes;
// every record update is idempotent, so overlapping instances are safe.
type Service struct {
	cfg    *common.Config
	jobs   interfaces.JobStorage
	blobs  interfaces.BlobStorage
	logger arbor.ILogger
	cron   *cron.Cron
}

// NewService creates the reaper.
func NewService(cfg *common.Config, jobs interfaces.JobStorage, blobs interfaces.BlobStorage, logger arbor.ILogger) *Service {
	return &Service{
		cfg:    cfg,
		jobs:   jobs,
		blobs:  blobs,
		logger: logger,
	}
}

// Start schedules the sweep on the configured cadence.
func (s *Service) Start() error {
	interval := time.Duration(s.cfg.Reaper.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("interval", interval.String()).Msg("Job reaper started")
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs the four cleanup passes once.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.expireRunningWithDeadOutput(ctx, now)
	s.expireStaleRunning(ctx, now)
	s.expireDoneOutputs(ctx, now)
	s.archiveOldFailures(ctx, now)
}

// Pass 1: RUNNING jobs whose materialized output already expired. The
// blob goes first; the record update follows regardless so a delete
// failure cannot wedge the job.
func (s *Service) expireRunningWithDeadOutput(ctx context.Context, now time.Time) {
	jobs, err := s.jobs.FindRunningWithExpiredOutput(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reaper query failed: running with expired output")
		return
	}
	for _, job := range jobs {
		s.deleteOutput(ctx, job)
		if err := s.jobs.MarkExpired(ctx, job.ID, true); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Expire failed")
			continue
		}
		s.audit(ctx, job.ID, models.AuditRunningJobExpired, nil)
	}
}

// Pass 2: RUNNING jobs with no recent progress.
func (s *Service) expireStaleRunning(ctx context.Context, now time.Time) {
	horizon := now.Add(-time.Duration(s.cfg.Reaper.StaleMS) * time.Millisecond)
	jobs, err := s.jobs.FindRunningStale(ctx, horizon)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reaper query failed: stale running")
		return
	}
	for _, job := range jobs {
		if err := s.jobs.MarkExpired(ctx, job.ID, false); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Expire failed")
			continue
		}
		s.audit(ctx, job.ID, models.AuditJobExpired, map[string]interface{}{
			"updatedAt": job.UpdatedAt,
		})
		s.logger.Info().
			Str("job_id", job.ID).
			Str("updated_at", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Expired stale running job")
	}
}

// Pass 3: DONE jobs whose output expired.
func (s *Service) expireDoneOutputs(ctx context.Context, now time.Time) {
	jobs, err := s.jobs.FindDoneExpired(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reaper query failed: done expired")
		return
	}
	for _, job := range jobs {
		s.deleteOutput(ctx, job)
		if err := s.jobs.MarkExpired(ctx, job.ID, true); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Expire failed")
			continue
		}
		s.audit(ctx, job.ID, models.AuditOutputExpiredDeleted, nil)
	}
}

// Pass 4: FAILED jobs past retention move to EXPIRED as archival.
func (s *Service) archiveOldFailures(ctx context.Context, now time.Time) {
	jobs, err := s.jobs.FindFailedBefore(ctx, now.Add(-failedRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("Reaper query failed: failed before retention")
		return
	}
	for _, job := range jobs {
		if err := s.jobs.MarkExpired(ctx, job.ID, false); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Archive failed")
			continue
		}
		s.audit(ctx, job.ID, models.AuditJobArchived, nil)
	}
}

// deleteOutput removes the job's output blob. The storage layer rejects
// keys outside the deletable prefixes; failures are swallowed because
// the record update must proceed either way.
func (s *Service) deleteOutput(ctx context.Context, job *models.PrintJob) {
	if job.Output == nil || job.Output.Key == "" {
		return
	}
	if !interfaces.DeletableBlobKey(job.Output.Key) {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("key", job.Output.Key).
			Msg("Output key outside deletable prefixes, leaving blob")
		return
	}
	if err := s.blobs.Delete(ctx, job.Output.Key); err != nil && err != interfaces.ErrBlobNotFound {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("key", job.Output.Key).Msg("Output blob delete failed")
	}
}

func (s *Service) audit(ctx context.Context, jobID, event string, details map[string]interface{}) {
	if err := s.jobs.AppendAudit(ctx, jobID, models.NewAuditEvent(event, details)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("Audit append failed")
	}
}
