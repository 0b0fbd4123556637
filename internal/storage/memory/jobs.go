// Package memory provides in-memory implementations of the storage
// interfaces, used by tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// JobStore is an in-memory JobStorage.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.PrintJob
}

var _ interfaces.JobStorage = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*models.PrintJob)}
}

func (s *JobStore) Create(ctx context.Context, job *models.PrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.PrintJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *JobStore) AppendAudit(ctx context.Context, id string, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.Audit = append(job.Audit, event)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) SetProgress(ctx context.Context, id string, p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if p > job.Progress {
		job.Progress = p
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if job.Status == models.JobStatusPending {
		job.Status = models.JobStatusRunning
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *JobStore) SetOutput(ctx context.Context, id string, output models.JobOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if job.IsTerminal() {
		return nil
	}
	job.Output = &output
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) MarkDone(ctx context.Context, id string, output models.JobOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.Status = models.JobStatusDone
	job.Progress = 100
	job.Output = &output
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, jobErr models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.Status = models.JobStatusFailed
	job.Error = &jobErr
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) MarkExpired(ctx context.Context, id string, clearOutput bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.Status = models.JobStatusExpired
	if clearOutput {
		job.Output = nil
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*models.PrintJob, error) {
	return s.filter(func(j *models.PrintJob) bool {
		return j.Status == models.JobStatusRunning &&
			j.Output != nil && j.Output.Key != "" &&
			j.Output.ExpiresAt != nil && !j.Output.ExpiresAt.After(now)
	}), nil
}

func (s *JobStore) FindRunningStale(ctx context.Context, updatedBefore time.Time) ([]*models.PrintJob, error) {
	return s.filter(func(j *models.PrintJob) bool {
		return j.Status == models.JobStatusRunning &&
			(j.Output == nil || j.Output.Key == "") &&
			!j.UpdatedAt.After(updatedBefore)
	}), nil
}

func (s *JobStore) FindDoneExpired(ctx context.Context, now time.Time) ([]*models.PrintJob, error) {
	return s.filter(func(j *models.PrintJob) bool {
		return j.Status == models.JobStatusDone &&
			j.Output != nil && j.Output.ExpiresAt != nil && !j.Output.ExpiresAt.After(now)
	}), nil
}

func (s *JobStore) FindFailedBefore(ctx context.Context, createdBefore time.Time) ([]*models.PrintJob, error) {
	return s.filter(func(j *models.PrintJob) bool {
		return j.Status == models.JobStatusFailed && !j.UpdatedAt.After(createdBefore)
	}), nil
}

func (s *JobStore) filter(keep func(*models.PrintJob) bool) []*models.PrintJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PrintJob
	for _, j := range s.jobs {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// SetUpdatedAt rewinds a job's updatedAt. Test hook for staleness paths.
func (s *JobStore) SetUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.UpdatedAt = t
	}
}
