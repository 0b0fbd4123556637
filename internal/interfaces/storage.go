package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/vectorpress/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStorage persists print jobs in the metadata store.
type JobStorage interface {
	Create(ctx context.Context, job *models.PrintJob) error
	Get(ctx context.Context, id string) (*models.PrintJob, error)

	// AppendAudit appends one event to the job's audit timeline.
	AppendAudit(ctx context.Context, id string, event models.AuditEvent) error

	// SetProgress raises the job's progress to p. Updates use max
	// semantics: a lower value than the stored one is a no-op.
	SetProgress(ctx context.Context, id string, p int) error

	// MarkRunning transitions PENDING -> RUNNING. Idempotent: a job
	// already RUNNING is left untouched.
	MarkRunning(ctx context.Context, id string) error

	// SetOutput publishes the output reference on a non-terminal job so
	// the artifact is pullable while the job is still RUNNING. Terminal
	// jobs are left untouched.
	SetOutput(ctx context.Context, id string, output models.JobOutput) error

	// MarkDone records the output and terminalizes the job at DONE.
	MarkDone(ctx context.Context, id string, output models.JobOutput) error

	// MarkFailed terminalizes the job at FAILED with the given error.
	MarkFailed(ctx context.Context, id string, jobErr models.JobError) error

	// MarkExpired moves the job to EXPIRED. When clearOutput is set the
	// output reference is nulled.
	MarkExpired(ctx context.Context, id string, clearOutput bool) error

	// Reaper sweep queries. Each returns jobs matching one of the four
	// independent cleanup passes.
	FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*models.PrintJob, error)
	FindRunningStale(ctx context.Context, updatedBefore time.Time) ([]*models.PrintJob, error)
	FindDoneExpired(ctx context.Context, now time.Time) ([]*models.PrintJob, error)
	FindFailedBefore(ctx context.Context, createdBefore time.Time) ([]*models.PrintJob, error)
}

// DocumentStorage persists document records.
type DocumentStorage interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)

	// BumpExportVersion increments the export version, invalidating any
	// materialized export for the document.
	BumpExportVersion(ctx context.Context, id string) error
}

// AccessStorage persists per-(document,user) print grants.
type AccessStorage interface {
	Create(ctx context.Context, access *models.DocumentAccess) error
	Get(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error)

	// IncrementUsed is the write-behind increment of printsUsed,
	// filtered by revoked=false. Returns ErrNotFound when no live grant
	// matched.
	IncrementUsed(ctx context.Context, documentID, userID string, at time.Time) error

	// ConsumeOptimistic performs the durable fallback consume: in one
	// conditional update require revoked=false and printsUsed < printQuota,
	// increment printsUsed and set lastPrintAt. Returns true when a
	// record matched.
	ConsumeOptimistic(ctx context.Context, documentID, userID string, at time.Time) (bool, error)

	// NormalizeCounters lazily backfills printQuota/printsUsed when they
	// are unset and returns the normalized grant.
	NormalizeCounters(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error)
}
