package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a print job.
// Transitions form a DAG: PENDING -> RUNNING -> {DONE, FAILED}.
// Any state may move to EXPIRED via the reaper.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
	JobStatusExpired JobStatus = "EXPIRED"
)

// Audit event names appended to a job's timeline.
const (
	AuditJobCreated            = "JOB_CREATED"
	AuditJobEnqueued           = "JOB_ENQUEUED"
	AuditPageRendered          = "PAGE_RENDERED"
	AuditJobDone               = "JOB_DONE"
	AuditMergeTime             = "MERGE_TIME"
	AuditJobFailed             = "JOB_FAILED"
	AuditJobExpired            = "JOB_EXPIRED"
	AuditJobArchived           = "JOB_ARCHIVED"
	AuditRunningJobExpired     = "RUNNING_JOB_EXPIRED_AND_OUTPUT_DELETED"
	AuditOutputExpiredDeleted  = "OUTPUT_EXPIRED_AND_DELETED"
	AuditRenderLockReleased    = "RENDER_LOCK_RELEASED"
	AuditRenderLockUnavailable = "RENDER_LOCK_UNAVAILABLE"
)

// AuditEvent is one append-only entry in a job's timeline.
type AuditEvent struct {
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Event     string                 `bson:"event" json:"event"`
	Details   map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
}

// JobOutput describes the materialized final artifact.
type JobOutput struct {
	Key       string     `bson:"key,omitempty" json:"key,omitempty"`
	URL       string     `bson:"url,omitempty" json:"url,omitempty"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// JobError captures the terminal failure of a job.
type JobError struct {
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
}

// PrintJob is a render request and its durable execution record.
type PrintJob struct {
	ID          string         `bson:"id" json:"id"`
	OwnerID     string         `bson:"ownerId" json:"ownerId"`
	DocumentID  string         `bson:"documentId" json:"documentId"`
	Metadata    VectorMetadata `bson:"metadata" json:"metadata"`
	MetadataMAC string         `bson:"metadataMac" json:"metadataMac"`
	Status      JobStatus      `bson:"status" json:"status"`
	Progress    int            `bson:"progress" json:"progress"`
	TotalPages  int            `bson:"totalPages" json:"totalPages"`
	Output      *JobOutput     `bson:"output,omitempty" json:"output,omitempty"`
	Error       *JobError      `bson:"error,omitempty" json:"error,omitempty"`
	Audit       []AuditEvent   `bson:"audit" json:"audit"`
	CreatedAt   time.Time      `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time      `bson:"updatedAt" json:"updatedAt"`
}

// NewPrintJob creates a PENDING job for the given owner and metadata.
// The MAC is computed by the caller over the canonical metadata bytes.
func NewPrintJob(ownerID string, meta VectorMetadata, mac string) *PrintJob {
	now := time.Now().UTC()
	return &PrintJob{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		DocumentID:  meta.LockDocumentID(),
		Metadata:    meta,
		MetadataMAC: mac,
		Status:      JobStatusPending,
		Progress:    0,
		TotalPages:  meta.Layout.TotalPages,
		Audit:       []AuditEvent{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the job is in a terminal state.
func (j *PrintJob) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed || j.Status == JobStatusExpired
}

// CanTransition reports whether the status DAG permits from -> to.
func CanTransition(from, to JobStatus) bool {
	if to == JobStatusExpired {
		return true
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusDone || to == JobStatusFailed
	}
	return false
}

// NewAuditEvent builds an audit entry stamped with wall-clock time.
func NewAuditEvent(event string, details map[string]interface{}) AuditEvent {
	return AuditEvent{Timestamp: time.Now().UTC(), Event: event, Details: details}
}
