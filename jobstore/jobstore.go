package jobstore

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type Stage string

const (
	StageFast       Stage = "fast"
	StageBackground Stage = "background"
)

// ResolutionState tracks one rendition of a job. Status here only ever takes
// the pending/processing/completed/failed subset.
type ResolutionState struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

type JobError struct {
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job is the durable unit of work and the single source of truth for
// user-visible transcode state. One upload produces one fast-stage Job and,
// once that completes, one background-stage sibling sharing RawObjectKey.
type Job struct {
	ID string `json:"job_id"`

	OriginalFilename string `json:"original_filename"`
	OriginalSize     int64  `json:"original_size"`
	MimeType         string `json:"mime_type"`

	RawObjectKey string `json:"raw_object_key"`
	OutputPrefix string `json:"output_prefix"`

	Status   Status `json:"status"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`

	PerResolution map[string]ResolutionState `json:"per_resolution"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	HLSMasterURL string    `json:"hls_master_url,omitempty"`
	Error        *JobError `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched.
// IncrementAttempts is the one non-idempotent mutation the store allows.
type Patch struct {
	Status            *Status
	Progress          *int
	PerResolution     map[string]ResolutionState
	HLSMasterURL      *string
	Error             *JobError
	ClearError        bool
	QueuedAt          *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
	IncrementAttempts bool
}

type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// Store is the durable Job record interface. All operations are atomic on a
// single Job.
type Store interface {
	Create(job Job) (Job, error)
	Get(jobID string) (Job, error)
	// Update applies patch. When expectedStatus is non-nil the update only
	// takes effect while the job still has that status and fails with a
	// PreconditionError otherwise.
	Update(jobID string, patch Patch, expectedStatus *Status) (Job, error)
	List(filter ListFilter) ([]Job, int, error)
	CountByStatus() (map[Status]int, error)
	Delete(jobID string) error
}
