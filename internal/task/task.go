package task

import (
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
)

// Descriptor names the input artifacts and processing options for one job.
// It travels with the job through the queue and is handed opaquely to the
// reporting engine.
type Descriptor struct {
	Kind          constants.JobKind `json:"kind"`
	FilePaths     []string          `json:"file_paths"`
	EnergyMode    string            `json:"energy_mode"`
	ConfidenceMin float64           `json:"confidence_min"`
	Strict        bool              `json:"strict"`

	// Pass-through context, echoed verbatim into the result envelope.
	UserID      *int64  `json:"user_id,omitempty"`
	InvoiceID   *int64  `json:"invoice_id,omitempty"`
	ExternalRef *string `json:"external_ref,omitempty"`
}

// Job is one unit of work. Rows are owned by the queue until claimed; only
// the executor moves a job through its status transitions.
type Job struct {
	ID          string              `json:"id"`
	Descriptor  Descriptor          `json:"descriptor"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	Status      constants.JobStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	LastError   string              `json:"last_error,omitempty"`
	SubmittedAt time.Time           `json:"submitted_at"`
	LeaseUntil  time.Time           `json:"lease_until,omitempty"`
	NextRunAt   time.Time           `json:"next_run_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case constants.JobStatusSucceeded, constants.JobStatusFailed, constants.JobStatusDead:
		return true
	}
	return false
}
