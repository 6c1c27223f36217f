package queue

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

type jobRecord struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          string     `bun:"id,pk"`
	Kind        string     `bun:"kind,notnull"`
	Descriptor  []byte     `bun:"descriptor,notnull"`
	WebhookURL  string     `bun:"webhook_url"`
	Status      string     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	MaxAttempts int        `bun:"max_attempts,notnull"`
	LastError   string     `bun:"last_error"`
	LeaseOwner  string     `bun:"lease_owner"`
	SubmittedAt time.Time  `bun:"submitted_at,notnull"`
	LeaseUntil  *time.Time `bun:"lease_until"`
	NextRunAt   time.Time  `bun:"next_run_at,notnull"`
	FinishedAt  *time.Time `bun:"finished_at"`
}

type attemptRecord struct {
	bun.BaseModel `bun:"table:delivery_attempts,alias:da"`

	ID          int64      `bun:"id,pk,autoincrement"`
	TaskID      string     `bun:"task_id,notnull"`
	Attempt     int        `bun:"attempt,notnull"`
	SentAt      time.Time  `bun:"sent_at,notnull"`
	StatusCode  int        `bun:"status_code"`
	Err         string     `bun:"error"`
	NextRetryAt *time.Time `bun:"next_retry_at"`
}

func newJobRecord(job *task.Job) (*jobRecord, error) {
	desc, err := json.Marshal(job.Descriptor)
	if err != nil {
		return nil, err
	}
	rec := &jobRecord{
		ID:          job.ID,
		Kind:        string(job.Descriptor.Kind),
		Descriptor:  desc,
		WebhookURL:  job.WebhookURL,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		SubmittedAt: job.SubmittedAt.UTC(),
		NextRunAt:   job.NextRunAt.UTC(),
		FinishedAt:  job.FinishedAt,
	}
	if !job.LeaseUntil.IsZero() {
		lease := job.LeaseUntil.UTC()
		rec.LeaseUntil = &lease
	}
	return rec, nil
}

func (r *jobRecord) toDomain() (*task.Job, error) {
	var desc task.Descriptor
	if err := json.Unmarshal(r.Descriptor, &desc); err != nil {
		return nil, err
	}
	job := &task.Job{
		ID:          r.ID,
		Descriptor:  desc,
		WebhookURL:  r.WebhookURL,
		Status:      constants.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		SubmittedAt: r.SubmittedAt,
		NextRunAt:   r.NextRunAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.LeaseUntil != nil {
		job.LeaseUntil = *r.LeaseUntil
	}
	return job, nil
}

func (r *attemptRecord) toDomain() DeliveryAttempt {
	return DeliveryAttempt{
		TaskID:      r.TaskID,
		Attempt:     r.Attempt,
		SentAt:      r.SentAt,
		StatusCode:  r.StatusCode,
		Err:         r.Err,
		NextRetryAt: r.NextRetryAt,
	}
}
