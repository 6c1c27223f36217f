// Package queue provides durable, at-least-once hand-off of jobs from the
// submission surface to workers. Jobs are claimed under a time-bounded
// lease; an expired lease makes the job claimable again, and downstream
// idempotency absorbs the resulting duplicates.
package queue

import (
	"context"
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// Queue is the contract shared by the SQL and redis backends.
type Queue interface {
	// Enqueue durably stores the job before returning. Re-enqueueing an
	// identifier that already exists is a no-op ack, so caller-side
	// retries collapse onto the first submission.
	Enqueue(ctx context.Context, job *task.Job) error

	// Claim leases at most one runnable job to the worker. Returns
	// (nil, nil) when nothing is runnable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*task.Job, error)

	// ExtendLease pushes out the lease deadline for a job the worker
	// still holds.
	ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error

	// Complete records the terminal status for a claimed job.
	Complete(ctx context.Context, taskID string, status constants.JobStatus, lastError string) error

	// Release returns a claimed job to the queue without consuming an
	// attempt beyond the one already counted at claim time. Only the
	// lease holder may release; a reclaimed lease makes this a no-op
	// failure so a stale worker cannot disturb the new holder.
	Release(ctx context.Context, taskID, workerID string) error

	// ReapExpired returns expired-lease jobs to the queue, dead-lettering
	// any that already burned their attempt budget. Reports how many rows
	// were touched.
	ReapExpired(ctx context.Context) (int, error)

	// Get fetches a job by identifier.
	Get(ctx context.Context, taskID string) (*task.Job, error)

	// DeadLetters lists jobs retained for operator inspection.
	DeadLetters(ctx context.Context) ([]*task.Job, error)

	// Requeue clones a dead job into a fresh queued submission under a new
	// identifier (re-using the old one would violate identifier
	// uniqueness). The dead row is retained.
	Requeue(ctx context.Context, taskID string) (string, error)
}

// DeliveryAttempt is one dispatch try, persisted so a replacement worker
// resumes the backoff schedule instead of restarting it.
type DeliveryAttempt struct {
	TaskID      string
	Attempt     int
	SentAt      time.Time
	StatusCode  int
	Err         string
	NextRetryAt *time.Time
}

// AttemptRecorder persists delivery attempts alongside the job rows.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, rec DeliveryAttempt) error
	Attempts(ctx context.Context, taskID string) ([]DeliveryAttempt, error)
}
