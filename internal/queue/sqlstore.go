package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// SQLStore keeps jobs, delivery attempts and dead letters in one relational
// store, so a crashed worker's state is visible to its replacement. All
// claim/complete/release mutations are single statements: the database's
// row-level atomicity is the lease primitive, there is no client-side
// locking.
type SQLStore struct {
	db  *bun.DB
	log *slog.Logger

	now func() time.Time
}

var _ Queue = (*SQLStore)(nil)
var _ AttemptRecorder = (*SQLStore)(nil)

func NewSQLStore(db *bun.DB, log *slog.Logger) *SQLStore {
	if log == nil {
		log = slog.Default()
	}
	return &SQLStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Init creates the schema when absent.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*jobRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return common.WrapError(err, "create jobs table")
	}
	if _, err := s.db.NewCreateTable().Model((*attemptRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return common.WrapError(err, "create delivery_attempts table")
	}
	if _, err := s.db.NewCreateIndex().Model((*jobRecord)(nil)).
		Index("idx_jobs_status_next_run").IfNotExists().
		Column("status", "next_run_at").Exec(ctx); err != nil {
		return common.WrapError(err, "create jobs index")
	}
	if _, err := s.db.NewCreateIndex().Model((*attemptRecord)(nil)).
		Index("idx_attempts_task").IfNotExists().
		Column("task_id", "attempt").Exec(ctx); err != nil {
		return common.WrapError(err, "create attempts index")
	}
	return nil
}

func (s *SQLStore) Enqueue(ctx context.Context, job *task.Job) error {
	rec, err := newJobRecord(job)
	if err != nil {
		return common.NewAppError("ENQUEUE_ENCODE", "encoding job descriptor", err)
	}
	res, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return common.NewAppError("ENQUEUE", "storing job", errors.Join(common.ErrQueueUnavailable, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Identifier already enqueued: caller-side retry collapsed.
		s.log.Info("queue.enqueue.duplicate", "task_id", job.ID)
		return nil
	}
	s.log.Info("queue.enqueue.ok", "task_id", job.ID, "kind", job.Descriptor.Kind)
	return nil
}

func (s *SQLStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*task.Job, error) {
	now := s.now()
	until := now.Add(lease)

	rec := new(jobRecord)
	err := s.db.NewUpdate().Model(rec).
		Set("status = ?", string(constants.JobStatusRunning)).
		Set("attempts = attempts + 1").
		Set("lease_owner = ?", workerID).
		Set("lease_until = ?", until).
		Where("?TableAlias.id = (SELECT id FROM jobs WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at LIMIT 1)",
			string(constants.JobStatusQueued), now).
		Where("?TableAlias.status = ?", string(constants.JobStatusQueued)).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, common.NewAppError("CLAIM", "claiming job", err)
	}

	job, err := rec.toDomain()
	if err != nil {
		// Poison row: park it so workers do not loop on it.
		s.log.Error("queue.claim.bad_descriptor", "task_id", rec.ID, "error", err)
		_ = s.Complete(ctx, rec.ID, constants.JobStatusDead, "undecodable descriptor")
		return nil, nil
	}
	s.log.Info("queue.claim.ok", "task_id", job.ID, "worker_id", workerID, "attempt", job.Attempts, "lease_until", until)
	return job, nil
}

func (s *SQLStore) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	until := s.now().Add(lease)
	res, err := s.db.NewUpdate().Model((*jobRecord)(nil)).
		Set("lease_until = ?", until).
		Where("id = ?", taskID).
		Where("lease_owner = ?", workerID).
		Where("status = ?", string(constants.JobStatusRunning)).
		Exec(ctx)
	if err != nil {
		return common.NewAppError("LEASE_EXTEND", "extending lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("LEASE_LOST", "lease no longer held", common.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Complete(ctx context.Context, taskID string, status constants.JobStatus, lastError string) error {
	now := s.now()
	_, err := s.db.NewUpdate().Model((*jobRecord)(nil)).
		Set("status = ?", string(status)).
		Set("last_error = ?", lastError).
		Set("lease_owner = ''").
		Set("lease_until = NULL").
		Set("finished_at = ?", now).
		Where("id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return common.NewAppError("COMPLETE", "recording terminal status", err)
	}
	s.log.Info("queue.complete", "task_id", taskID, "status", status)
	return nil
}

func (s *SQLStore) Release(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.NewUpdate().Model((*jobRecord)(nil)).
		Set("status = ?", string(constants.JobStatusQueued)).
		Set("lease_owner = ''").
		Set("lease_until = NULL").
		Set("next_run_at = ?", s.now()).
		Where("id = ?", taskID).
		Where("lease_owner = ?", workerID).
		Where("status = ?", string(constants.JobStatusRunning)).
		Exec(ctx)
	if err != nil {
		return common.NewAppError("RELEASE", "releasing job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("RELEASE_LOST", "lease no longer held", common.ErrNotFound)
	}
	s.log.Info("queue.release", "task_id", taskID, "worker_id", workerID)
	return nil
}

func (s *SQLStore) ReapExpired(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.NewUpdate().Model((*jobRecord)(nil)).
		Set("status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END",
			string(constants.JobStatusDead), string(constants.JobStatusQueued)).
		Set("finished_at = CASE WHEN attempts >= max_attempts THEN ? ELSE finished_at END", now).
		Set("last_error = ?", "lease expired").
		Set("lease_owner = ''").
		Set("next_run_at = ?", now).
		Where("status = ?", string(constants.JobStatusRunning)).
		Where("lease_until < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, common.NewAppError("REAP", "reaping expired leases", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("queue.reap.expired", "count", n)
	}
	return int(n), nil
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*task.Job, error) {
	rec := new(jobRecord)
	err := s.db.NewSelect().Model(rec).
		Where("?TableAlias.id = ?", taskID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewAppError("JOB_GET", "job not found", common.ErrNotFound)
		}
		return nil, common.NewAppError("JOB_GET", "fetching job", err)
	}
	return rec.toDomain()
}

func (s *SQLStore) DeadLetters(ctx context.Context) ([]*task.Job, error) {
	var recs []jobRecord
	err := s.db.NewSelect().Model(&recs).
		Where("?TableAlias.status = ?", string(constants.JobStatusDead)).
		Order("submitted_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, common.NewAppError("DLQ_LIST", "listing dead letters", err)
	}
	jobs := make([]*task.Job, 0, len(recs))
	for i := range recs {
		job, err := recs[i].toDomain()
		if err != nil {
			s.log.Error("queue.dlq.bad_descriptor", "task_id", recs[i].ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *SQLStore) Requeue(ctx context.Context, taskID string) (string, error) {
	var newID string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec := new(jobRecord)
		if err := tx.NewSelect().Model(rec).
			Where("?TableAlias.id = ?", taskID).
			Where("?TableAlias.status = ?", string(constants.JobStatusDead)).
			Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.NewAppError("DLQ_REQUEUE", "dead letter not found", common.ErrNotFound)
			}
			return err
		}

		now := s.now()
		clone := *rec
		clone.ID = task.AssignID("")
		clone.Status = string(constants.JobStatusQueued)
		clone.Attempts = 0
		clone.LastError = ""
		clone.LeaseOwner = ""
		clone.LeaseUntil = nil
		clone.SubmittedAt = now
		clone.NextRunAt = now
		clone.FinishedAt = nil
		if _, err := tx.NewInsert().Model(&clone).Exec(ctx); err != nil {
			return err
		}
		newID = clone.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("queue.dlq.requeued", "dead_task_id", taskID, "task_id", newID)
	return newID, nil
}

func (s *SQLStore) RecordAttempt(ctx context.Context, rec DeliveryAttempt) error {
	row := &attemptRecord{
		TaskID:      rec.TaskID,
		Attempt:     rec.Attempt,
		SentAt:      rec.SentAt.UTC(),
		StatusCode:  rec.StatusCode,
		Err:         rec.Err,
		NextRetryAt: rec.NextRetryAt,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return common.NewAppError("ATTEMPT_RECORD", "storing delivery attempt", err)
	}
	return nil
}

func (s *SQLStore) Attempts(ctx context.Context, taskID string) ([]DeliveryAttempt, error) {
	var rows []attemptRecord
	err := s.db.NewSelect().Model(&rows).
		Where("?TableAlias.task_id = ?", taskID).
		Order("attempt ASC").
		Scan(ctx)
	if err != nil {
		return nil, common.NewAppError("ATTEMPT_LIST", "listing delivery attempts", err)
	}
	out := make([]DeliveryAttempt, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
