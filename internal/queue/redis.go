package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// RedisQueue is the broker-backed queue for multi-node deployments. The
// consumer group's pending-entries list is the lease: entries idle past the
// lease duration are stolen back with XAUTOCLAIM, which is redis's native
// redelivery primitive.
//
// Keys:
//   <stream>            stream of task ids
//   job:<id>            hash: payload, status, delivery id
//   dlq:<stream>        zset: score=failed_at, member=task id
//   attempts:<id>       list of delivery attempt records
type RedisQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	lease  time.Duration
	log    *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)
var _ AttemptRecorder = (*RedisQueue)(nil)

func NewRedisQueue(cfg common.RedisConfig, lease time.Duration, log *slog.Logger) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisQueue{rdb: rdb, stream: cfg.Stream, group: cfg.Group, lease: lease, log: log}
}

// Init creates the consumer group when absent.
func (q *RedisQueue) Init(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return common.NewAppError("REDIS_INIT", "creating consumer group", err)
	}
	return nil
}

func (q *RedisQueue) jobKey(id string) string      { return "job:" + id }
func (q *RedisQueue) dlqKey() string               { return "dlq:" + q.stream }
func (q *RedisQueue) attemptsKey(id string) string { return "attempts:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, job *task.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return common.NewAppError("ENQUEUE_ENCODE", "encoding job", err)
	}
	// SETNX-style guard: the first submission under an identifier wins,
	// retries become acks.
	created, err := q.rdb.HSetNX(ctx, q.jobKey(job.ID), "payload", payload).Result()
	if err != nil {
		return common.NewAppError("ENQUEUE", "storing job", errors.Join(common.ErrQueueUnavailable, err))
	}
	if !created {
		q.log.Info("queue.enqueue.duplicate", "task_id", job.ID)
		return nil
	}
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "status", string(constants.JobStatusQueued))
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"task_id": job.ID},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewAppError("ENQUEUE", "publishing job", errors.Join(common.ErrQueueUnavailable, err))
	}
	q.log.Info("queue.enqueue.ok", "task_id", job.ID, "kind", job.Descriptor.Kind)
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*task.Job, error) {
	if lease <= 0 {
		lease = q.lease
	}

	// Steal one entry whose holder went quiet past the lease first.
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: workerID,
		MinIdle:  lease,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, common.NewAppError("CLAIM", "autoclaim", err)
	}
	if len(msgs) == 0 {
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: workerID,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, common.NewAppError("CLAIM", "reading stream", err)
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	taskID, _ := msg.Values["task_id"].(string)
	job, err := q.load(ctx, taskID)
	if err != nil {
		// Entry without a job hash cannot make progress; drop it.
		q.log.Error("queue.claim.orphan_entry", "stream_id", msg.ID, "task_id", taskID, "error", err)
		q.ack(ctx, msg.ID)
		return nil, nil
	}

	job.Attempts++
	job.Status = constants.JobStatusRunning
	job.LeaseUntil = time.Now().UTC().Add(lease)
	if job.Attempts > job.MaxAttempts {
		q.bury(ctx, job, msg.ID, "attempt budget exhausted")
		return nil, nil
	}
	if err := q.save(ctx, job, msg.ID, workerID); err != nil {
		return nil, err
	}
	q.log.Info("queue.claim.ok", "task_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
	return job, nil
}

// ExtendLease is a no-op for redis: pending-entry idle time resets on
// XCLAIM, and the holder keeps the entry for as long as it stays below the
// autoclaim threshold, which Claim re-checks per attempt.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	ids, err := q.rdb.HGet(ctx, q.jobKey(taskID), "stream_id").Result()
	if err != nil {
		return common.NewAppError("LEASE_EXTEND", "looking up stream entry", err)
	}
	return q.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: workerID,
		MinIdle:  0,
		Messages: []string{ids},
	}).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string, status constants.JobStatus, lastError string) error {
	job, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	streamID, _ := q.rdb.HGet(ctx, q.jobKey(taskID), "stream_id").Result()
	now := time.Now().UTC()
	job.Status = status
	job.LastError = lastError
	job.FinishedAt = &now

	payload, _ := json.Marshal(job)
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(taskID), "payload", payload, "status", string(status))
	if status == constants.JobStatusDead {
		pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.Unix()), Member: taskID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewAppError("COMPLETE", "recording terminal status", err)
	}
	if streamID != "" {
		q.ack(ctx, streamID)
	}
	q.log.Info("queue.complete", "task_id", taskID, "status", status)
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, taskID, workerID string) error {
	job, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	if owner, _ := q.rdb.HGet(ctx, q.jobKey(taskID), "lease_owner").Result(); owner != workerID {
		return common.NewAppError("RELEASE_LOST", "lease no longer held", common.ErrNotFound)
	}
	streamID, _ := q.rdb.HGet(ctx, q.jobKey(taskID), "stream_id").Result()
	job.Status = constants.JobStatusQueued
	job.LeaseUntil = time.Time{}

	payload, _ := json.Marshal(job)
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(taskID), "payload", payload, "status", string(constants.JobStatusQueued), "lease_owner", "")
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"task_id": taskID},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewAppError("RELEASE", "requeueing job", err)
	}
	if streamID != "" {
		q.ack(ctx, streamID)
	}
	q.log.Info("queue.release", "task_id", taskID)
	return nil
}

// ReapExpired is covered by XAUTOCLAIM inside Claim; kept for contract
// parity.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) { return 0, nil }

func (q *RedisQueue) Get(ctx context.Context, taskID string) (*task.Job, error) {
	return q.load(ctx, taskID)
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]*task.Job, error) {
	ids, err := q.rdb.ZRange(ctx, q.dlqKey(), 0, -1).Result()
	if err != nil {
		return nil, common.NewAppError("DLQ_LIST", "listing dead letters", err)
	}
	jobs := make([]*task.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			q.log.Error("queue.dlq.missing_job", "task_id", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, taskID string) (string, error) {
	dead, err := q.load(ctx, taskID)
	if err != nil {
		return "", err
	}
	if dead.Status != constants.JobStatusDead {
		return "", common.NewAppError("DLQ_REQUEUE", "job is not dead-lettered", common.ErrInvalidInput)
	}
	now := time.Now().UTC()
	clone := *dead
	clone.ID = task.AssignID("")
	clone.Status = constants.JobStatusQueued
	clone.Attempts = 0
	clone.LastError = ""
	clone.LeaseUntil = time.Time{}
	clone.SubmittedAt = now
	clone.NextRunAt = now
	clone.FinishedAt = nil
	if err := q.Enqueue(ctx, &clone); err != nil {
		return "", err
	}
	q.log.Info("queue.dlq.requeued", "dead_task_id", taskID, "task_id", clone.ID)
	return clone.ID, nil
}

func (q *RedisQueue) RecordAttempt(ctx context.Context, rec DeliveryAttempt) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return common.NewAppError("ATTEMPT_RECORD", "encoding attempt", err)
	}
	if err := q.rdb.RPush(ctx, q.attemptsKey(rec.TaskID), b).Err(); err != nil {
		return common.NewAppError("ATTEMPT_RECORD", "storing delivery attempt", err)
	}
	return nil
}

func (q *RedisQueue) Attempts(ctx context.Context, taskID string) ([]DeliveryAttempt, error) {
	raw, err := q.rdb.LRange(ctx, q.attemptsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, common.NewAppError("ATTEMPT_LIST", "listing delivery attempts", err)
	}
	out := make([]DeliveryAttempt, 0, len(raw))
	for _, r := range raw {
		var rec DeliveryAttempt
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *RedisQueue) load(ctx context.Context, taskID string) (*task.Job, error) {
	raw, err := q.rdb.HGet(ctx, q.jobKey(taskID), "payload").Result()
	if errors.Is(err, redis.Nil) || raw == "" {
		return nil, common.NewAppError("JOB_GET", "job not found", common.ErrNotFound)
	}
	if err != nil {
		return nil, common.NewAppError("JOB_GET", "fetching job", err)
	}
	var job task.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, common.NewAppError("JOB_GET", "decoding job", err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *task.Job, streamID, owner string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return common.NewAppError("JOB_SAVE", "encoding job", err)
	}
	err = q.rdb.HSet(ctx, q.jobKey(job.ID),
		"payload", payload,
		"status", string(job.Status),
		"stream_id", streamID,
		"lease_owner", owner,
	).Err()
	if err != nil {
		return common.NewAppError("JOB_SAVE", "storing job", err)
	}
	return nil
}

func (q *RedisQueue) bury(ctx context.Context, job *task.Job, streamID, reason string) {
	now := time.Now().UTC()
	job.Status = constants.JobStatusDead
	job.LastError = reason
	job.FinishedAt = &now
	payload, _ := json.Marshal(job)
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "payload", payload, "status", string(constants.JobStatusDead))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.Unix()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("queue.bury.failed", "task_id", job.ID, "error", err)
	}
	q.ack(ctx, streamID)
	q.log.Warn("queue.dead_letter", "task_id", job.ID, "reason", reason)
}

func (q *RedisQueue) ack(ctx context.Context, streamID string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		q.log.Warn("queue.ack.failed", "stream_id", streamID, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	if err := q.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}
