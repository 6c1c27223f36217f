// Package worker runs the claim → process → package → deliver loop. Every
// claimed job reaches a terminal status: collaborator failures become
// failure envelopes, never crashes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/envelope"
	"github.com/SalmaAmgarou/invoice/internal/queue"
	"github.com/SalmaAmgarou/invoice/internal/report"
	"github.com/SalmaAmgarou/invoice/internal/task"
	"github.com/SalmaAmgarou/invoice/internal/webhook"
)

// EnvelopeSink is a best-effort secondary consumer of the envelope stream
// (archival, notifications). Sink failures are logged and never affect the
// primary delivery path.
type EnvelopeSink interface {
	Consume(ctx context.Context, env envelope.Envelope) error
}

// Executor owns a pool of workers against the shared queue. Workers do not
// coordinate with each other; the queue's lease is the only arbitration.
type Executor struct {
	queue      queue.Queue
	registry   *Registry
	dispatcher *webhook.Dispatcher
	sinks      []EnvelopeSink
	cfg        common.WorkerConfig
	log        *slog.Logger

	wg   sync.WaitGroup
	once sync.Once

	now func() time.Time
}

func NewExecutor(q queue.Queue, registry *Registry, dispatcher *webhook.Dispatcher, cfg common.WorkerConfig, log *slog.Logger, sinks ...EnvelopeSink) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		queue:      q,
		registry:   registry,
		dispatcher: dispatcher,
		sinks:      sinks,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled; Wait
// blocks until the pool drains.
func (e *Executor) Start(ctx context.Context) {
	e.once.Do(func() {
		for i := 0; i < e.cfg.Count; i++ {
			e.wg.Add(1)
			go func(workerID string) {
				defer e.wg.Done()
				e.log.Info("worker started", "worker_id", workerID)
				e.loop(ctx, workerID)
				e.log.Info("worker stopped", "worker_id", workerID)
			}(fmt.Sprintf("worker-%d", i+1))
		}
	})
}

// Wait blocks until all workers exit.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := e.queue.ReapExpired(ctx); err != nil {
			e.log.Error("worker.reap_failed", "worker_id", workerID, "error", err)
		}

		job, err := e.queue.Claim(ctx, workerID, e.cfg.LeaseDuration)
		if err != nil {
			e.log.Error("worker.claim_failed", "worker_id", workerID, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		e.RunJob(ctx, workerID, job)
	}
}

// RunJob executes one claimed job through to a terminal queue status.
func (e *Executor) RunJob(ctx context.Context, workerID string, job *task.Job) {
	ctx = common.WithWorkerID(common.WithTaskID(ctx, job.ID), workerID)
	start := e.now()

	// Keep the lease alive while processing and delivery run.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go e.heartbeat(heartbeatCtx, job.ID, workerID)
	defer stopHeartbeat()

	// Temp input artifacts are removed on any terminal outcome. A released
	// job keeps them: the replacement worker re-reads the same inputs.
	released := false
	defer func() {
		if !released {
			e.cleanup(job)
		}
	}()

	out, runErr := e.process(ctx, job)

	if runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		// Shutdown mid-processing: no result exists, so nothing is packed
		// or delivered. The job returns to the queue; only an expired lease
		// or an operator may turn it into a failure.
		released = true
		_ = e.queue.Release(context.WithoutCancel(ctx), job.ID, workerID)
		e.log.Info("worker.job_released", "worker_id", workerID, "task_id", job.ID)
		return
	}

	var env envelope.Envelope
	if runErr != nil {
		code, msg := classifyFailure(runErr)
		env = envelope.PackFailure(job.ID, job.Descriptor, code, msg, e.now())
		e.log.Warn("worker.job_failed", "worker_id", workerID, "task_id", job.ID,
			"code", code, "error", msg, "elapsed_ms", e.now().Sub(start).Milliseconds())
	} else {
		env = envelope.Pack(job.ID, job.Descriptor, envelope.RawOutput{
			NonAnonymousReport: out.NonAnonymousReport,
			AnonymousReport:    out.AnonymousReport,
			CompletedAt:        e.now(),
		})
		e.log.Info("worker.job_processed", "worker_id", workerID, "task_id", job.ID,
			"elapsed_ms", e.now().Sub(start).Milliseconds())
	}

	// The job is processed once the envelope exists; delivery only decides
	// when the receiver learns about it.
	e.fanOut(ctx, env)

	status := constants.JobStatusSucceeded
	lastErr := ""
	if runErr != nil {
		status = constants.JobStatusFailed
		lastErr = runErr.Error()
	}

	if job.WebhookURL != "" {
		if _, err := e.dispatcher.Deliver(ctx, env, job.WebhookURL); err != nil {
			if errors.Is(err, context.Canceled) {
				// Shutdown mid-delivery: release so a replacement worker
				// resumes from the persisted attempt history.
				released = true
				_ = e.queue.Release(context.WithoutCancel(ctx), job.ID, workerID)
				return
			}
			status = constants.JobStatusDead
			lastErr = err.Error()
			e.log.Error("worker.delivery_dead_lettered", "worker_id", workerID, "task_id", job.ID, "error", err)
		}
	}

	if err := e.queue.Complete(context.WithoutCancel(ctx), job.ID, status, lastErr); err != nil {
		e.log.Error("worker.complete_failed", "worker_id", workerID, "task_id", job.ID, "error", err)
	}
}

// process runs the handler under the soft/hard deadline pair. The soft
// threshold only warns (the engine may still finish cleanly); the hard
// threshold abandons the call and the job fails with a timeout.
func (e *Executor) process(ctx context.Context, job *task.Job) (report.Output, error) {
	var zero report.Output
	handler, err := e.registry.Lookup(job.Descriptor.Kind)
	if err != nil {
		return zero, common.NewAppError("DISPATCH", err.Error(), common.ErrInvalidInput)
	}

	hardCtx, cancel := context.WithTimeout(ctx, e.cfg.HardTimeout)
	defer cancel()

	softTimer := time.AfterFunc(e.cfg.SoftTimeout, func() {
		e.log.Warn("worker.soft_deadline_exceeded", "task_id", job.ID,
			"soft_timeout", e.cfg.SoftTimeout.String())
	})
	defer softTimer.Stop()

	type result struct {
		out report.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: common.NewAppError("PANIC",
					fmt.Sprintf("handler panicked: %v", r), common.ErrInternal)}
			}
		}()
		o, rerr := handler.Run(hardCtx, job.Descriptor)
		done <- result{out: o, err: rerr}
	}()

	select {
	case r := <-done:
		if r.err == nil && hardCtx.Err() != nil {
			// Finished after the deadline fired: the result is discarded.
			return zero, common.NewAppError("TIMEOUT", "hard deadline exceeded", common.ErrTimeout)
		}
		if r.err != nil && errors.Is(hardCtx.Err(), context.DeadlineExceeded) {
			return zero, common.NewAppError("TIMEOUT", "hard deadline exceeded", common.ErrTimeout)
		}
		return r.out, r.err
	case <-hardCtx.Done():
		if errors.Is(hardCtx.Err(), context.DeadlineExceeded) {
			return zero, common.NewAppError("TIMEOUT", "hard deadline exceeded", common.ErrTimeout)
		}
		return zero, common.NewAppError("CANCELED", "processing canceled", hardCtx.Err())
	}
}

func (e *Executor) heartbeat(ctx context.Context, taskID, workerID string) {
	interval := e.cfg.LeaseDuration / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.ExtendLease(ctx, taskID, workerID, e.cfg.LeaseDuration); err != nil {
				e.log.Warn("worker.lease_extend_failed", "task_id", taskID, "error", err)
				return
			}
		}
	}
}

func (e *Executor) fanOut(ctx context.Context, env envelope.Envelope) {
	for _, sink := range e.sinks {
		if err := sink.Consume(ctx, env); err != nil {
			e.log.Warn("worker.sink_failed", "task_id", env.TaskID, "error", err)
		}
	}
}

func (e *Executor) cleanup(job *task.Job) {
	for _, p := range job.Descriptor.FilePaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.log.Warn("worker.cleanup_failed", "task_id", job.ID, "path", p, "error", err)
		}
	}
}

func classifyFailure(err error) (constants.FailureCode, string) {
	switch {
	case errors.Is(err, common.ErrTimeout):
		return constants.FailureTimeout, err.Error()
	case errors.Is(err, common.ErrInvalidInput):
		return constants.FailureInvalidInput, err.Error()
	case errors.Is(err, common.ErrProcessing):
		return constants.FailureProcessing, err.Error()
	default:
		return constants.FailureInternal, err.Error()
	}
}
