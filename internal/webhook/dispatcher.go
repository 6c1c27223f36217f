// Package webhook implements the outbound half of the delivery contract:
// a signed, idempotently-keyed POST of the result envelope, retried with
// exponential backoff and jitter until it lands or the budget runs out.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/envelope"
	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// Outcome summarizes one dispatch loop.
type Outcome struct {
	Delivered  bool
	Attempts   int
	LastStatus int
	LastError  string
}

// Dispatcher drives delivery attempts for one envelope at a time. Attempts
// for the same identifier are strictly sequential; the envelope is encoded
// once and every attempt re-sends the identical bytes.
type Dispatcher struct {
	cfg      common.WebhookConfig
	client   *http.Client
	attempts queue.AttemptRecorder
	log      *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewDispatcher(cfg common.WebhookConfig, attempts queue.AttemptRecorder, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		attempts: attempts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// Deliver posts the envelope to dest and interprets the response per the
// wire contract: 2xx accepted, 429/5xx/transport retryable, other 4xx
// terminal. Returns ErrDeliveryTerminal on rejection and
// ErrDeliveryTransient once the attempt count or elapsed horizon is
// exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, env envelope.Envelope, dest string) (Outcome, error) {
	body, err := env.Encode()
	if err != nil {
		return Outcome{}, common.NewAppError("DELIVER_ENCODE", "encoding envelope", err)
	}

	start := d.now()
	attempt := d.priorAttempts(ctx, env.TaskID)
	out := Outcome{Attempts: attempt}

	for attempt < d.cfg.MaxAttempts {
		attempt++
		out.Attempts = attempt

		status, sendErr := d.send(ctx, dest, env.TaskID, body)
		out.LastStatus = status
		if sendErr != nil {
			out.LastError = sendErr.Error()
		} else {
			out.LastError = ""
		}

		// A canceled in-flight try is the caller shutting down, not a
		// receiver verdict; it must not consume the persisted budget.
		if sendErr != nil && errors.Is(sendErr, context.Canceled) {
			return out, common.NewAppError("DELIVER_CANCELED", "delivery canceled", context.Canceled)
		}

		switch classify(status, sendErr) {
		case verdictAccepted:
			d.record(ctx, env.TaskID, attempt, status, "", nil)
			d.log.Info("delivery.accepted", "task_id", env.TaskID, "attempt", attempt, "status", status)
			out.Delivered = true
			return out, nil

		case verdictTerminal:
			d.record(ctx, env.TaskID, attempt, status, out.LastError, nil)
			d.log.Warn("delivery.rejected", "task_id", env.TaskID, "attempt", attempt, "status", status)
			return out, common.NewAppError("DELIVER_REJECTED",
				fmt.Sprintf("receiver rejected envelope with status %d", status), common.ErrDeliveryTerminal)

		case verdictRetryable:
			delay := RetryDelay(d.cfg.BackoffBase, attempt, d.cfg.BackoffMax)
			exhausted := attempt >= d.cfg.MaxAttempts || d.now().Add(delay).Sub(start) > d.cfg.RetryHorizon

			var next *time.Time
			if !exhausted {
				at := d.now().Add(delay)
				next = &at
			}
			d.record(ctx, env.TaskID, attempt, status, out.LastError, next)
			d.log.Warn("delivery.retryable", "task_id", env.TaskID, "attempt", attempt,
				"status", status, "error", out.LastError, "backoff_ms", delay.Milliseconds())

			if exhausted {
				return out, common.NewAppError("DELIVER_EXHAUSTED",
					"retry budget exhausted", common.ErrDeliveryTransient)
			}
			if err := d.sleep(ctx, delay); err != nil {
				return out, common.NewAppError("DELIVER_CANCELED", "delivery canceled", err)
			}
		}
	}

	return out, common.NewAppError("DELIVER_EXHAUSTED", "retry budget exhausted", common.ErrDeliveryTransient)
}

func (d *Dispatcher) send(ctx context.Context, dest, taskID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTaskID, taskID)
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	if d.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.cfg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

type verdict int

const (
	verdictAccepted verdict = iota
	verdictRetryable
	verdictTerminal
)

func classify(status int, sendErr error) verdict {
	switch {
	case sendErr != nil:
		return verdictRetryable
	case status/100 == 2:
		return verdictAccepted
	case status == http.StatusTooManyRequests || status/100 == 5:
		return verdictRetryable
	default:
		// Remaining 4xx: the payload itself is rejected, retrying will
		// not help.
		return verdictTerminal
	}
}

// RetryDelay grows geometrically with the attempt number, capped at max,
// with full jitter added to spread retry storms.
func RetryDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << uint(attempt-1)
	if delay > max && max > 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}

func (d *Dispatcher) priorAttempts(ctx context.Context, taskID string) int {
	if d.attempts == nil {
		return 0
	}
	prior, err := d.attempts.Attempts(ctx, taskID)
	if err != nil {
		d.log.Warn("delivery.attempt_history_unavailable", "task_id", taskID, "error", err)
		return 0
	}
	return len(prior)
}

func (d *Dispatcher) record(ctx context.Context, taskID string, attempt, status int, errMsg string, next *time.Time) {
	if d.attempts == nil {
		return
	}
	rec := queue.DeliveryAttempt{
		TaskID:      taskID,
		Attempt:     attempt,
		SentAt:      d.now(),
		StatusCode:  status,
		Err:         errMsg,
		NextRetryAt: next,
	}
	if err := d.attempts.RecordAttempt(ctx, rec); err != nil {
		d.log.Warn("delivery.attempt_record_failed", "task_id", taskID, "attempt", attempt, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
