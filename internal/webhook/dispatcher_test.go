package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/envelope"
	"github.com/SalmaAmgarou/invoice/internal/queue"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

type memoryRecorder struct {
	mu   sync.Mutex
	recs map[string][]queue.DeliveryAttempt
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{recs: make(map[string][]queue.DeliveryAttempt)}
}

func (m *memoryRecorder) RecordAttempt(_ context.Context, rec queue.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.TaskID] = append(m.recs[rec.TaskID], rec)
	return nil
}

func (m *memoryRecorder) Attempts(_ context.Context, taskID string) ([]queue.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[taskID], nil
}

func testDispatcher(t *testing.T, cfg common.WebhookConfig, rec queue.AttemptRecorder) *Dispatcher {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 10 * time.Millisecond
	}
	if cfg.RetryHorizon == 0 {
		cfg.RetryHorizon = time.Minute
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	d := NewDispatcher(cfg, rec, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func testEnvelope(id string) envelope.Envelope {
	return envelope.Pack(id, task.Descriptor{Kind: constants.KindPDF}, envelope.RawOutput{
		NonAnonymousReport: []byte("report"),
		CompletedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestDeliverAcceptedFirstTry(t *testing.T) {
	var gotBody []byte
	var gotTaskID, gotSig, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTaskID = r.Header.Get(HeaderTaskID)
		gotSig = r.Header.Get(HeaderSignature)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newMemoryRecorder()
	d := testDispatcher(t, common.WebhookConfig{Token: "tok", Secret: "sec"}, rec)

	env := testEnvelope("task-accept")
	out, err := d.Deliver(context.Background(), env, srv.URL)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !out.Delivered || out.Attempts != 1 {
		t.Fatalf("outcome = %+v, want delivered on attempt 1", out)
	}

	if gotTaskID != "task-accept" {
		t.Fatalf("task id header = %q", gotTaskID)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if !Verify("sec", gotBody, gotSig) {
		t.Fatal("signature does not verify against the raw body")
	}

	recs, _ := rec.Attempts(context.Background(), "task-accept")
	if len(recs) != 1 || recs[0].StatusCode != http.StatusOK {
		t.Fatalf("recorded attempts = %+v", recs)
	}
}

func TestDeliverRetriesOn5xxThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls++
		bodies = append(bodies, body)
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newMemoryRecorder()
	d := testDispatcher(t, common.WebhookConfig{}, rec)

	out, err := d.Deliver(context.Background(), testEnvelope("task-retry"), srv.URL)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !out.Delivered || out.Attempts != 3 {
		t.Fatalf("outcome = %+v, want delivered on attempt 3", out)
	}
	for i := 1; i < len(bodies); i++ {
		if string(bodies[i]) != string(bodies[0]) {
			t.Fatal("retried attempts sent different bytes")
		}
	}
	recs, _ := rec.Attempts(context.Background(), "task-retry")
	if len(recs) != 3 {
		t.Fatalf("recorded %d attempts, want 3", len(recs))
	}
	if recs[0].NextRetryAt == nil || recs[2].NextRetryAt != nil {
		t.Fatalf("next_retry_at bookkeeping wrong: %+v", recs)
	}
}

func TestDeliver4xxTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := testDispatcher(t, common.WebhookConfig{}, newMemoryRecorder())
	out, err := d.Deliver(context.Background(), testEnvelope("task-reject"), srv.URL)
	if !errors.Is(err, common.ErrDeliveryTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if out.Delivered || out.Attempts != 1 || calls != 1 {
		t.Fatalf("terminal rejection must not retry: %+v calls=%d", out, calls)
	}
}

func TestDeliver429Retryable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(t, common.WebhookConfig{}, newMemoryRecorder())
	out, err := d.Deliver(context.Background(), testEnvelope("task-429"), srv.URL)
	if err != nil || !out.Delivered || out.Attempts != 2 {
		t.Fatalf("429 should retry: out=%+v err=%v", out, err)
	}
}

func TestDeliverExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := testDispatcher(t, common.WebhookConfig{MaxAttempts: 3}, newMemoryRecorder())
	out, err := d.Deliver(context.Background(), testEnvelope("task-exhaust"), srv.URL)
	if !errors.Is(err, common.ErrDeliveryTransient) {
		t.Fatalf("err = %v, want transient exhaustion", err)
	}
	if out.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d calls = %d, want 3", out.Attempts, calls)
	}
}

func TestDeliverResumesFromRecordedAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newMemoryRecorder()
	for i := 1; i <= 2; i++ {
		_ = rec.RecordAttempt(context.Background(), queue.DeliveryAttempt{
			TaskID: "task-resume", Attempt: i, SentAt: time.Now(), StatusCode: 503,
		})
	}

	d := testDispatcher(t, common.WebhookConfig{MaxAttempts: 3}, rec)
	out, err := d.Deliver(context.Background(), testEnvelope("task-resume"), srv.URL)
	if !errors.Is(err, common.ErrDeliveryTransient) {
		t.Fatalf("err = %v, want transient exhaustion", err)
	}
	// Two attempts happened before this process took over, so only one is
	// left in the budget.
	if calls != 1 || out.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 1 and 3", calls, out.Attempts)
	}
}

func TestDeliverCanceledMidAttemptNotRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newMemoryRecorder()
	d := testDispatcher(t, common.WebhookConfig{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Deliver(ctx, testEnvelope("task-cancel"), srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}

	// A replacement worker must see an untouched budget.
	recs, _ := rec.Attempts(context.Background(), "task-cancel")
	if len(recs) != 0 {
		t.Fatalf("canceled attempt was recorded: %+v", recs)
	}
}

func TestRetryDelayGrowthAndCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 800 * time.Millisecond
	for attempt := 1; attempt <= 8; attempt++ {
		d := RetryDelay(base, attempt, max)
		if d < base {
			t.Fatalf("attempt %d: delay %v below base", attempt, d)
		}
		if d > max+base {
			t.Fatalf("attempt %d: delay %v exceeds cap plus jitter", attempt, d)
		}
	}
}
