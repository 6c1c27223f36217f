package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/envelope"
	"github.com/SalmaAmgarou/invoice/internal/queue"
	"github.com/SalmaAmgarou/invoice/internal/task"
	"github.com/SalmaAmgarou/invoice/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testToken  = "test-token"
	testSecret = "test-secret"
)

func newTestServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	db, err := queue.OpenDB(common.DatabaseConfig{
		DSN: "file:" + filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, nil)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return NewServer(store, ServerConfig{Token: testToken, Secret: testSecret}, nil), store
}

func successBody(t *testing.T, taskID string) []byte {
	t.Helper()
	env := envelope.Pack(taskID, task.Descriptor{Kind: constants.KindPDF}, envelope.RawOutput{
		NonAnonymousReport: []byte("full report"),
		AnonymousReport:    []byte("anon report"),
		CompletedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	body, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return body
}

func deliver(router *gin.Engine, taskID string, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(webhook.HeaderTaskID, taskID)
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(testSecret, body))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDeliveryAcceptedAndStored(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	body := successBody(t, "task-1")
	w := deliver(router, "task-1", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	entry, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Outcome != "success" {
		t.Fatalf("outcome = %s", entry.Outcome)
	}
	if !bytes.Equal(entry.Body, body) {
		t.Fatal("stored body differs from delivered body")
	}
}

func TestRepeatedDeliveryIsIdempotent(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	body := successBody(t, "task-2")
	for i := 0; i < 3; i++ {
		if w := deliver(router, "task-2", body, nil); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i+1, w.Code)
		}
	}

	entry, err := store.Get(context.Background(), "task-2")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !bytes.Equal(entry.Body, body) {
		t.Fatal("repeated deliveries corrupted the stored body")
	}
}

func TestLaterDeliveryOverwrites(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	first := successBody(t, "task-3")
	if w := deliver(router, "task-3", first, nil); w.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", w.Code)
	}

	failEnv := envelope.PackFailure("task-3", task.Descriptor{Kind: constants.KindPDF},
		constants.FailureTimeout, "hard deadline exceeded", time.Now())
	second, _ := failEnv.Encode()
	if w := deliver(router, "task-3", second, nil); w.Code != http.StatusOK {
		t.Fatalf("second delivery: %d", w.Code)
	}

	entry, err := store.Get(context.Background(), "task-3")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Outcome != "failure" {
		t.Fatalf("outcome = %s, want the latest delivery to win", entry.Outcome)
	}
}

func TestTamperedBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	body := successBody(t, "task-4")
	tampered := bytes.Replace(body, []byte(`"outcome":"success"`), []byte(`"outcome":"failure"`), 1)

	// Signature was computed over the original body.
	w := deliver(router, "task-4", tampered, func(req *http.Request) {
		req.Header.Set(webhook.HeaderSignature, webhook.Sign(testSecret, body))
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := deliver(router, "task-5", successBody(t, "task-5"), func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer wrong")
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMissingTaskIDHeaderRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := deliver(router, "task-6", successBody(t, "task-6"), func(req *http.Request) {
		req.Header.Del(webhook.HeaderTaskID)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSchemaViolationRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	// Valid JSON that is not a valid envelope: outcome outside the enum.
	doc := map[string]any{
		"task_id":     "task-7",
		"outcome":     "maybe",
		"source_kind": "pdf",
		"produced_at": time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(doc)

	w := deliver(router, "task-7", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetEntry(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	if w := deliver(router, "task-8", successBody(t, "task-8"), nil); w.Code != http.StatusOK {
		t.Fatalf("delivery failed: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/entries/task-8", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["outcome"] != "success" {
		t.Fatalf("outcome = %v", resp["outcome"])
	}
}
