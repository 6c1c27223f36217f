package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAPIKey = "test-key"

func newTestService(t *testing.T) (*Service, *queue.SQLStore) {
	t.Helper()
	db, err := queue.OpenDB(common.DatabaseConfig{
		DSN: "file:" + filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := queue.NewSQLStore(db, nil)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	cfg := common.LoadConfig()
	cfg.Server.APIKey = testAPIKey
	cfg.Storage.UploadDir = t.TempDir()
	return NewService(store, store, cfg, nil), store
}

type multipartBody struct {
	buf    bytes.Buffer
	writer *multipart.Writer
}

func newMultipartBody() *multipartBody {
	m := &multipartBody{}
	m.writer = multipart.NewWriter(&m.buf)
	return m
}

func (m *multipartBody) file(field, name string, content []byte) *multipartBody {
	fw, _ := m.writer.CreateFormFile(field, name)
	_, _ = fw.Write(content)
	return m
}

func (m *multipartBody) field(key, value string) *multipartBody {
	_ = m.writer.WriteField(key, value)
	return m
}

func (m *multipartBody) request(method, url string) *http.Request {
	_ = m.writer.Close()
	req := httptest.NewRequest(method, url, &m.buf)
	req.Header.Set("Content-Type", m.writer.FormDataContentType())
	req.Header.Set(HeaderAPIKey, testAPIKey)
	return req
}

func do(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func taskIDFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
	if resp["task_id"] == "" {
		t.Fatalf("no task_id in response: %s", w.Body.String())
	}
	return resp["task_id"]
}

func TestSubmitPDFEnqueuesJob(t *testing.T) {
	svc, store := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("file", "invoice.pdf", []byte("%PDF-1.4")).
		field("type", "electricity").
		field("webhook_url", "http://localhost:9/webhook").
		request(http.MethodPost, "/v1/jobs/pdf")

	w := do(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	id := taskIDFrom(t, w)

	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != constants.JobStatusQueued || job.Descriptor.Kind != constants.KindPDF {
		t.Fatalf("job = %+v", job)
	}
	if job.Descriptor.EnergyMode != "electricity" || !job.Descriptor.Strict {
		t.Fatalf("descriptor = %+v", job.Descriptor)
	}
	if len(job.Descriptor.FilePaths) != 1 {
		t.Fatalf("file paths = %v", job.Descriptor.FilePaths)
	}
}

func TestSubmitSameExternalRefCollapses(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	submit := func() string {
		req := newMultipartBody().
			file("file", "invoice.pdf", []byte("%PDF-1.4")).
			field("external_ref", "order-4711").
			request(http.MethodPost, "/v1/jobs/pdf")
		w := do(router, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		return taskIDFrom(t, w)
	}

	if first, second := submit(), submit(); first != second {
		t.Fatalf("retried submission got a new identifier: %s vs %s", first, second)
	}
}

func TestSubmitRejectsWrongExtension(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("file", "invoice.exe", []byte("MZ")).
		request(http.MethodPost, "/v1/jobs/pdf")
	if w := do(router, req); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitRejectsBadEnergyMode(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("file", "invoice.pdf", []byte("%PDF-1.4")).
		field("type", "water").
		request(http.MethodPost, "/v1/jobs/pdf")
	if w := do(router, req); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitImagesCountCap(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	body := newMultipartBody()
	for i := 0; i <= constants.MaxImagesPerJob; i++ {
		body.file("files", "page.jpg", []byte("jpeg"))
	}
	if w := do(router, body.request(http.MethodPost, "/v1/jobs/images")); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 above the image cap", w.Code)
	}
}

func TestSubmitImagesOK(t *testing.T) {
	svc, store := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("files", "page1.jpg", []byte("jpeg1")).
		file("files", "page2.png", []byte("png2")).
		request(http.MethodPost, "/v1/jobs/images")
	w := do(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	job, err := store.Get(context.Background(), taskIDFrom(t, w))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Descriptor.Kind != constants.KindImages || len(job.Descriptor.FilePaths) != 2 {
		t.Fatalf("job = %+v", job)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/deadletters", nil)
	if w := do(router, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without key", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/deadletters", nil)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	if w := do(router, req); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with key", w.Code)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("file", "invoice.pdf", []byte("%PDF-1.4")).
		request(http.MethodPost, "/v1/jobs/pdf")
	w := do(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d", w.Code)
	}
	id := taskIDFrom(t, w)

	get := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	get.Header.Set(HeaderAPIKey, testAPIKey)
	w = do(router, get)
	if w.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != string(constants.JobStatusQueued) {
		t.Fatalf("status = %v", resp["status"])
	}
}

func TestJobStatusNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/ffffffff-0000-0000-0000-000000000000", nil)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	if w := do(router, req); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRedeliverEndpoint(t *testing.T) {
	svc, store := newTestService(t)
	router := svc.Router()

	req := newMultipartBody().
		file("file", "invoice.pdf", []byte("%PDF-1.4")).
		request(http.MethodPost, "/v1/jobs/pdf")
	w := do(router, req)
	id := taskIDFrom(t, w)

	ctx := context.Background()
	if _, err := store.Claim(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(ctx, id, constants.JobStatusDead, "delivery exhausted"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	redeliver := httptest.NewRequest(http.MethodPost, "/v1/deadletters/"+id+"/redeliver", nil)
	redeliver.Header.Set(HeaderAPIKey, testAPIKey)
	w = do(router, redeliver)
	if w.Code != http.StatusOK {
		t.Fatalf("redeliver = %d, body = %s", w.Code, w.Body.String())
	}
	newID := taskIDFrom(t, w)
	if newID == id {
		t.Fatal("redeliver reused the dead identifier")
	}

	clone, err := store.Get(ctx, newID)
	if err != nil {
		t.Fatalf("get clone: %v", err)
	}
	if clone.Status != constants.JobStatusQueued {
		t.Fatalf("clone status = %s", clone.Status)
	}
}
