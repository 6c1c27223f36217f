package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

var energyModes = map[string]struct{}{
	"auto":        {},
	"electricity": {},
	"gas":         {},
}

type submissionForm struct {
	energyMode    string
	confidenceMin float64
	strict        bool
	webhookURL    string
	userID        *int64
	invoiceID     *int64
	externalRef   string
}

func (s *Service) parseSubmissionForm(c *gin.Context) (submissionForm, error) {
	form := submissionForm{
		energyMode:    strings.TrimSpace(c.DefaultPostForm("type", "auto")),
		confidenceMin: 0.5,
		strict:        true,
		webhookURL:    strings.TrimSpace(c.PostForm("webhook_url")),
		externalRef:   strings.TrimSpace(c.PostForm("external_ref")),
	}

	if _, ok := energyModes[form.energyMode]; !ok {
		return form, common.NewAppError("FORM_TYPE", "type must be one of auto, electricity, gas", common.ErrInvalidInput)
	}
	if v := c.PostForm("confidence_min"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return form, common.NewAppError("FORM_CONFIDENCE", "confidence_min must be in [0, 1]", common.ErrInvalidInput)
		}
		form.confidenceMin = f
	}
	if v := c.PostForm("strict"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return form, common.NewAppError("FORM_STRICT", "strict must be a boolean", common.ErrInvalidInput)
		}
		form.strict = b
	}
	if form.webhookURL != "" {
		u, err := url.Parse(form.webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return form, common.NewAppError("FORM_WEBHOOK", "webhook_url must be an http(s) URL", common.ErrInvalidInput)
		}
	}
	if v := c.PostForm("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return form, common.NewAppError("FORM_USER", "user_id must be an integer", common.ErrInvalidInput)
		}
		form.userID = &id
	}
	if v := c.PostForm("invoice_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return form, common.NewAppError("FORM_INVOICE", "invoice_id must be an integer", common.ErrInvalidInput)
		}
		form.invoiceID = &id
	}
	return form, nil
}

func (s *Service) handleEnqueuePDF(c *gin.Context) {
	form, err := s.parseSubmissionForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	path, err := saveUpload(fh, constants.PDFExtensions, s.cfg.Storage.UploadDir)
	if err != nil {
		s.answerSubmissionError(c, err)
		return
	}

	s.enqueue(c, form, constants.KindPDF, []string{path})
}

func (s *Service) handleEnqueueImages(c *gin.Context) {
	form, err := s.parseSubmissionForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mf, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form is required"})
		return
	}
	files := mf.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image is required"})
		return
	}
	if len(files) > constants.MaxImagesPerJob {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at most 8 images are allowed per invoice"})
		return
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		path, err := saveUpload(fh, constants.ImageExtensions, s.cfg.Storage.UploadDir)
		if err != nil {
			removeAll(paths)
			s.answerSubmissionError(c, err)
			return
		}
		paths = append(paths, path)
	}

	s.enqueue(c, form, constants.KindImages, paths)
}

func (s *Service) enqueue(c *gin.Context, form submissionForm, kind constants.JobKind, paths []string) {
	id := task.AssignID(form.externalRef)
	now := time.Now().UTC()

	desc := task.Descriptor{
		Kind:          kind,
		FilePaths:     paths,
		EnergyMode:    form.energyMode,
		ConfidenceMin: form.confidenceMin,
		Strict:        form.strict,
		UserID:        form.userID,
		InvoiceID:     form.invoiceID,
	}
	if form.externalRef != "" {
		ref := form.externalRef
		desc.ExternalRef = &ref
	}

	job := &task.Job{
		ID:          id,
		Descriptor:  desc,
		WebhookURL:  form.webhookURL,
		Status:      constants.JobStatusQueued,
		MaxAttempts: s.cfg.Worker.MaxAttempts,
		SubmittedAt: now,
		NextRunAt:   now,
	}

	if err := s.queue.Enqueue(c.Request.Context(), job); err != nil {
		removeAll(paths)
		s.answerSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id})
}

func (s *Service) handleJobStatus(c *gin.Context) {
	job, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	body := gin.H{
		"task_id":      job.ID,
		"status":       job.Status,
		"attempts":     job.Attempts,
		"submitted_at": job.SubmittedAt,
	}
	if job.LastError != "" {
		body["last_error"] = job.LastError
	}
	if job.FinishedAt != nil {
		body["finished_at"] = job.FinishedAt
	}
	c.JSON(http.StatusOK, body)
}

func (s *Service) handleDeadLetters(c *gin.Context) {
	jobs, err := s.queue.DeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	out := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		item := gin.H{
			"task_id":      job.ID,
			"kind":         job.Descriptor.Kind,
			"attempts":     job.Attempts,
			"last_error":   job.LastError,
			"submitted_at": job.SubmittedAt,
		}
		if s.attempts != nil {
			if recs, err := s.attempts.Attempts(c.Request.Context(), job.ID); err == nil {
				history := make([]gin.H, 0, len(recs))
				for _, rec := range recs {
					history = append(history, gin.H{
						"attempt": rec.Attempt,
						"sent_at": rec.SentAt,
						"status":  rec.StatusCode,
						"error":   rec.Err,
					})
				}
				item["delivery_attempts"] = history
			}
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out})
}

func (s *Service) handleRedeliver(c *gin.Context) {
	newID, err := s.queue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": newID})
}

func (s *Service) answerSubmissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrQueueUnavailable):
		s.log.Error("submit.queue_unavailable", "req_id", common.RequestIDFromContext(c.Request.Context()), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
	default:
		s.log.Error("submit.failed", "req_id", common.RequestIDFromContext(c.Request.Context()), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
	}
}
