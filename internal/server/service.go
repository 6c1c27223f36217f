// Package server exposes the submission surface: multipart job uploads,
// synchronous identifier assignment, job status, and the operator-facing
// dead-letter read path.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// HeaderAPIKey authenticates submission calls.
const HeaderAPIKey = "X-API-Key"

// Service wires the HTTP surface to the queue.
type Service struct {
	queue    queue.Queue
	attempts queue.AttemptRecorder
	cfg      *common.Config
	log      *slog.Logger
}

func NewService(q queue.Queue, attempts queue.AttemptRecorder, cfg *common.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{queue: q, attempts: attempts, cfg: cfg, log: log}
}

// Router builds the gin engine for the API server.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.tagRequest)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", s.requireAPIKey)
	{
		v1.POST("/jobs/pdf", s.handleEnqueuePDF)
		v1.POST("/jobs/images", s.handleEnqueueImages)
		v1.GET("/jobs/:id", s.handleJobStatus)
		v1.GET("/deadletters", s.handleDeadLetters)
		v1.POST("/deadletters/:id/redeliver", s.handleRedeliver)
	}
	return r
}

func (s *Service) tagRequest(c *gin.Context) {
	reqID := uuid.NewString()
	c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), reqID))
	c.Header("X-Request-Id", reqID)
	c.Next()
}

func (s *Service) requireAPIKey(c *gin.Context) {
	if s.cfg.Server.APIKey == "" {
		c.Next()
		return
	}
	if c.GetHeader(HeaderAPIKey) != s.cfg.Server.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}
	c.Next()
}
