package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SalmaAmgarou/invoice/internal/envelope"
	"github.com/SalmaAmgarou/invoice/internal/webhook"
)

// maxBodyBytes bounds a delivery body: two 16 MiB reports base64-encoded
// plus headroom.
const maxBodyBytes = 48 << 20

// ServerConfig carries the receiver's auth material.
type ServerConfig struct {
	// Token, when set, must arrive as a bearer credential.
	Token string
	// Secret, when set, must match the body's HMAC signature.
	Secret string
}

// Server is the HTTP face of the ledger. Authentication runs before any
// parsing; auth and parse failures answer 4xx so the sender stops
// retrying, storage failures answer 5xx so it retries.
type Server struct {
	store *Store
	cfg   ServerConfig
	log   *slog.Logger
}

func NewServer(store *Store, cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, cfg: cfg, log: log}
}

// Router builds the gin engine for the webhook sink.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/webhook", s.handleDelivery)
	r.GET("/entries/:task_id", s.handleGet)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func (s *Server) handleDelivery(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// Authenticate the raw request before parsing anything.
	if s.cfg.Token != "" {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Token {
			s.log.Warn("ledger.reject.bad_token", "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
	}
	if s.cfg.Secret != "" {
		sig := c.GetHeader(webhook.HeaderSignature)
		if sig == "" || !webhook.Verify(s.cfg.Secret, body, sig) {
			s.log.Warn("ledger.reject.bad_signature", "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	// The header is the sole idempotency key.
	taskID := c.GetHeader(webhook.HeaderTaskID)
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": webhook.HeaderTaskID + " header is required"})
		return
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
		return
	}
	if err := validateEnvelope(doc); err != nil {
		s.log.Warn("ledger.reject.schema", "task_id", taskID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "envelope failed validation"})
		return
	}

	env, err := envelope.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable envelope"})
		return
	}

	entry := Entry{
		TaskID:             taskID,
		Outcome:            string(env.Outcome),
		Body:               body,
		NonAnonymousSHA256: env.NonAnonymousSHA256,
		AnonymousSHA256:    env.AnonymousSHA256,
		NonAnonymousSize:   env.NonAnonymousSize,
		AnonymousSize:      env.AnonymousSize,
	}
	if env.ExternalRef != nil {
		entry.ExternalRef = *env.ExternalRef
	}

	// 2xx only after the upsert is durably committed.
	if err := s.store.Upsert(c.Request.Context(), entry); err != nil {
		s.log.Error("ledger.upsert.failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger write failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "task_id": taskID})
}

func (s *Server) handleGet(c *gin.Context) {
	entry, err := s.store.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     entry.TaskID,
		"outcome":     entry.Outcome,
		"received_at": entry.ReceivedAt,
		"sizes": gin.H{
			"non_anonymous": entry.NonAnonymousSize,
			"anonymous":     entry.AnonymousSize,
		},
	})
}
