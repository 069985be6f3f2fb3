// Package api exposes the job lifecycle over HTTP. Handlers stay thin:
// they validate the request shape and ownership, call into the engine
// and translate classified errors to status codes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"convertd/apperr"
	"convertd/broadcast"
	"convertd/config"
	"convertd/lifecycle"
	"convertd/models"
	"convertd/store"
	"convertd/upload"
)

const sessionHeader = "X-Session-Key"

// Revoker pulls a dispatched work item back out of the queue.
type Revoker interface {
	Revoke(handle string) error
}

// URLSigner issues presigned download URLs.
type URLSigner interface {
	PresignedGetURL(key string, expires time.Duration) (string, error)
}

// DurableReader serves jobs and dismissals once the hot record is gone.
type DurableReader interface {
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	UpdateDismissed(ctx context.Context, id string, at time.Time) error
}

type Server struct {
	cfg      *config.Config
	store    *store.JobStore
	guard    *store.CancellationGuard
	machine  *lifecycle.StateMachine
	coord    *upload.Coordinator
	hub      *broadcast.Hub
	registry *broadcast.Registry
	revoker  Revoker
	signer   URLSigner
	durable  DurableReader
	logger   *slog.Logger
}

func NewServer(cfg *config.Config, st *store.JobStore, guard *store.CancellationGuard, machine *lifecycle.StateMachine, coord *upload.Coordinator, hub *broadcast.Hub, registry *broadcast.Registry, revoker Revoker, signer URLSigner, durable DurableReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		guard:    guard,
		machine:  machine,
		coord:    coord,
		hub:      hub,
		registry: registry,
		revoker:  revoker,
		signer:   signer,
		durable:  durable,
		logger:   logger,
	}
}

// Router wires the HTTP surface.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	jobs := router.Group("/api/jobs")
	{
		jobs.POST("", s.handleCreateJob)
		jobs.GET("/:id", s.handleJobStatus)
		jobs.POST("/:id/upload/initiate", s.handleInitiateUpload)
		jobs.GET("/:id/upload/parts", s.handleGetPartsBatch)
		jobs.POST("/:id/upload/parts/:number/complete", s.handleCompletePart)
		jobs.POST("/:id/upload/finalize", s.handleFinalizeUpload)
		jobs.POST("/:id/upload/abort", s.handleAbortUpload)
		jobs.POST("/:id/cancel", s.handleCancelJob)
		jobs.POST("/:id/dismiss", s.handleDismissJob)
		jobs.GET("/:id/download", s.handleDownload)
	}

	events := router.Group("/api/events")
	{
		events.GET("/jobs/:id", s.handleJobEvents)
		events.GET("/session", s.handleSessionEvents)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "convertd"})
}

// sessionKey extracts the caller's session, accepting the query form for
// EventSource clients that cannot set headers.
func sessionKey(c *gin.Context) string {
	if key := c.GetHeader(sessionHeader); key != "" {
		return key
	}
	return c.Query("session_key")
}

// ownedJob loads a job and enforces session ownership. Jobs whose hot
// record expired are served from the durable store.
func (s *Server) ownedJob(c *gin.Context) (*models.JobRecord, bool) {
	session := sessionKey(c)
	if session == "" {
		writeError(c, apperr.New(apperr.KindValidation, "session key is required"))
		return nil, false
	}

	id := c.Param("id")
	rec, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) || s.durable == nil {
			writeError(c, err)
			return nil, false
		}
		rec, err = s.durable.GetJob(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return nil, false
		}
	}

	if rec.SessionKey != session {
		writeError(c, apperr.New(apperr.KindAuthorization, "job %s does not belong to this session", id))
		return nil, false
	}
	return rec, true
}

// writeError maps classified errors to HTTP responses. Structured detail
// types ride along so clients can react without parsing messages.
func writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindConflict:
		status = http.StatusConflict
	}

	body := gin.H{"error": err.Error()}

	var tooLarge *apperr.FileTooLarge
	if errors.As(err, &tooLarge) {
		body["code"] = "FILE_TOO_LARGE"
		body["fileSize"] = tooLarge.FileSize
		body["maxFileSize"] = tooLarge.MaxFileSize
		body["suggestedPartSize"] = tooLarge.SuggestedPartSize
	}
	var mismatch *apperr.PartCountMismatch
	if errors.As(err, &mismatch) {
		body["code"] = "UPLOAD_INCOMPLETE"
		body["confirmedParts"] = mismatch.Confirmed
		body["expectedParts"] = mismatch.Expected
	}

	c.AbortWithStatusJSON(status, body)
}
