package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"convertd/apperr"
	"convertd/lifecycle"
	"convertd/models"
)

type createJobRequest struct {
	Filename      string            `json:"filename" binding:"required"`
	FileSize      int64             `json:"fileSize" binding:"required"`
	DeviceProfile string            `json:"deviceProfile"`
	Options       map[string]string `json:"options"`
}

func (s *Server) handleCreateJob(c *gin.Context) {
	session := sessionKey(c)
	if session == "" {
		writeError(c, apperr.New(apperr.KindValidation, "session key is required"))
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, err, "invalid job request"))
		return
	}
	if req.FileSize <= 0 {
		writeError(c, apperr.New(apperr.KindValidation, "fileSize must be positive"))
		return
	}

	now := time.Now().UTC()
	rec := &models.JobRecord{
		ID:            uuid.NewString(),
		Status:        models.StatusUploading,
		SessionKey:    session,
		InputFilename: req.Filename,
		InputFileSize: req.FileSize,
		DeviceProfile: req.DeviceProfile,
		Options:       req.Options,
		CreatedAt:     now,
		UploadingAt:   now,
	}
	rec.ObjectKey = session + "/" + rec.ID + "/input/" + req.Filename

	if err := s.store.Create(c.Request.Context(), rec); err != nil {
		writeError(c, err)
		return
	}

	s.logger.Info("job created",
		"job_id", rec.ID, "session", session,
		"filename", req.Filename, "size", req.FileSize)

	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.hub.BuildStatusEvent(rec))
}

type initiateUploadRequest struct {
	PartSize     int64 `json:"partSize"`
	InitialBatch int   `json:"initialBatch"`
}

func (s *Server) handleInitiateUpload(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	var req initiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		writeError(c, apperr.Wrap(apperr.KindValidation, err, "invalid initiate request"))
		return
	}

	res, err := s.coord.Initiate(c.Request.Context(), rec.ID, req.PartSize, req.InitialBatch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetPartsBatch(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	start, err := strconv.Atoi(c.DefaultQuery("start", "1"))
	if err != nil {
		writeError(c, apperr.New(apperr.KindValidation, "invalid start part"))
		return
	}
	count, err := strconv.Atoi(c.DefaultQuery("count", "0"))
	if err != nil {
		writeError(c, apperr.New(apperr.KindValidation, "invalid count"))
		return
	}

	res, err := s.coord.GetPartsBatch(c.Request.Context(), rec.ID, start, count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type completePartRequest struct {
	ETag string `json:"etag" binding:"required"`
}

func (s *Server) handleCompletePart(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		writeError(c, apperr.New(apperr.KindValidation, "invalid part number"))
		return
	}

	var req completePartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, err, "invalid complete-part request"))
		return
	}

	progress, err := s.coord.CompletePart(c.Request.Context(), rec.ID, number, req.ETag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) handleFinalizeUpload(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	updated, err := s.coord.Finalize(c.Request.Context(), rec.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": updated.ID, "status": updated.Status})
}

func (s *Server) handleAbortUpload(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	updated, err := s.coord.Abort(c.Request.Context(), rec.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": updated.ID, "status": updated.Status})
}

// handleCancelJob cancels a job in any active state under the session's
// cancellation lock, so doubled-up clicks and racing tabs collapse to
// one cancellation at a time.
func (s *Server) handleCancelJob(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	acquired, err := s.guard.Acquire(ctx, rec.SessionKey, rec.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !acquired {
		writeError(c, apperr.New(apperr.KindConflict, "another cancellation is in progress for this session"))
		return
	}
	defer func() {
		if _, err := s.guard.Release(ctx, rec.SessionKey, rec.ID); err != nil {
			s.logger.Warn("cancellation lock release failed", "job_id", rec.ID, "error", err)
		}
	}()

	var updated *models.JobRecord
	switch rec.Status {
	case models.StatusUploading:
		updated, err = s.coord.Abort(ctx, rec.ID)
	case models.StatusQueued, models.StatusProcessing:
		if rec.TaskID != "" && s.revoker != nil {
			if revokeErr := s.revoker.Revoke(rec.TaskID); revokeErr != nil {
				s.logger.Info("work item revoke failed, worker will observe terminal status",
					"job_id", rec.ID, "error", revokeErr)
			}
		}
		updated, err = s.machine.ChangeStatus(ctx, rec.ID, models.StatusCancelled, lifecycle.Options{
			// Stamping dismissed_at here lets clients drop the job from
			// listings without a second request.
			Mutate: func(r *models.JobRecord) { r.DismissedAt = time.Now().UTC() },
		})
	default:
		err = apperr.New(apperr.KindConflict, "job %s is already %s", rec.ID, rec.Status)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobId": updated.ID, "status": updated.Status})
}

func (s *Server) handleDismissJob(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	if rec.Status != models.StatusComplete && rec.Status != models.StatusDownloaded {
		writeError(c, apperr.New(apperr.KindConflict, "only finished jobs can be dismissed, job %s is %s", rec.ID, rec.Status))
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()

	if _, err := s.store.Update(ctx, rec.ID, func(r *models.JobRecord) {
		r.DismissedAt = now
	}); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		writeError(c, err)
		return
	}
	if s.durable != nil {
		if err := s.durable.UpdateDismissed(ctx, rec.ID, now); err != nil {
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"jobId": rec.ID, "dismissed": true})
}

// handleDownload issues the presigned URL and marks the first download.
func (s *Server) handleDownload(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	if rec.Status != models.StatusComplete && rec.Status != models.StatusDownloaded {
		writeError(c, apperr.New(apperr.KindConflict, "job %s has no downloadable result, status is %s", rec.ID, rec.Status))
		return
	}

	url, err := s.signer.PresignedGetURL(rec.OutputObjectKey(), s.cfg.DownloadURLExpiry)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindTransientInfrastructure, err, "sign download url for job %s", rec.ID))
		return
	}

	if rec.Status == models.StatusComplete {
		if _, err := s.machine.ChangeStatus(c.Request.Context(), rec.ID, models.StatusDownloaded, lifecycle.Options{}); err != nil {
			// The URL is already signed; a failed bookkeeping transition
			// should not cost the client its download.
			s.logger.Warn("downloaded transition failed", "job_id", rec.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":       rec.ID,
		"downloadUrl": url,
		"filename":    rec.OutputFilename,
		"expiresIn":   int(s.cfg.DownloadURLExpiry.Seconds()),
	})
}
