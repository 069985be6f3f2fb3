package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"convertd/models"
	"convertd/store"
)

// DurableReader serves finished jobs whose hot records may have expired.
type DurableReader interface {
	ListSessionJobs(ctx context.Context, session string) ([]*models.JobRecord, error)
}

// URLSigner issues presigned download URLs for finished jobs.
type URLSigner interface {
	PresignedGetURL(key string, expires time.Duration) (string, error)
}

// Hub turns job records into status events and session snapshots and
// publishes them. It is the Broadcaster behind the state machine.
type Hub struct {
	store          *store.JobStore
	durable        DurableReader
	signer         URLSigner
	publisher      Publisher
	downloadExpiry time.Duration
	logger         *slog.Logger
}

func NewHub(st *store.JobStore, durable DurableReader, signer URLSigner, publisher Publisher, downloadExpiry time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:          st,
		durable:        durable,
		signer:         signer,
		publisher:      publisher,
		downloadExpiry: downloadExpiry,
		logger:         logger,
	}
}

// JobStatusChanged publishes a job-scoped event and a refreshed session
// snapshot. Publish failures are logged; the stream promises at-most-once
// delivery, never retries.
func (h *Hub) JobStatusChanged(ctx context.Context, rec *models.JobRecord) {
	event := h.BuildStatusEvent(rec)
	if payload, err := json.Marshal(event); err == nil {
		if err := h.publisher.Publish(ctx, JobTopic(rec.ID), payload); err != nil {
			h.logger.Warn("job event publish failed", "job_id", rec.ID, "error", err)
		}
	}

	snapshot, err := h.SessionSnapshot(ctx, rec.SessionKey)
	if err != nil {
		h.logger.Warn("session snapshot build failed", "session", rec.SessionKey, "error", err)
		return
	}
	if payload, err := json.Marshal(snapshot); err == nil {
		if err := h.publisher.Publish(ctx, SessionTopic(rec.SessionKey), payload); err != nil {
			h.logger.Warn("session snapshot publish failed", "session", rec.SessionKey, "error", err)
		}
	}
}

// BuildStatusEvent renders the client-facing view of a record. The
// reported status is the observable one, so PROCESSING without progress
// data still reads as QUEUED.
func (h *Hub) BuildStatusEvent(rec *models.JobRecord) *models.StatusEvent {
	status := rec.ObservableStatus()
	event := &models.StatusEvent{
		JobID:               rec.ID,
		Status:              status,
		UploadProgressBytes: rec.UploadProgressBytes,
	}

	switch status {
	case models.StatusUploading:
		event.CompletedParts = rec.PartsCompleted
		event.TotalParts = rec.PartsTotal
	case models.StatusProcessing:
		elapsed, remaining, percent := processingProgress(rec, time.Now().UTC())
		event.ProjectedETA = rec.ProjectedETA
		event.ElapsedSeconds = elapsed
		event.RemainingSeconds = remaining
		event.ProgressPercent = percent
	case models.StatusComplete, models.StatusDownloaded:
		event.OutputFilename = rec.OutputFilename
		event.OutputFileSize = rec.OutputFileSize
		event.ActualDuration = rec.ActualDuration
		event.IsDismissed = rec.Dismissed()
		event.DownloadURL = h.downloadURL(rec)
	case models.StatusErrored:
		event.Error = rec.ErrorMessage
	}
	return event
}

// SessionSnapshot lists a session's visible jobs: active ones from the
// hot store merged with finished ones from the durable store. Dismissed
// jobs and terminal jobs other than COMPLETE are excluded.
func (h *Hub) SessionSnapshot(ctx context.Context, session string) (*models.SessionSnapshot, error) {
	ids, err := h.store.SessionJobs(ctx, session)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ids))
	summaries := make([]models.JobSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			// Hot record aged out between index read and fetch.
			continue
		}
		seen[id] = struct{}{}
		if !snapshotVisible(rec) {
			continue
		}
		summaries = append(summaries, h.buildSummary(rec))
	}

	if h.durable != nil {
		finished, err := h.durable.ListSessionJobs(ctx, session)
		if err != nil {
			h.logger.Warn("durable session read failed", "session", session, "error", err)
		} else {
			for _, rec := range finished {
				if _, ok := seen[rec.ID]; ok {
					continue
				}
				if !snapshotVisible(rec) {
					continue
				}
				summaries = append(summaries, h.buildSummary(rec))
			}
		}
	}

	return &models.SessionSnapshot{
		Jobs:      summaries,
		Total:     len(summaries),
		Timestamp: time.Now().UTC(),
	}, nil
}

// snapshotVisible filters what a session listing shows. COMPLETE stays
// listed until downloaded or dismissed; the other terminals disappear
// immediately.
func snapshotVisible(rec *models.JobRecord) bool {
	if rec.Dismissed() {
		return false
	}
	if rec.Status.IsTerminal() && rec.Status != models.StatusComplete {
		return false
	}
	return true
}

func (h *Hub) buildSummary(rec *models.JobRecord) models.JobSummary {
	status := rec.ObservableStatus()
	summary := models.JobSummary{
		JobID:         rec.ID,
		Filename:      rec.InputFilename,
		Status:        status,
		DeviceProfile: rec.DeviceProfile,
		FileSize:      rec.InputFileSize,
		IsDismissed:   rec.Dismissed(),
	}

	switch status {
	case models.StatusUploading:
		upload := &models.UploadProgress{
			CompletedParts: rec.PartsCompleted,
			TotalParts:     rec.PartsTotal,
			UploadedBytes:  rec.UploadProgressBytes,
			TotalBytes:     rec.InputFileSize,
		}
		if rec.InputFileSize > 0 {
			upload.Percentage = float64(rec.UploadProgressBytes) / float64(rec.InputFileSize) * 100
		}
		summary.Upload = upload
	case models.StatusProcessing:
		elapsed, remaining, percent := processingProgress(rec, time.Now().UTC())
		summary.Processing = &models.ProcessingProgress{
			ElapsedSeconds:   elapsed,
			RemainingSeconds: remaining,
			ProjectedETA:     rec.ProjectedETA,
			ProgressPercent:  percent,
		}
	case models.StatusComplete, models.StatusDownloaded:
		summary.OutputFilename = rec.OutputFilename
		summary.OutputFileSize = rec.OutputFileSize
		summary.DownloadURL = h.downloadURL(rec)
		if !rec.CompletedAt.IsZero() {
			summary.CompletedAt = rec.CompletedAt.Format(time.RFC3339)
		}
	}
	return summary
}

func (h *Hub) downloadURL(rec *models.JobRecord) string {
	if h.signer == nil || rec.OutputFilename == "" {
		return ""
	}
	url, err := h.signer.PresignedGetURL(rec.OutputObjectKey(), h.downloadExpiry)
	if err != nil {
		h.logger.Warn("download url signing failed", "job_id", rec.ID, "error", err)
		return ""
	}
	return url
}

// processingProgress derives ETA-based advancement. Percent is capped at
// 99 until the worker reports completion.
func processingProgress(rec *models.JobRecord, now time.Time) (elapsed, remaining, percent int) {
	if rec.ProcessingAt.IsZero() || rec.ProjectedETA <= 0 {
		return 0, rec.ProjectedETA, 0
	}
	elapsed = int(now.Sub(rec.ProcessingAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	remaining = rec.ProjectedETA - elapsed
	if remaining < 0 {
		remaining = 0
	}
	percent = elapsed * 100 / rec.ProjectedETA
	if percent > 99 {
		percent = 99
	}
	return elapsed, remaining, percent
}
