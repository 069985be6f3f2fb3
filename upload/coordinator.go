// Package upload drives the S3 multipart upload protocol for a job:
// initiate, batched presigned URL issuance, part confirmation, finalize
// and abort.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"convertd/apperr"
	"convertd/config"
	"convertd/lifecycle"
	"convertd/models"
	"convertd/services"
	"convertd/store"
)

// ObjectStore is the multipart surface of the object store.
type ObjectStore interface {
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPartURL(key, uploadID string, partNumber int) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []services.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// Dispatcher hands the finished upload to the work queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) (string, error)
}

// PartURL is one presigned upload slot.
type PartURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// InitiateResult describes a started multipart upload plus its first
// batch of presigned URLs.
type InitiateResult struct {
	JobID          string    `json:"jobId"`
	UploadID       string    `json:"uploadId"`
	PartSize       int64     `json:"partSize"`
	TotalParts     int       `json:"totalParts"`
	Parts          []PartURL `json:"parts"`
	HasMoreParts   bool      `json:"hasMoreParts"`
	NextPartNumber int       `json:"nextPartNumber,omitempty"`
}

// BatchResult is a follow-up window of presigned URLs.
type BatchResult struct {
	Parts          []PartURL `json:"parts"`
	HasMoreParts   bool      `json:"hasMoreParts"`
	NextPartNumber int       `json:"nextPartNumber,omitempty"`
}

// PartProgress reports upload advancement after a part confirmation.
type PartProgress struct {
	JobID          string `json:"jobId"`
	CompletedParts int    `json:"completedParts"`
	TotalParts     int    `json:"totalParts"`
	UploadedBytes  int64  `json:"uploadedBytes"`
	TotalBytes     int64  `json:"totalBytes"`
}

type Coordinator struct {
	store   *store.JobStore
	objects ObjectStore
	machine *lifecycle.StateMachine
	queue   Dispatcher
	hub     lifecycle.Broadcaster
	cfg     *config.Config
	logger  *slog.Logger
}

func NewCoordinator(st *store.JobStore, objects ObjectStore, machine *lifecycle.StateMachine, queue Dispatcher, hub lifecycle.Broadcaster, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   st,
		objects: objects,
		machine: machine,
		queue:   queue,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
	}
}

// Initiate starts the multipart upload for a job and returns the first
// batch of presigned part URLs. The part count is capped by the object
// store's limit; oversized files are rejected with a part size that
// would fit.
func (c *Coordinator) Initiate(ctx context.Context, jobID string, partSize int64, initialBatch int) (*InitiateResult, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "job %s is %s, not accepting uploads", jobID, rec.Status)
	}

	if partSize <= 0 {
		partSize = c.cfg.DefaultPartSize
	}
	if initialBatch <= 0 {
		initialBatch = c.cfg.DefaultInitialBatch
	}

	totalParts := int((rec.InputFileSize + partSize - 1) / partSize)
	if totalParts < 1 {
		totalParts = 1
	}
	if totalParts > c.cfg.MaxParts {
		maxParts := int64(c.cfg.MaxParts)
		return nil, apperr.Wrap(apperr.KindValidation, &apperr.FileTooLarge{
			FileSize:          rec.InputFileSize,
			MaxFileSize:       partSize * maxParts,
			SuggestedPartSize: (rec.InputFileSize + maxParts - 1) / maxParts,
		}, "multipart initiate rejected for job %s", jobID)
	}

	uploadID, err := c.objects.CreateMultipartUpload(ctx, rec.ObjectKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "create multipart upload for job %s", jobID)
	}

	if _, err := c.store.Update(ctx, jobID, func(r *models.JobRecord) {
		r.UploadID = uploadID
		r.PartSize = partSize
		r.PartsTotal = totalParts
	}); err != nil {
		return nil, err
	}

	batch := initialBatch
	if batch > totalParts {
		batch = totalParts
	}
	urls, err := c.presignBatch(rec.ObjectKey, uploadID, 1, batch)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "presign initial batch for job %s", jobID)
	}

	if err := c.store.EnqueueWarmup(ctx, jobID); err != nil {
		c.logger.Warn("warm-up enqueue failed", "job_id", jobID, "error", err)
	}

	res := &InitiateResult{
		JobID:        jobID,
		UploadID:     uploadID,
		PartSize:     partSize,
		TotalParts:   totalParts,
		Parts:        urls,
		HasMoreParts: batch < totalParts,
	}
	if res.HasMoreParts {
		res.NextPartNumber = batch + 1
	}
	return res, nil
}

// GetPartsBatch presigns a follow-up window of part URLs starting at
// startPart.
func (c *Coordinator) GetPartsBatch(ctx context.Context, jobID string, startPart, count int) (*BatchResult, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "job %s is %s, not accepting uploads", jobID, rec.Status)
	}
	if rec.UploadID == "" {
		return nil, apperr.New(apperr.KindConflict, "job %s has no multipart upload in progress", jobID)
	}
	if startPart < 1 || startPart > rec.PartsTotal {
		return nil, apperr.New(apperr.KindValidation, "start part %d out of range 1..%d", startPart, rec.PartsTotal)
	}
	if count <= 0 {
		count = c.cfg.DefaultInitialBatch
	}
	if remaining := rec.PartsTotal - startPart + 1; count > remaining {
		count = remaining
	}

	urls, err := c.presignBatch(rec.ObjectKey, rec.UploadID, startPart, count)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "presign batch for job %s", jobID)
	}

	res := &BatchResult{
		Parts:        urls,
		HasMoreParts: startPart+count-1 < rec.PartsTotal,
	}
	if res.HasMoreParts {
		res.NextPartNumber = startPart + count
	}
	return res, nil
}

// CompletePart records one confirmed part. Re-confirming the same part
// overwrites its ETag without inflating the count. Progress is estimated
// from the confirmed count since parts may land out of order.
func (c *Coordinator) CompletePart(ctx context.Context, jobID string, partNumber int, etag string) (*PartProgress, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "job %s is %s, not accepting uploads", jobID, rec.Status)
	}
	if partNumber < 1 || partNumber > rec.PartsTotal {
		return nil, apperr.New(apperr.KindValidation, "part number %d out of range 1..%d", partNumber, rec.PartsTotal)
	}
	if etag == "" {
		return nil, apperr.New(apperr.KindValidation, "etag is required")
	}

	count, err := c.store.SetPart(ctx, jobID, partNumber, etag)
	if err != nil {
		return nil, err
	}

	uploaded := int64(count) * rec.PartSize
	if uploaded > rec.InputFileSize {
		uploaded = rec.InputFileSize
	}

	updated, err := c.store.Update(ctx, jobID, func(r *models.JobRecord) {
		r.PartsCompleted = count
		r.UploadProgressBytes = uploaded
	})
	if err != nil {
		return nil, err
	}

	if c.hub != nil {
		c.hub.JobStatusChanged(ctx, updated)
	}

	return &PartProgress{
		JobID:          jobID,
		CompletedParts: count,
		TotalParts:     rec.PartsTotal,
		UploadedBytes:  uploaded,
		TotalBytes:     rec.InputFileSize,
	}, nil
}

// Finalize assembles the object once every part is confirmed, moves the
// job to QUEUED with its first durable write, and dispatches conversion
// work. An incomplete part set is rejected and the job stays UPLOADING
// so the client can finish and retry. Failures past the part check force
// the job to ERRORED.
func (c *Coordinator) Finalize(ctx context.Context, jobID string) (*models.JobRecord, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "job %s is %s, cannot finalize", jobID, rec.Status)
	}
	if rec.UploadID == "" {
		return nil, apperr.New(apperr.KindConflict, "job %s has no multipart upload in progress", jobID)
	}

	parts, err := c.store.Parts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(parts) != rec.PartsTotal {
		return nil, apperr.Wrap(apperr.KindConflict, &apperr.PartCountMismatch{
			Confirmed: len(parts),
			Expected:  rec.PartsTotal,
		}, "finalize rejected for job %s", jobID)
	}

	completed := make([]services.CompletedPart, 0, len(parts))
	for number, etag := range parts {
		completed = append(completed, services.CompletedPart{PartNumber: number, ETag: etag})
	}

	if err := c.objects.CompleteMultipartUpload(ctx, rec.ObjectKey, rec.UploadID, completed); err != nil {
		return nil, c.failJob(ctx, jobID, fmt.Errorf("complete multipart upload: %w", err))
	}

	updated, err := c.machine.ChangeStatus(ctx, jobID, models.StatusQueued, lifecycle.Options{
		Mutate: func(r *models.JobRecord) {
			r.PartsCompleted = r.PartsTotal
			r.UploadProgressBytes = r.InputFileSize
		},
	})
	if err != nil {
		return nil, err
	}

	// First durable write. From here session snapshots can see the job
	// even after its hot record expires.
	if err := c.store.PersistToDurable(ctx, updated); err != nil {
		return nil, c.failJob(ctx, jobID, fmt.Errorf("persist queued job: %w", err))
	}

	handle, err := c.queue.Dispatch(ctx, jobID)
	if err != nil {
		return nil, c.failJob(ctx, jobID, fmt.Errorf("dispatch conversion: %w", err))
	}
	if mirrored, err := c.store.Update(ctx, jobID, func(r *models.JobRecord) {
		r.TaskID = handle
	}); err != nil {
		// The task is dispatched either way; keep the queued record.
		c.logger.Warn("task handle mirror failed", "job_id", jobID, "error", err)
		updated.TaskID = handle
	} else {
		updated = mirrored
	}

	if err := c.store.ClearParts(ctx, jobID); err != nil {
		c.logger.Warn("part map cleanup failed", "job_id", jobID, "error", err)
	}
	if err := c.store.RemoveWarmup(ctx, jobID); err != nil {
		c.logger.Warn("warm-up removal failed", "job_id", jobID, "error", err)
	}

	return updated, nil
}

// Abort tears down an in-progress upload and cancels the job, capturing
// how far the upload got.
func (c *Coordinator) Abort(ctx context.Context, jobID string) (*models.JobRecord, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "job %s is %s, cannot abort upload", jobID, rec.Status)
	}

	if rec.UploadID != "" {
		if err := c.objects.AbortMultipartUpload(ctx, rec.ObjectKey, rec.UploadID); err != nil {
			c.logger.Warn("multipart abort failed", "job_id", jobID, "error", err)
		}
	}

	count, err := c.store.PartCount(ctx, jobID)
	if err != nil {
		c.logger.Warn("part count read failed during abort", "job_id", jobID, "error", err)
		count = rec.PartsCompleted
	}
	uploaded := int64(count) * rec.PartSize
	if uploaded > rec.InputFileSize {
		uploaded = rec.InputFileSize
	}

	if err := c.store.ClearParts(ctx, jobID); err != nil {
		c.logger.Warn("part map cleanup failed", "job_id", jobID, "error", err)
	}
	if err := c.store.RemoveWarmup(ctx, jobID); err != nil {
		c.logger.Warn("warm-up removal failed", "job_id", jobID, "error", err)
	}

	return c.machine.ChangeStatus(ctx, jobID, models.StatusCancelled, lifecycle.Options{
		Mutate: func(r *models.JobRecord) {
			r.PartsCompleted = count
			r.UploadProgressBytes = uploaded
		},
	})
}

// failJob forces the job to ERRORED after an infrastructure failure mid
// finalize and returns the classified original error.
func (c *Coordinator) failJob(ctx context.Context, jobID string, cause error) error {
	if _, err := c.machine.ChangeStatus(ctx, jobID, models.StatusErrored, lifecycle.Options{
		Mutate: func(r *models.JobRecord) {
			r.ErrorMessage = cause.Error()
		},
	}); err != nil {
		c.logger.Error("failed to mark job errored", "job_id", jobID, "error", err)
	}
	return apperr.Wrap(apperr.KindTransientInfrastructure, cause, "finalize failed for job %s", jobID)
}

// presignBatch issues count URLs starting at startPart using a bounded
// pool of workers. Results come back ordered by part number.
func (c *Coordinator) presignBatch(key, uploadID string, startPart, count int) ([]PartURL, error) {
	urls := make([]PartURL, count)
	numbers := make(chan int)
	errCh := make(chan error, count)

	workers := c.cfg.PresignWorkers
	if workers > count {
		workers = count
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range numbers {
				url, err := c.objects.UploadPartURL(key, uploadID, n)
				if err != nil {
					errCh <- fmt.Errorf("part %d: %w", n, err)
					continue
				}
				urls[n-startPart] = PartURL{PartNumber: n, URL: url}
			}
		}()
	}

	for n := startPart; n < startPart+count; n++ {
		numbers <- n
	}
	close(numbers)
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return urls, nil
}
