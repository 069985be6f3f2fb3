package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	StatusUploading  JobStatus = "UPLOADING"
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusComplete   JobStatus = "COMPLETE"
	StatusDownloaded JobStatus = "DOWNLOADED"
	StatusErrored    JobStatus = "ERRORED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusAbandoned  JobStatus = "ABANDONED"
)

// IsTerminal reports whether no further business transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusDownloaded, StatusErrored, StatusCancelled, StatusAbandoned:
		return true
	}
	return false
}

// transitions holds the valid edges of the status graph. ERRORED, CANCELLED
// and ABANDONED are reachable from every active state.
var transitions = map[JobStatus][]JobStatus{
	StatusUploading:  {StatusQueued, StatusErrored, StatusCancelled, StatusAbandoned},
	StatusQueued:     {StatusProcessing, StatusErrored, StatusCancelled, StatusAbandoned},
	StatusProcessing: {StatusComplete, StatusErrored, StatusCancelled, StatusAbandoned},
	StatusComplete:   {StatusDownloaded},
}

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobRecord is the working state of a conversion job. Active jobs live in
// the Redis hot store; a durable Postgres row is written at the first
// terminal transition and upserted on any later one.
type JobRecord struct {
	ID            string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	SessionKey    string    `json:"sessionKey"`
	InputFilename string    `json:"inputFilename"`
	InputFileSize int64     `json:"inputFileSize"`

	OutputFilename string `json:"outputFilename,omitempty"`
	OutputFileSize int64  `json:"outputFileSize,omitempty"`

	DeviceProfile string            `json:"deviceProfile,omitempty"`
	Options       map[string]string `json:"options,omitempty"`

	UploadProgressBytes int64  `json:"uploadProgressBytes"`
	ProjectedETA        int    `json:"projectedEta,omitempty"`
	ActualDuration      int    `json:"actualDuration,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`

	// Work queue handle for the dispatched conversion task, revocable while
	// the task has not started.
	TaskID string `json:"taskId,omitempty"`

	// Multipart upload coordinates. The per-part confirmation map is kept in
	// a separate Redis hash to keep high-frequency part writes off this
	// record.
	UploadID       string `json:"uploadId,omitempty"`
	ObjectKey      string `json:"objectKey,omitempty"`
	PartSize       int64  `json:"partSize,omitempty"`
	PartsTotal     int    `json:"partsTotal,omitempty"`
	PartsCompleted int    `json:"partsCompleted,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	UploadingAt  time.Time `json:"uploadingAt,omitempty"`
	QueuedAt     time.Time `json:"queuedAt,omitempty"`
	ProcessingAt time.Time `json:"processingAt,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	DownloadedAt time.Time `json:"downloadedAt,omitempty"`
	ErroredAt    time.Time `json:"erroredAt,omitempty"`
	CancelledAt  time.Time `json:"cancelledAt,omitempty"`
	AbandonedAt  time.Time `json:"abandonedAt,omitempty"`

	// DismissedAt hides the job from session listings. The dismiss
	// operation sets it only for COMPLETE and DOWNLOADED jobs; cancel is
	// the one exception, stamping it so a cancelled job drops out of
	// listings without a follow-up dismiss.
	DismissedAt time.Time `json:"dismissedAt,omitempty"`
}

// ObservableStatus is the status reported to clients. PROCESSING is masked
// as QUEUED until both an ETA and a processing-start time are known, so a
// progress bar never appears without the data to drive it. The Estimator
// always yields a value (heuristic fallback), so the mask cannot stick
// forever.
func (j *JobRecord) ObservableStatus() JobStatus {
	if j.Status == StatusProcessing && (j.ProjectedETA <= 0 || j.ProcessingAt.IsZero()) {
		return StatusQueued
	}
	return j.Status
}

// OutputObjectKey is where the converted file lives in the object store.
func (j *JobRecord) OutputObjectKey() string {
	if j.OutputFilename == "" {
		return ""
	}
	return j.SessionKey + "/" + j.ID + "/output/" + j.OutputFilename
}

// Dismissed reports whether the user has hidden this job from listings.
func (j *JobRecord) Dismissed() bool {
	return !j.DismissedAt.IsZero()
}

// StatusEvent is the per-job payload published to job-scoped subscribers.
type StatusEvent struct {
	JobID               string    `json:"jobId"`
	Status              JobStatus `json:"status"`
	UploadProgressBytes int64     `json:"uploadProgressBytes"`
	ProjectedETA        int       `json:"projectedEta,omitempty"`
	ElapsedSeconds      int       `json:"elapsedSeconds,omitempty"`
	RemainingSeconds    int       `json:"remainingSeconds,omitempty"`
	ProgressPercent     int       `json:"progressPercent,omitempty"`

	CompletedParts int `json:"completedParts,omitempty"`
	TotalParts     int `json:"totalParts,omitempty"`

	// COMPLETE only.
	OutputFilename string `json:"outputFilename,omitempty"`
	OutputFileSize int64  `json:"outputFileSize,omitempty"`
	ActualDuration int    `json:"actualDuration,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	IsDismissed    bool   `json:"isDismissed,omitempty"`

	// ERRORED only.
	Error string `json:"error,omitempty"`
}

// JobSummary is one entry of a session snapshot.
type JobSummary struct {
	JobID         string    `json:"jobId"`
	Filename      string    `json:"filename"`
	Status        JobStatus `json:"status"`
	DeviceProfile string    `json:"deviceProfile,omitempty"`
	FileSize      int64     `json:"fileSize"`

	Upload     *UploadProgress     `json:"uploadProgress,omitempty"`
	Processing *ProcessingProgress `json:"processingProgress,omitempty"`

	OutputFilename string `json:"outputFilename,omitempty"`
	OutputFileSize int64  `json:"outputFileSize,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	IsDismissed    bool   `json:"isDismissed,omitempty"`
	CompletedAt    string `json:"completedAt,omitempty"`
}

// UploadProgress describes multipart upload advancement for UPLOADING jobs.
type UploadProgress struct {
	CompletedParts int     `json:"completedParts"`
	TotalParts     int     `json:"totalParts"`
	UploadedBytes  int64   `json:"uploadedBytes"`
	TotalBytes     int64   `json:"totalBytes"`
	Percentage     float64 `json:"percentage"`
}

// ProcessingProgress describes ETA-based advancement for PROCESSING jobs.
type ProcessingProgress struct {
	ElapsedSeconds   int `json:"elapsedSeconds"`
	RemainingSeconds int `json:"remainingSeconds"`
	ProjectedETA     int `json:"projectedEta"`
	ProgressPercent  int `json:"progressPercent"`
}

// SessionSnapshot is the full per-session payload published to
// session-scoped subscribers.
type SessionSnapshot struct {
	Jobs      []JobSummary `json:"jobs"`
	Total     int          `json:"total"`
	Timestamp time.Time    `json:"timestamp"`
}

// FormatBytes renders a byte count as a human-readable string.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	idx := 0
	for size >= 1024 && idx < len(units)-1 {
		size /= 1024
		idx++
	}
	if idx <= 1 {
		return fmt.Sprintf("%d %s", int64(size), units[idx])
	}
	return fmt.Sprintf("%.1f %s", size, units[idx])
}
