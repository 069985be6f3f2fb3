package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"convertd/apperr"
	"convertd/models"
	"convertd/store"
)

// DatabaseService is the durable system of record. Jobs land here at
// upload finalize and on every terminal transition; the Redis hot store
// covers everything in between.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// EnsureSchema creates the tables this service writes to if they do not
// exist yet. Retention of persisted rows is an operational concern outside
// this service.
func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id                    VARCHAR(36) PRIMARY KEY,
	status                VARCHAR(20) NOT NULL,
	session_key           VARCHAR(36) NOT NULL,
	input_filename        VARCHAR(255) NOT NULL,
	input_file_size       BIGINT,
	output_filename       VARCHAR(255),
	output_file_size      BIGINT,
	device_profile        VARCHAR(50),
	options               JSONB,
	upload_progress_bytes BIGINT DEFAULT 0,
	projected_eta         INTEGER,
	actual_duration       INTEGER,
	error_message         TEXT,
	task_id               VARCHAR(64),
	upload_id             VARCHAR(512),
	object_key            VARCHAR(500),
	part_size             BIGINT,
	parts_total           INTEGER,
	parts_completed       INTEGER,
	created_at            TIMESTAMPTZ,
	uploading_at          TIMESTAMPTZ,
	queued_at             TIMESTAMPTZ,
	processing_at         TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ,
	downloaded_at         TIMESTAMPTZ,
	errored_at            TIMESTAMPTZ,
	cancelled_at          TIMESTAMPTZ,
	abandoned_at          TIMESTAMPTZ,
	dismissed_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_session ON conversion_jobs (session_key);
CREATE TABLE IF NOT EXISTS job_logs (
	id       BIGSERIAL PRIMARY KEY,
	job_id   VARCHAR(36) NOT NULL,
	level    VARCHAR(10) NOT NULL,
	message  TEXT NOT NULL,
	source   VARCHAR(50),
	context  JSONB,
	logged_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs (job_id);`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// UpsertJob writes one row per job id. Repeated terminal persistence of
// the same job overwrites the previous row, which makes the call
// idempotent.
func (d *DatabaseService) UpsertJob(ctx context.Context, rec *models.JobRecord) error {
	optionsJSON, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshal options for job %s: %w", rec.ID, err)
	}

	const query = `
INSERT INTO conversion_jobs (
	id, status, session_key, input_filename, input_file_size,
	output_filename, output_file_size, device_profile, options,
	upload_progress_bytes, projected_eta, actual_duration, error_message,
	task_id, upload_id, object_key, part_size, parts_total, parts_completed,
	created_at, uploading_at, queued_at, processing_at, completed_at,
	downloaded_at, errored_at, cancelled_at, abandoned_at, dismissed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	output_filename = EXCLUDED.output_filename,
	output_file_size = EXCLUDED.output_file_size,
	options = EXCLUDED.options,
	upload_progress_bytes = EXCLUDED.upload_progress_bytes,
	projected_eta = EXCLUDED.projected_eta,
	actual_duration = EXCLUDED.actual_duration,
	error_message = EXCLUDED.error_message,
	task_id = EXCLUDED.task_id,
	upload_id = EXCLUDED.upload_id,
	object_key = EXCLUDED.object_key,
	part_size = EXCLUDED.part_size,
	parts_total = EXCLUDED.parts_total,
	parts_completed = EXCLUDED.parts_completed,
	uploading_at = EXCLUDED.uploading_at,
	queued_at = EXCLUDED.queued_at,
	processing_at = EXCLUDED.processing_at,
	completed_at = EXCLUDED.completed_at,
	downloaded_at = EXCLUDED.downloaded_at,
	errored_at = EXCLUDED.errored_at,
	cancelled_at = EXCLUDED.cancelled_at,
	abandoned_at = EXCLUDED.abandoned_at,
	dismissed_at = EXCLUDED.dismissed_at`

	_, err = d.db.ExecContext(ctx, query,
		rec.ID, string(rec.Status), rec.SessionKey, rec.InputFilename, rec.InputFileSize,
		nullString(rec.OutputFilename), nullInt64(rec.OutputFileSize), nullString(rec.DeviceProfile), optionsJSON,
		rec.UploadProgressBytes, nullInt(rec.ProjectedETA), nullInt(rec.ActualDuration), nullString(rec.ErrorMessage),
		nullString(rec.TaskID), nullString(rec.UploadID), nullString(rec.ObjectKey),
		nullInt64(rec.PartSize), nullInt(rec.PartsTotal), nullInt(rec.PartsCompleted),
		nullTime(rec.CreatedAt), nullTime(rec.UploadingAt), nullTime(rec.QueuedAt),
		nullTime(rec.ProcessingAt), nullTime(rec.CompletedAt), nullTime(rec.DownloadedAt),
		nullTime(rec.ErroredAt), nullTime(rec.CancelledAt), nullTime(rec.AbandonedAt),
		nullTime(rec.DismissedAt),
	)
	return err
}

// InsertJobLogs writes the buffered log lines of a job in one batch.
func (d *DatabaseService) InsertJobLogs(ctx context.Context, jobID string, entries []store.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, source, context, logged_at) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		ctxJSON, _ := json.Marshal(e.Context)
		if _, err := stmt.ExecContext(ctx, jobID, e.Level, e.Message, e.Source, ctxJSON, nullTime(e.Time)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetJob reads a persisted job row. Used as a fallback once the hot-store
// copy has expired.
func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	row := d.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = $1`, id)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "job %s not found", id)
		}
		return nil, err
	}
	return rec, nil
}

// ListSessionJobs returns the persisted jobs of a session, newest first.
func (d *DatabaseService) ListSessionJobs(ctx context.Context, session string) ([]*models.JobRecord, error) {
	rows, err := d.db.QueryContext(ctx, selectJobColumns+` WHERE session_key = $1 ORDER BY created_at DESC`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

// UpdateDismissed stamps dismissed_at on an already-persisted job.
func (d *DatabaseService) UpdateDismissed(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET dismissed_at = $1 WHERE id = $2`, at, id)
	return err
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

const selectJobColumns = `
SELECT id, status, session_key, input_filename, input_file_size,
	output_filename, output_file_size, device_profile, options,
	upload_progress_bytes, projected_eta, actual_duration, error_message,
	task_id, upload_id, object_key, part_size, parts_total, parts_completed,
	created_at, uploading_at, queued_at, processing_at, completed_at,
	downloaded_at, errored_at, cancelled_at, abandoned_at, dismissed_at
FROM conversion_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.JobRecord, error) {
	var (
		rec        models.JobRecord
		status     string
		outName    sql.NullString
		outSize    sql.NullInt64
		device     sql.NullString
		options    []byte
		eta        sql.NullInt64
		duration   sql.NullInt64
		errMsg     sql.NullString
		taskID     sql.NullString
		uploadID   sql.NullString
		objectKey  sql.NullString
		partSize   sql.NullInt64
		partsTotal sql.NullInt64
		partsDone  sql.NullInt64
		times      [10]sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &status, &rec.SessionKey, &rec.InputFilename, &rec.InputFileSize,
		&outName, &outSize, &device, &options,
		&rec.UploadProgressBytes, &eta, &duration, &errMsg,
		&taskID, &uploadID, &objectKey, &partSize, &partsTotal, &partsDone,
		&times[0], &times[1], &times[2], &times[3], &times[4],
		&times[5], &times[6], &times[7], &times[8], &times[9],
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.JobStatus(status)
	rec.OutputFilename = outName.String
	rec.OutputFileSize = outSize.Int64
	rec.DeviceProfile = device.String
	if len(options) > 0 {
		_ = json.Unmarshal(options, &rec.Options)
	}
	rec.ProjectedETA = int(eta.Int64)
	rec.ActualDuration = int(duration.Int64)
	rec.ErrorMessage = errMsg.String
	rec.TaskID = taskID.String
	rec.UploadID = uploadID.String
	rec.ObjectKey = objectKey.String
	rec.PartSize = partSize.Int64
	rec.PartsTotal = int(partsTotal.Int64)
	rec.PartsCompleted = int(partsDone.Int64)
	for i, dst := range []*time.Time{
		&rec.CreatedAt, &rec.UploadingAt, &rec.QueuedAt, &rec.ProcessingAt,
		&rec.CompletedAt, &rec.DownloadedAt, &rec.ErroredAt, &rec.CancelledAt,
		&rec.AbandonedAt, &rec.DismissedAt,
	} {
		if times[i].Valid {
			*dst = times[i].Time
		}
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
