// Package store implements the Redis hot store for active conversion jobs
// and the one-way replication path into the durable database.
//
// Active jobs live entirely in Redis for fast access. A job is written to
// Postgres only when it reaches a terminal status; until then the hot store
// is authoritative. A fixed TTL set at creation bounds the lifetime of jobs
// that never finalize.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"convertd/apperr"
	"convertd/models"
)

const (
	jobKeyPrefix     = "job:"
	partsKeyPrefix   = "multipart_parts:"
	sessionKeySuffix = ":jobs"
	warmupListKey    = "pending_work"
)

// Durable is the system-of-record sink behind PersistToDurable.
type Durable interface {
	UpsertJob(ctx context.Context, rec *models.JobRecord) error
	InsertJobLogs(ctx context.Context, jobID string, entries []LogEntry) error
}

// JobStore keeps active job records in Redis.
type JobStore struct {
	rdb     *redis.Client
	ttl     time.Duration
	durable Durable
	logger  *slog.Logger
}

func NewJobStore(rdb *redis.Client, ttl time.Duration, durable Durable, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{rdb: rdb, ttl: ttl, durable: durable, logger: logger}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func partsKey(id string) string { return partsKeyPrefix + id }

func sessionKey(s string) string { return "session:" + s + sessionKeySuffix }

func jobLogsKey(id string) string { return jobKeyPrefix + id + ":logs" }

// Create writes a new job record and registers it in its session's index.
// The TTL is fixed here and never extended by later updates, so jobs that
// never finalize age out on their own.
func (s *JobStore) Create(ctx context.Context, rec *models.JobRecord) error {
	if rec.ID == "" {
		return apperr.New(apperr.KindValidation, "job id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.ID, err)
	}
	if err := s.rdb.Set(ctx, jobKey(rec.ID), payload, s.ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientInfrastructure, err, "create job %s", rec.ID)
	}
	if rec.SessionKey != "" {
		pipe := s.rdb.Pipeline()
		pipe.SAdd(ctx, sessionKey(rec.SessionKey), rec.ID)
		pipe.Expire(ctx, sessionKey(rec.SessionKey), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return apperr.Wrap(apperr.KindTransientInfrastructure, err, "index job %s in session", rec.ID)
		}
	}
	return nil
}

// Get returns the current record for a job id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.JobRecord, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.New(apperr.KindNotFound, "job %s not found", id)
		}
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "get job %s", id)
	}
	var rec models.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &rec, nil
}

// Update applies a merge-write to the record under optimistic concurrency
// and returns the updated record. The key's TTL is preserved, never
// refreshed.
func (s *JobStore) Update(ctx context.Context, id string, mutate func(*models.JobRecord)) (*models.JobRecord, error) {
	key := jobKey(id)
	var updated *models.JobRecord
	for i := 0; i < 5; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return apperr.New(apperr.KindNotFound, "job %s not found", id)
				}
				return err
			}
			var rec models.JobRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			mutate(&rec)
			payload, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = &rec
			}
			return err
		}, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "update job %s", id)
	}
	return nil, apperr.New(apperr.KindTransientInfrastructure, "update job %s: too many concurrent writers", id)
}

// SessionJobs returns the job ids indexed for a session.
func (s *JobStore) SessionJobs(ctx context.Context, session string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, sessionKey(session)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "list session %s jobs", session)
	}
	return ids, nil
}

// RemoveFromSession drops a job id from its session's index.
func (s *JobStore) RemoveFromSession(ctx context.Context, session, id string) error {
	return s.rdb.SRem(ctx, sessionKey(session), id).Err()
}

// SetPart records the confirmation tag for one uploaded part and returns
// the number of confirmed parts. The part map is a separate hash so these
// high-frequency writes never contend with the main record.
func (s *JobStore) SetPart(ctx context.Context, id string, partNumber int, etag string) (int, error) {
	key := partsKey(id)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, strconv.Itoa(partNumber), etag)
	lenCmd := pipe.HLen(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperr.Wrap(apperr.KindTransientInfrastructure, err, "record part %d for job %s", partNumber, id)
	}
	return int(lenCmd.Val()), nil
}

// Parts returns the confirmed part map (part number -> ETag).
func (s *JobStore) Parts(ctx context.Context, id string) (map[int]string, error) {
	raw, err := s.rdb.HGetAll(ctx, partsKey(id)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err, "read parts for job %s", id)
	}
	parts := make(map[int]string, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		parts[n] = v
	}
	return parts, nil
}

// PartCount returns the number of confirmed parts.
func (s *JobStore) PartCount(ctx context.Context, id string) (int, error) {
	n, err := s.rdb.HLen(ctx, partsKey(id)).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientInfrastructure, err, "count parts for job %s", id)
	}
	return int(n), nil
}

// ClearParts drops the part map after finalize or abort.
func (s *JobStore) ClearParts(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, partsKey(id)).Err()
}

// EnqueueWarmup adds the job to the upload warm-up signal list.
func (s *JobStore) EnqueueWarmup(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, warmupListKey, id)
	pipe.Expire(ctx, warmupListKey, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveWarmup removes every occurrence of the job from the warm-up list.
func (s *JobStore) RemoveWarmup(ctx context.Context, id string) error {
	return s.rdb.LRem(ctx, warmupListKey, 0, id).Err()
}

// PersistToDurable upserts the record into the durable store, flushes the
// job's buffered log lines, and for truly terminal statuses removes the
// job from its session index. COMPLETE jobs stay indexed so they remain
// visible for download.
func (s *JobStore) PersistToDurable(ctx context.Context, rec *models.JobRecord) error {
	if err := s.durable.UpsertJob(ctx, rec); err != nil {
		return apperr.Wrap(apperr.KindTransientInfrastructure, err, "persist job %s", rec.ID)
	}

	if err := s.flushJobLogs(ctx, rec.ID); err != nil {
		// Log flush failures never fail the persistence itself.
		s.logger.Warn("failed to flush job logs", "job_id", rec.ID, "error", err)
	}

	switch rec.Status {
	case models.StatusCancelled, models.StatusErrored, models.StatusAbandoned, models.StatusDownloaded:
		if rec.SessionKey != "" {
			if err := s.RemoveFromSession(ctx, rec.SessionKey, rec.ID); err != nil {
				s.logger.Warn("failed to drop job from session index", "job_id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

func (s *JobStore) flushJobLogs(ctx context.Context, jobID string) error {
	key := jobLogsKey(jobID)
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, line := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Best-effort parse; keep the raw line instead of dropping it.
			e = LogEntry{Level: "INFO", Message: line, Source: "backend"}
		}
		entries = append(entries, e)
	}
	if err := s.durable.InsertJobLogs(ctx, jobID, entries); err != nil {
		return err
	}
	return s.rdb.Del(ctx, key).Err()
}
