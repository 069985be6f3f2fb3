package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"convertd/apperr"
	"convertd/models"
)

type memDurable struct {
	upserts []*models.JobRecord
	logs    map[string][]LogEntry
}

func (m *memDurable) UpsertJob(ctx context.Context, rec *models.JobRecord) error {
	copied := *rec
	m.upserts = append(m.upserts, &copied)
	return nil
}

func (m *memDurable) InsertJobLogs(ctx context.Context, jobID string, entries []LogEntry) error {
	if m.logs == nil {
		m.logs = make(map[string][]LogEntry)
	}
	m.logs[jobID] = append(m.logs[jobID], entries...)
	return nil
}

func newTestStore(t *testing.T) (*JobStore, *miniredis.Miniredis, *memDurable) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	durable := &memDurable{}
	return NewJobStore(rdb, 24*time.Hour, durable, slog.Default()), mr, durable
}

func testRecord(id, session string, status models.JobStatus) *models.JobRecord {
	return &models.JobRecord{
		ID:            id,
		Status:        status,
		SessionKey:    session,
		InputFilename: "book.cbz",
		InputFileSize: 1000,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	js, mr, _ := newTestStore(t)
	ctx := context.Background()

	if err := js.Create(ctx, testRecord("job-1", "sess-1", models.StatusUploading)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := js.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != models.StatusUploading || rec.SessionKey != "sess-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if ttl := mr.TTL("job:job-1"); ttl != 24*time.Hour {
		t.Fatalf("expected 24h TTL, got %v", ttl)
	}

	ids, err := js.SessionJobs(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionJobs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected session index to hold job-1, got %v", ids)
	}
}

func TestJobStore_GetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	js, _, _ := newTestStore(t)

	_, err := js.Get(context.Background(), "nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestJobStore_UpdateMergesWithoutTTLRefresh(t *testing.T) {
	t.Parallel()

	js, mr, _ := newTestStore(t)
	ctx := context.Background()

	if err := js.Create(ctx, testRecord("job-1", "sess-1", models.StatusUploading)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mr.FastForward(time.Hour)

	updated, err := js.Update(ctx, "job-1", func(r *models.JobRecord) {
		r.UploadProgressBytes = 500
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.UploadProgressBytes != 500 {
		t.Fatalf("expected mutation applied, got %d", updated.UploadProgressBytes)
	}
	if updated.InputFilename != "book.cbz" {
		t.Fatal("expected untouched fields preserved")
	}

	// The record must keep aging; updates never extend its life.
	if ttl := mr.TTL("job:job-1"); ttl > 23*time.Hour {
		t.Fatalf("expected TTL unchanged by update, got %v", ttl)
	}
}

func TestJobStore_PartMap(t *testing.T) {
	t.Parallel()

	js, _, _ := newTestStore(t)
	ctx := context.Background()

	count, err := js.SetPart(ctx, "job-1", 1, "etag-a")
	if err != nil {
		t.Fatalf("SetPart: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}

	// Overwrite keeps the count stable.
	count, err = js.SetPart(ctx, "job-1", 1, "etag-b")
	if err != nil {
		t.Fatalf("SetPart overwrite: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after overwrite, got %d", count)
	}

	if _, err = js.SetPart(ctx, "job-1", 3, "etag-c"); err != nil {
		t.Fatalf("SetPart: %v", err)
	}

	parts, err := js.Parts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Parts: %v", err)
	}
	if len(parts) != 2 || parts[1] != "etag-b" || parts[3] != "etag-c" {
		t.Fatalf("unexpected part map: %v", parts)
	}

	if err := js.ClearParts(ctx, "job-1"); err != nil {
		t.Fatalf("ClearParts: %v", err)
	}
	n, err := js.PartCount(ctx, "job-1")
	if err != nil {
		t.Fatalf("PartCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty part map, got %d", n)
	}
}

func TestPersistToDurable_DropsSessionIndexForGoneStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status models.JobStatus
		drop   bool
	}{
		{models.StatusComplete, false},
		{models.StatusDownloaded, true},
		{models.StatusCancelled, true},
		{models.StatusErrored, true},
		{models.StatusAbandoned, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.status), func(t *testing.T) {
			t.Parallel()

			js, _, durable := newTestStore(t)
			ctx := context.Background()

			rec := testRecord("job-1", "sess-1", models.StatusUploading)
			if err := js.Create(ctx, rec); err != nil {
				t.Fatalf("Create: %v", err)
			}

			rec.Status = tc.status
			if err := js.PersistToDurable(ctx, rec); err != nil {
				t.Fatalf("PersistToDurable: %v", err)
			}

			if len(durable.upserts) != 1 {
				t.Fatalf("expected 1 upsert, got %d", len(durable.upserts))
			}

			ids, err := js.SessionJobs(ctx, "sess-1")
			if err != nil {
				t.Fatalf("SessionJobs: %v", err)
			}
			if tc.drop && len(ids) != 0 {
				t.Fatalf("expected job dropped from session index for %s, got %v", tc.status, ids)
			}
			if !tc.drop && len(ids) != 1 {
				t.Fatalf("expected job kept in session index for %s, got %v", tc.status, ids)
			}
		})
	}
}

func TestPersistToDurable_FlushesBufferedLogs(t *testing.T) {
	t.Parallel()

	js, mr, durable := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("job-1", "sess-1", models.StatusErrored)
	if err := js.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Buffer two lines the way the log handler does.
	mr.Lpush("job:job-1:logs", `{"level":"INFO","message":"conversion started","source":"worker","time":"2026-08-30T10:00:00Z"}`)
	mr.Lpush("job:job-1:logs", `{"level":"ERROR","message":"conversion failed","source":"worker","time":"2026-08-30T10:01:00Z"}`)

	if err := js.PersistToDurable(ctx, rec); err != nil {
		t.Fatalf("PersistToDurable: %v", err)
	}

	if got := len(durable.logs["job-1"]); got != 2 {
		t.Fatalf("expected 2 flushed log entries, got %d", got)
	}
	if mr.Exists("job:job-1:logs") {
		t.Fatal("expected log buffer cleared after flush")
	}
}

func TestWarmupList(t *testing.T) {
	t.Parallel()

	js, mr, _ := newTestStore(t)
	ctx := context.Background()

	if err := js.EnqueueWarmup(ctx, "job-1"); err != nil {
		t.Fatalf("EnqueueWarmup: %v", err)
	}
	if err := js.EnqueueWarmup(ctx, "job-2"); err != nil {
		t.Fatalf("EnqueueWarmup: %v", err)
	}

	if err := js.RemoveWarmup(ctx, "job-1"); err != nil {
		t.Fatalf("RemoveWarmup: %v", err)
	}

	remaining, err := mr.List("pending_work")
	if err != nil {
		t.Fatalf("read warm-up list: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "job-2" {
		t.Fatalf("expected only job-2 pending, got %v", remaining)
	}
}
