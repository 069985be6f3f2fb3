package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"convertd/lifecycle"
	"convertd/models"
	"convertd/store"
)

type fakeTransfer struct {
	dir       string
	uploads   map[string]string
	downloads int
}

func newFakeTransfer(t *testing.T) *fakeTransfer {
	return &fakeTransfer{dir: t.TempDir(), uploads: make(map[string]string)}
}

func (f *fakeTransfer) Download(ctx context.Context, key string, jobID string, filename string) (string, error) {
	f.downloads++
	path := filepath.Join(f.dir, filename)
	if err := os.WriteFile(path, []byte("input-bytes"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeTransfer) Upload(ctx context.Context, localPath string, key string) error {
	f.uploads[key] = localPath
	return nil
}

func (f *fakeTransfer) Cleanup(path string) error { return nil }

type fakeConverter struct {
	fail bool
}

func (f *fakeConverter) Convert(ctx context.Context, inputPath string, deviceProfile string, options map[string]string) (string, error) {
	if f.fail {
		return "", errors.New("unsupported page layout")
	}
	out := inputPath[:len(inputPath)-len(filepath.Ext(inputPath))] + ".converted.epub"
	if err := os.WriteFile(out, []byte("output-bytes"), 0644); err != nil {
		return "", err
	}
	return out, nil
}

type fixedEstimator struct{ seconds int }

func (e fixedEstimator) Estimate(filename string, sizeBytes int64) time.Duration {
	return time.Duration(e.seconds) * time.Second
}

type processorDurable struct {
	upserts []*models.JobRecord
}

func (f *processorDurable) UpsertJob(ctx context.Context, rec *models.JobRecord) error {
	copied := *rec
	f.upserts = append(f.upserts, &copied)
	return nil
}

func (f *processorDurable) InsertJobLogs(ctx context.Context, jobID string, entries []store.LogEntry) error {
	return nil
}

type processorEnv struct {
	proc     *Processor
	store    *store.JobStore
	transfer *fakeTransfer
	conv     *fakeConverter
	durable  *processorDurable
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	durable := &processorDurable{}
	js := store.NewJobStore(rdb, 24*time.Hour, durable, slog.Default())
	machine := lifecycle.NewStateMachine(js, nil, slog.Default())
	transfer := newFakeTransfer(t)
	conv := &fakeConverter{}

	proc := NewProcessor(js, machine, transfer, conv, fixedEstimator{seconds: 120}, time.Minute, slog.Default())
	return &processorEnv{proc: proc, store: js, transfer: transfer, conv: conv, durable: durable}
}

func seedQueuedJob(t *testing.T, js *store.JobStore) {
	t.Helper()

	rec := &models.JobRecord{
		ID:            "job-1",
		Status:        models.StatusQueued,
		SessionKey:    "sess-1",
		InputFilename: "book.cbz",
		InputFileSize: 1_000_000,
		DeviceProfile: "kobo",
		ObjectKey:     "sess-1/job-1/input/book.cbz",
		CreatedAt:     time.Now().UTC(),
	}
	if err := js.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func convertTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(ConvertPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(TypeConvert, body)
}

func TestHandleConvert_RunsFullPipeline(t *testing.T) {
	t.Parallel()

	env := newProcessorEnv(t)
	seedQueuedJob(t, env.store)

	if err := env.proc.HandleConvert(context.Background(), convertTask(t, "job-1")); err != nil {
		t.Fatalf("HandleConvert: %v", err)
	}

	rec, err := env.store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != models.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", rec.Status)
	}
	if rec.OutputFilename != "book.epub" {
		t.Fatalf("expected output name book.epub, got %q", rec.OutputFilename)
	}
	if rec.OutputFileSize == 0 {
		t.Fatal("expected output size recorded")
	}
	if rec.ProjectedETA != 120 {
		t.Fatalf("expected projected ETA recorded, got %d", rec.ProjectedETA)
	}
	if rec.ProcessingAt.IsZero() || rec.CompletedAt.IsZero() {
		t.Fatal("expected processing and completion timestamps stamped")
	}

	if _, ok := env.transfer.uploads["sess-1/job-1/output/book.epub"]; !ok {
		t.Fatalf("expected output uploaded, got %v", env.transfer.uploads)
	}
	if len(env.durable.upserts) == 0 {
		t.Fatal("expected terminal persist on completion")
	}
}

func TestHandleConvert_ConversionFailureMarksErrored(t *testing.T) {
	t.Parallel()

	env := newProcessorEnv(t)
	env.conv.fail = true
	seedQueuedJob(t, env.store)

	err := env.proc.HandleConvert(context.Background(), convertTask(t, "job-1"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry error, got %v", err)
	}

	rec, err := env.store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != models.StatusErrored {
		t.Fatalf("expected ERRORED, got %s", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("expected captured error message")
	}
}

func TestHandleConvert_SkipsTerminalJob(t *testing.T) {
	t.Parallel()

	env := newProcessorEnv(t)
	rec := &models.JobRecord{
		ID:         "job-1",
		Status:     models.StatusCancelled,
		SessionKey: "sess-1",
		CreatedAt:  time.Now().UTC(),
	}
	if err := env.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := env.proc.HandleConvert(context.Background(), convertTask(t, "job-1")); err != nil {
		t.Fatalf("expected terminal job skipped cleanly, got %v", err)
	}
	if env.transfer.downloads != 0 {
		t.Fatal("expected no download for cancelled job")
	}
}

func TestHandleConvert_SkipsMissingJob(t *testing.T) {
	t.Parallel()

	env := newProcessorEnv(t)

	if err := env.proc.HandleConvert(context.Background(), convertTask(t, "job-gone")); err != nil {
		t.Fatalf("expected missing job skipped cleanly, got %v", err)
	}
}
