package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertd/models"
	"convertd/store"
)

type hubDurable struct {
	jobs []*models.JobRecord
}

func (f *hubDurable) UpsertJob(ctx context.Context, rec *models.JobRecord) error { return nil }

func (f *hubDurable) InsertJobLogs(ctx context.Context, jobID string, entries []store.LogEntry) error {
	return nil
}

func (f *hubDurable) ListSessionJobs(ctx context.Context, session string) ([]*models.JobRecord, error) {
	return f.jobs, nil
}

type fakeSigner struct{}

func (fakeSigner) PresignedGetURL(key string, expires time.Duration) (string, error) {
	return "https://example.invalid/dl/" + key, nil
}

func newTestHub(t *testing.T, durable *hubDurable) (*Hub, *store.JobStore, *Registry) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	js := store.NewJobStore(rdb, 24*time.Hour, durable, slog.Default())
	registry := NewRegistry()
	hub := NewHub(js, durable, fakeSigner{}, NewLocalPublisher(registry), 7*24*time.Hour, slog.Default())
	return hub, js, registry
}

func seedHubJob(t *testing.T, js *store.JobStore, rec *models.JobRecord) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, js.Create(context.Background(), rec))
}

func TestBuildStatusEvent_MasksProcessingWithoutProgressData(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, &hubDurable{})

	rec := &models.JobRecord{ID: "job-1", Status: models.StatusProcessing}
	event := hub.BuildStatusEvent(rec)
	assert.Equal(t, models.StatusQueued, event.Status)

	rec.ProjectedETA = 100
	rec.ProcessingAt = time.Now().UTC().Add(-40 * time.Second)
	event = hub.BuildStatusEvent(rec)
	require.Equal(t, models.StatusProcessing, event.Status)
	assert.Equal(t, 100, event.ProjectedETA)
	assert.InDelta(t, 40, event.ElapsedSeconds, 2)
	assert.InDelta(t, 60, event.RemainingSeconds, 2)
	assert.InDelta(t, 40, event.ProgressPercent, 2)
}

func TestBuildStatusEvent_ProgressPercentCapped(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, &hubDurable{})

	rec := &models.JobRecord{
		ID:           "job-1",
		Status:       models.StatusProcessing,
		ProjectedETA: 10,
		ProcessingAt: time.Now().UTC().Add(-5 * time.Minute),
	}
	event := hub.BuildStatusEvent(rec)
	assert.Equal(t, 99, event.ProgressPercent)
	assert.Equal(t, 0, event.RemainingSeconds)
}

func TestBuildStatusEvent_CompleteCarriesDownloadURL(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, &hubDurable{})

	rec := &models.JobRecord{
		ID:             "job-1",
		SessionKey:     "sess-1",
		Status:         models.StatusComplete,
		OutputFilename: "book.epub",
		OutputFileSize: 2048,
		ActualDuration: 95,
	}
	event := hub.BuildStatusEvent(rec)
	assert.Equal(t, "book.epub", event.OutputFilename)
	assert.Equal(t, int64(2048), event.OutputFileSize)
	assert.Equal(t, 95, event.ActualDuration)
	assert.Equal(t, "https://example.invalid/dl/sess-1/job-1/output/book.epub", event.DownloadURL)
}

func TestBuildStatusEvent_ErroredCarriesMessage(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, &hubDurable{})

	rec := &models.JobRecord{ID: "job-1", Status: models.StatusErrored, ErrorMessage: "corrupt archive"}
	event := hub.BuildStatusEvent(rec)
	assert.Equal(t, "corrupt archive", event.Error)
}

func TestSessionSnapshot_MergesHotAndDurableAndFilters(t *testing.T) {
	t.Parallel()

	durable := &hubDurable{
		jobs: []*models.JobRecord{
			{
				ID:             "job-done",
				SessionKey:     "sess-1",
				Status:         models.StatusComplete,
				InputFilename:  "old.cbz",
				OutputFilename: "old.epub",
				CompletedAt:    time.Now().UTC().Add(-time.Hour),
			},
			{
				ID:          "job-dismissed",
				SessionKey:  "sess-1",
				Status:      models.StatusComplete,
				DismissedAt: time.Now().UTC(),
			},
			{
				ID:         "job-cancelled",
				SessionKey: "sess-1",
				Status:     models.StatusCancelled,
			},
		},
	}
	hub, js, _ := newTestHub(t, durable)

	seedHubJob(t, js, &models.JobRecord{
		ID:                  "job-up",
		SessionKey:          "sess-1",
		Status:              models.StatusUploading,
		InputFilename:       "new.cbz",
		InputFileSize:       400,
		PartsTotal:          4,
		PartsCompleted:      2,
		UploadProgressBytes: 200,
	})

	snapshot, err := hub.SessionSnapshot(context.Background(), "sess-1")
	require.NoError(t, err)

	require.Equal(t, 2, snapshot.Total)
	byID := make(map[string]models.JobSummary, len(snapshot.Jobs))
	for _, s := range snapshot.Jobs {
		byID[s.JobID] = s
	}

	up, ok := byID["job-up"]
	require.True(t, ok, "expected uploading job listed")
	require.NotNil(t, up.Upload)
	assert.Equal(t, 2, up.Upload.CompletedParts)
	assert.InDelta(t, 50.0, up.Upload.Percentage, 0.01)

	done, ok := byID["job-done"]
	require.True(t, ok, "expected completed job listed from durable store")
	assert.NotEmpty(t, done.DownloadURL)
	assert.NotEmpty(t, done.CompletedAt)

	assert.NotContains(t, byID, "job-dismissed")
	assert.NotContains(t, byID, "job-cancelled")
}

func TestJobStatusChanged_PublishesEventAndSnapshot(t *testing.T) {
	t.Parallel()

	hub, js, registry := newTestHub(t, &hubDurable{})

	seedHubJob(t, js, &models.JobRecord{
		ID:            "job-1",
		SessionKey:    "sess-1",
		Status:        models.StatusQueued,
		InputFilename: "book.cbz",
		InputFileSize: 100,
	})
	rec, err := js.Get(context.Background(), "job-1")
	require.NoError(t, err)

	jobSub := registry.Subscribe(JobTopic("job-1"))
	sessSub := registry.Subscribe(SessionTopic("sess-1"))

	hub.JobStatusChanged(context.Background(), rec)

	select {
	case payload := <-jobSub.C:
		var event models.StatusEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, models.StatusQueued, event.Status)
	default:
		t.Fatal("expected job event delivered")
	}

	select {
	case payload := <-sessSub.C:
		var snapshot models.SessionSnapshot
		require.NoError(t, json.Unmarshal(payload, &snapshot))
		assert.Equal(t, 1, snapshot.Total)
	default:
		t.Fatal("expected session snapshot delivered")
	}
}
