package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLogHandler(t *testing.T) (*slog.Logger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	inner := slog.NewJSONHandler(io.Discard, nil)
	return slog.New(NewJobLogHandler(inner, rdb, time.Hour, "worker")), mr
}

func TestJobLogHandler_BuffersJobScopedRecords(t *testing.T) {
	t.Parallel()

	logger, mr := newTestLogHandler(t)

	logger.Info("conversion started", "job_id", "job-1", "profile", "kobo")

	lines, err := mr.List("job:job-1:logs")
	if err != nil {
		t.Fatalf("read log buffer: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 buffered line, got %d", len(lines))
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Message != "conversion started" || entry.Level != "INFO" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Source != "worker" {
		t.Fatalf("expected source worker, got %q", entry.Source)
	}
	if entry.Context["profile"] != "kobo" {
		t.Fatalf("expected context captured, got %v", entry.Context)
	}

	if ttl := mr.TTL("job:job-1:logs"); ttl != time.Hour {
		t.Fatalf("expected buffer TTL set, got %v", ttl)
	}
}

func TestJobLogHandler_JobIDFromWithAttrs(t *testing.T) {
	t.Parallel()

	logger, mr := newTestLogHandler(t)

	scoped := logger.With("job_id", "job-2")
	scoped.Warn("upload slow")

	lines, err := mr.List("job:job-2:logs")
	if err != nil {
		t.Fatalf("read log buffer: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 buffered line, got %d", len(lines))
	}
}

func TestJobLogHandler_IgnoresUnscopedRecords(t *testing.T) {
	t.Parallel()

	logger, mr := newTestLogHandler(t)

	logger.Info("service started")

	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no buffered logs, got keys %v", keys)
	}
}
