package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LogEntry is one buffered log line for a job. Entries accumulate in a
// Redis list while the job is active and are written to the durable store
// in one batch when the job is persisted.
type LogEntry struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Source  string            `json:"source"`
	Context map[string]string `json:"context,omitempty"`
	Time    time.Time         `json:"time"`
}

// JobLogHandler is a slog.Handler that forwards every record to an inner
// handler and additionally buffers records carrying a job_id attribute
// into that job's Redis log list. Buffering failures are silent; logging
// must never take a request down.
type JobLogHandler struct {
	inner  slog.Handler
	rdb    *redis.Client
	ttl    time.Duration
	source string
	attrs  []slog.Attr
}

func NewJobLogHandler(inner slog.Handler, rdb *redis.Client, ttl time.Duration, source string) *JobLogHandler {
	return &JobLogHandler{inner: inner, rdb: rdb, ttl: ttl, source: source}
}

func (h *JobLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *JobLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *JobLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	return &clone
}

func (h *JobLogHandler) Handle(ctx context.Context, r slog.Record) error {
	jobID := ""
	fields := map[string]string{}
	collect := func(a slog.Attr) {
		if a.Key == "job_id" {
			jobID = a.Value.String()
			return
		}
		fields[a.Key] = a.Value.String()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	if jobID != "" && h.rdb != nil {
		entry := LogEntry{
			Level:   r.Level.String(),
			Message: r.Message,
			Source:  h.source,
			Context: fields,
			Time:    r.Time.UTC(),
		}
		if payload, err := json.Marshal(entry); err == nil {
			key := jobLogsKey(jobID)
			pipe := h.rdb.Pipeline()
			pipe.RPush(ctx, key, payload)
			pipe.Expire(ctx, key, h.ttl)
			_, _ = pipe.Exec(ctx)
		}
	}
	return h.inner.Handle(ctx, r)
}
