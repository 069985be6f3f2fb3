// Package lifecycle owns job status transitions. Every status change in
// the system goes through StateMachine.ChangeStatus so that timestamping,
// durable persistence and broadcasting happen in one place.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"convertd/apperr"
	"convertd/models"
	"convertd/store"
)

// Broadcaster receives the updated record after a successful change.
type Broadcaster interface {
	JobStatusChanged(ctx context.Context, rec *models.JobRecord)
}

// Options carries optional context data accompanying a transition.
type Options struct {
	// Mutate sets extra fields alongside the status change (projected ETA,
	// output metadata, error message). Applied before the timestamp stamp.
	Mutate func(*models.JobRecord)

	// SuppressBroadcast skips publishing. Workers use this when a separate
	// reporter is the single broadcaster for the event.
	SuppressBroadcast bool
}

type StateMachine struct {
	store       *store.JobStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewStateMachine(st *store.JobStore, b Broadcaster, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{store: st, broadcaster: b, logger: logger}
}

// ChangeStatus moves a job to a new status.
//
// Same-status calls are no-ops unless Mutate carries new data, in which
// case the data is merged and re-broadcast without restamping the status
// timestamp. A worker refreshing the ETA of an already-PROCESSING job
// relies on this to reach subscribers.
//
// For real transitions the edge is validated against the status graph,
// the status-owned timestamp is stamped, and terminal statuses are written
// to the durable store before anything else; a durable failure aborts the
// change. The hot store mirror after that is best-effort: a failure there
// is logged and swallowed since the record ages out on its TTL anyway.
func (m *StateMachine) ChangeStatus(ctx context.Context, jobID string, to models.JobStatus, opts Options) (*models.JobRecord, error) {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if rec.Status == to {
		if opts.Mutate == nil {
			return rec, nil
		}
		updated, err := m.store.Update(ctx, jobID, opts.Mutate)
		if err != nil {
			return nil, err
		}
		m.publish(ctx, updated, opts)
		return updated, nil
	}

	if !models.CanTransition(rec.Status, to) {
		return nil, apperr.New(apperr.KindConflict,
			"invalid transition %s -> %s for job %s", rec.Status, to, jobID)
	}

	now := time.Now().UTC()
	apply := func(r *models.JobRecord) {
		if opts.Mutate != nil {
			opts.Mutate(r)
		}
		r.Status = to
		stampStatusTime(r, to, now)
	}

	next := *rec
	apply(&next)

	if to.IsTerminal() {
		if err := m.store.PersistToDurable(ctx, &next); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientInfrastructure, err,
				"persist terminal status %s for job %s", to, jobID)
		}
	}

	updated, err := m.store.Update(ctx, jobID, apply)
	if err != nil {
		m.logger.Warn("hot store mirror failed after status change",
			"job_id", jobID, "status", string(to), "error", err)
		updated = &next
	}

	m.publish(ctx, updated, opts)
	return updated, nil
}

func (m *StateMachine) publish(ctx context.Context, rec *models.JobRecord, opts Options) {
	if opts.SuppressBroadcast || m.broadcaster == nil {
		return
	}
	m.broadcaster.JobStatusChanged(ctx, rec)
}

func stampStatusTime(r *models.JobRecord, to models.JobStatus, now time.Time) {
	switch to {
	case models.StatusUploading:
		r.UploadingAt = now
	case models.StatusQueued:
		r.QueuedAt = now
	case models.StatusProcessing:
		r.ProcessingAt = now
	case models.StatusComplete:
		r.CompletedAt = now
	case models.StatusDownloaded:
		r.DownloadedAt = now
	case models.StatusErrored:
		r.ErroredAt = now
	case models.StatusCancelled:
		r.CancelledAt = now
	case models.StatusAbandoned:
		r.AbandonedAt = now
	}
}
