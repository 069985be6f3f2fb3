// Package queue moves conversion work to background workers over asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeConvert  = "conversion:run"
	convertQueue = "conversions"
)

// ConvertPayload identifies the job a task converts.
type ConvertPayload struct {
	JobID string `json:"jobId"`
}

// Dispatcher enqueues conversion tasks and can revoke ones that have not
// started.
type Dispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewDispatcher(opt asynq.RedisClientOpt) *Dispatcher {
	return &Dispatcher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}
}

// Dispatch enqueues a conversion and returns the task id as the revoke
// handle. Conversions are not retried; a failed run already moved the
// job to a terminal status.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) (string, error) {
	body, err := json.Marshal(ConvertPayload{JobID: jobID})
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TypeConvert, body, asynq.Queue(convertQueue))
	info, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue conversion for job %s: %w", jobID, err)
	}
	return info.ID, nil
}

// Revoke deletes a pending task. A task already picked up by a worker
// cannot be deleted; callers treat that as best-effort and rely on the
// worker noticing the terminal status.
func (d *Dispatcher) Revoke(handle string) error {
	if handle == "" {
		return nil
	}
	return d.inspector.DeleteTask(convertQueue, handle)
}

func (d *Dispatcher) Close() error {
	_ = d.inspector.Close()
	return d.client.Close()
}
