package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"convertd/apperr"
	"convertd/lifecycle"
	"convertd/models"
	"convertd/services"
	"convertd/store"
)

// Transfer moves files between the object store and local disk.
type Transfer interface {
	Download(ctx context.Context, key string, jobID string, filename string) (string, error)
	Upload(ctx context.Context, localPath string, key string) error
	Cleanup(path string) error
}

// Converter runs one conversion against the external engine.
type Converter interface {
	Convert(ctx context.Context, inputPath string, deviceProfile string, options map[string]string) (string, error)
}

// Processor executes conversion tasks: estimate, download, convert,
// upload, complete.
type Processor struct {
	store     *store.JobStore
	machine   *lifecycle.StateMachine
	transfer  Transfer
	converter Converter
	estimator services.Estimator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewProcessor(st *store.JobStore, machine *lifecycle.StateMachine, transfer Transfer, converter Converter, estimator services.Estimator, timeout time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		machine:   machine,
		transfer:  transfer,
		converter: converter,
		estimator: estimator,
		timeout:   timeout,
		logger:    logger,
	}
}

// Mux returns the task router for the worker server.
func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeConvert, p.HandleConvert)
	return mux
}

// HandleConvert runs the whole pipeline for one job. Jobs that were
// cancelled or aged out before the worker got to them are skipped
// silently; conversion failures move the job to ERRORED and are not
// retried.
func (p *Processor) HandleConvert(ctx context.Context, task *asynq.Task) error {
	var payload ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("bad convert payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	log := p.logger.With("job_id", payload.JobID)

	rec, err := p.store.Get(ctx, payload.JobID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			log.Info("job record gone, skipping conversion")
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		log.Info("job already terminal, skipping conversion", "status", string(rec.Status))
		return nil
	}

	eta := int(p.estimator.Estimate(rec.InputFilename, rec.InputFileSize).Seconds())
	if _, err := p.machine.ChangeStatus(ctx, rec.ID, models.StatusProcessing, lifecycle.Options{
		Mutate: func(r *models.JobRecord) { r.ProjectedETA = eta },
	}); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			log.Info("job left the queue before processing", "error", err)
			return nil
		}
		return err
	}

	started := time.Now()

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	inputPath, err := p.transfer.Download(runCtx, rec.ObjectKey, rec.ID, rec.InputFilename)
	if err != nil {
		return p.fail(ctx, log, rec.ID, fmt.Errorf("download input: %w", err))
	}
	defer func() {
		if err := p.transfer.Cleanup(inputPath); err != nil {
			log.Warn("input cleanup failed", "path", inputPath, "error", err)
		}
	}()

	log.Info("conversion started", "profile", rec.DeviceProfile, "input_size", rec.InputFileSize)

	outputPath, err := p.converter.Convert(runCtx, inputPath, rec.DeviceProfile, rec.Options)
	if err != nil {
		return p.fail(ctx, log, rec.ID, apperr.Wrap(apperr.KindTerminalConversion, err, "conversion failed"))
	}
	defer func() {
		if err := p.transfer.Cleanup(outputPath); err != nil {
			log.Warn("output cleanup failed", "path", outputPath, "error", err)
		}
	}()

	info, err := os.Stat(outputPath)
	if err != nil {
		return p.fail(ctx, log, rec.ID, fmt.Errorf("stat output: %w", err))
	}

	outputFilename := outputNameFor(rec.InputFilename, outputPath)
	outputKey := rec.SessionKey + "/" + rec.ID + "/output/" + outputFilename
	if err := p.transfer.Upload(runCtx, outputPath, outputKey); err != nil {
		return p.fail(ctx, log, rec.ID, fmt.Errorf("upload output: %w", err))
	}

	duration := int(time.Since(started).Seconds())
	if _, err := p.machine.ChangeStatus(ctx, rec.ID, models.StatusComplete, lifecycle.Options{
		Mutate: func(r *models.JobRecord) {
			r.OutputFilename = outputFilename
			r.OutputFileSize = info.Size()
			r.ActualDuration = duration
		},
	}); err != nil {
		return err
	}

	log.Info("conversion complete", "output", outputFilename, "output_size", info.Size(), "duration_s", duration)
	return nil
}

// fail moves the job to ERRORED with the captured message. The task is
// reported as done so asynq does not reschedule what the status graph
// already settled.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) error {
	log.Error("conversion failed", "error", cause)

	if _, err := p.machine.ChangeStatus(ctx, jobID, models.StatusErrored, lifecycle.Options{
		Mutate: func(r *models.JobRecord) { r.ErrorMessage = cause.Error() },
	}); err != nil && !apperr.Is(err, apperr.KindConflict) {
		log.Error("failed to mark job errored", "error", err)
		return err
	}
	return errors.Join(cause, asynq.SkipRetry)
}

// outputNameFor swaps the input extension for the converted one.
func outputNameFor(inputFilename, outputPath string) string {
	base := strings.TrimSuffix(inputFilename, filepath.Ext(inputFilename))
	return base + filepath.Ext(outputPath)
}

// NewWorkerServer builds the asynq server for the worker role.
func NewWorkerServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			convertQueue: 1,
		},
	})
}
