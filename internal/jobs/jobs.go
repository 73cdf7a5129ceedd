// Package jobs processes generic, flow-independent background jobs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowforge/internal/logging"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// HandlerFunc executes one job and returns its JSON result.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Store is the subset of the job store a Dispatcher writes to.
type Store interface {
	CompleteJob(ctx context.Context, job *models.Job, result json.RawMessage) error
	FailJob(ctx context.Context, job *models.Job, message string) error
}

// Dispatcher routes claimed jobs to handlers by type.
type Dispatcher struct {
	store    Store
	handlers map[string]HandlerFunc
	logger   *logging.Logger
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(store Store, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{store: store, handlers: map[string]HandlerFunc{}, logger: logger}
}

// Handle registers fn for jobType.
func (d *Dispatcher) Handle(jobType string, fn HandlerFunc) {
	d.handlers[jobType] = fn
}

// Process runs a claimed job and records its outcome. Handler errors fail
// the job; only persistence errors are returned.
func (d *Dispatcher) Process(ctx context.Context, job *models.Job) error {
	logger := d.logger.With("job_id", job.ID, "job_type", job.Type)

	fn, ok := d.handlers[job.Type]
	if !ok {
		logger.Warn("Unknown job type")
		return d.fail(ctx, job, fmt.Sprintf("Unknown job type: %s", job.Type))
	}

	result, err := runHandler(ctx, fn, job)
	if err != nil {
		logger.Error("Job failed", "error", err)
		return d.fail(ctx, job, err.Error())
	}
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	if err := d.store.CompleteJob(ctx, job, result); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	logger.Info("Job completed")
	return nil
}

func runHandler(ctx context.Context, fn HandlerFunc, job *models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}

func (d *Dispatcher) fail(ctx context.Context, job *models.Job, msg string) error {
	err := d.store.FailJob(ctx, job, msg)
	if errors.Is(err, repository.ErrClaimLost) {
		d.logger.Warn("Job claim lost before failure was recorded", "job_id", job.ID)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}
	return nil
}
