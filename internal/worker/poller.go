// Package worker runs the poll loop that claims jobs and runs from the
// shared store and hands them to the job dispatcher and the engine.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"flowforge/internal/logging"
	"flowforge/internal/metrics"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// RunClaimer reserves runnable runs.
type RunClaimer interface {
	ClaimRun(ctx context.Context, stale time.Duration) (*models.Run, error)
}

// JobClaimer reserves pending jobs.
type JobClaimer interface {
	ClaimJob(ctx context.Context, stale time.Duration) (*models.Job, error)
}

// RunExecutor advances a claimed run.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, run *models.Run) error
}

// JobProcessor handles a claimed job.
type JobProcessor interface {
	Process(ctx context.Context, job *models.Job) error
}

// Config holds the poll timings.
type Config struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
}

// Poller is one poll loop. Jobs take priority: runs are only claimed on a
// tick that found no job.
type Poller struct {
	id      string
	runs    RunClaimer
	jobs    JobClaimer
	engine  RunExecutor
	jobProc JobProcessor
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Recorder
}

// NewPoller creates a Poller. jobs and jobProc may be nil to poll runs only.
func NewPoller(runs RunClaimer, engine RunExecutor, jobs JobClaimer, jobProc JobProcessor,
	cfg Config, logger *logging.Logger, rec *metrics.Recorder) *Poller {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	id := uuid.New().String()
	return &Poller{
		id:      id,
		runs:    runs,
		jobs:    jobs,
		engine:  engine,
		jobProc: jobProc,
		cfg:     cfg,
		logger:  logger.With("worker_id", id),
		metrics: rec,
	}
}

// ID identifies the poller in logs.
func (p *Poller) ID() string { return p.id }

// PollOnce claims and processes at most one unit of work. It reports
// whether any work was found.
func (p *Poller) PollOnce(ctx context.Context) (bool, error) {
	if p.jobs != nil && p.jobProc != nil {
		job, err := p.jobs.ClaimJob(ctx, p.cfg.StaleThreshold)
		if err != nil {
			return false, err
		}
		if job != nil {
			p.metrics.Claimed(ctx, "jobs")
			p.logger.Info("Claimed job", "job_id", job.ID, "job_type", job.Type)
			if err := p.jobProc.Process(ctx, job); err != nil && !errors.Is(err, repository.ErrClaimLost) {
				p.logger.Error("Job processing failed", "job_id", job.ID, "error", err)
			}
			return true, nil
		}
	}

	run, err := p.runs.ClaimRun(ctx, p.cfg.StaleThreshold)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}
	p.metrics.Claimed(ctx, "runs")
	p.logger.Info("Claimed run", "run_id", run.ID, "flow_id", run.FlowID)
	if err := p.engine.ExecuteRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			p.logger.Warn("Run claim lost", "run_id", run.ID)
		} else {
			p.logger.Error("Run execution failed", "run_id", run.ID, "error", err)
		}
	}
	return true, nil
}

// Run polls until ctx is cancelled. Found work is followed by an
// immediate poll; an idle or failed poll sleeps for the poll interval.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting poll loop",
		"poll_interval", p.cfg.PollInterval, "stale_threshold", p.cfg.StaleThreshold)

	for {
		if ctx.Err() != nil {
			p.logger.Info("Poll loop stopped")
			return nil
		}

		found, err := p.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("Poll error", "error", err)
		}
		if found && err == nil {
			continue
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Poll loop stopped")
			return nil
		case <-timer.C:
		}
	}
}
