// Package services holds the run control operations shared by the HTTP
// API, the MCP tools and the seed CLI.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"flowforge/internal/jobs"
	"flowforge/internal/logging"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid input")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	FlowID     string         `json:"flow_id"`
	UserPrompt string         `json:"user_prompt"`
	Mode       models.RunMode `json:"mode"`
	Seed       *int64         `json:"seed,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// RunDetail is a run with its stage attempts and linked assets.
type RunDetail struct {
	Run    *models.Run        `json:"run"`
	Stages []*models.StageRun `json:"stages"`
	Assets []*models.Asset    `json:"assets,omitempty"`
}

// RunService creates and controls runs. Execution itself belongs to the
// worker; everything here only moves rows between states.
type RunService struct {
	flows  FlowReader
	runs   RunStore
	jobs   JobQueue
	assets AssetLister
	logger *logging.Logger
}

// NewRunService creates a new RunService. assets may be nil.
func NewRunService(flows FlowReader, runs RunStore, jobQueue JobQueue, assets AssetLister, logger *logging.Logger) *RunService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RunService{
		flows:  flows,
		runs:   runs,
		jobs:   jobQueue,
		assets: assets,
		logger: logger,
	}
}

// ListFlows returns every stored flow without its stages.
func (s *RunService) ListFlows(ctx context.Context) ([]*models.Flow, error) {
	return s.flows.ListFlows(ctx)
}

// GetFlow returns a flow with its stages.
func (s *RunService) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	return s.flows.GetFlow(ctx, id)
}

// CreateRun validates req and stores a queued run. A missing seed is
// drawn at random so the run stays reproducible afterwards.
func (s *RunService) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if strings.TrimSpace(req.FlowID) == "" || strings.TrimSpace(req.UserPrompt) == "" {
		return nil, fmt.Errorf("%w: flow_id and user_prompt are required", ErrInvalidInput)
	}
	switch req.Mode {
	case "":
		req.Mode = models.RunModeExpress
	case models.RunModeExpress, models.RunModeCustom:
	default:
		return nil, fmt.Errorf("%w: mode must be express or custom, got %q", ErrInvalidInput, req.Mode)
	}

	flow, err := s.flows.GetFlow(ctx, req.FlowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: flow %s does not exist", ErrInvalidInput, req.FlowID)
	}
	if err != nil {
		return nil, err
	}
	if len(flow.Stages) == 0 {
		return nil, fmt.Errorf("%w: flow %s has no stages", ErrInvalidInput, req.FlowID)
	}

	seed := rand.Int64N(1_000_000)
	if req.Seed != nil {
		seed = *req.Seed
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	run := &models.Run{
		FlowID:     flow.ID,
		Mode:       req.Mode,
		Status:     models.RunStatusQueued,
		UserPrompt: req.UserPrompt,
		Seed:       seed,
		Context:    models.RunContext{Inputs: inputs, Context: map[string]models.StageResult{}},
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.logger.Info("Run created", "run_id", run.ID, "flow_id", run.FlowID, "mode", run.Mode, "seed", run.Seed)
	return run, nil
}

// GetRun returns a run.
func (s *RunService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.runs.GetRun(ctx, id)
}

// GetRunDetail returns a run with every stage attempt and its assets.
func (s *RunService) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	stages, err := s.runs.ListStageRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run, Stages: stages}
	if s.assets != nil {
		if detail.Assets, err = s.assets.ListRunAssets(ctx, id); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

// ListRuns returns the newest runs first.
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return s.runs.ListRuns(ctx, clampLimit(limit))
}

// ListStageRuns returns every attempt of every stage of a run.
func (s *RunService) ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.runs.ListStageRuns(ctx, runID)
}

// ListEvents returns events with an id greater than afterID in append order.
func (s *RunService) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.runs.ListEvents(ctx, runID, afterID, clampLimit(limit))
}

// ResumeRun requeues a run paused at a breakpoint.
func (s *RunService) ResumeRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.runs.ResumeRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.note(ctx, run, "Run resumed by user")
	return run, nil
}

// CancelRun stops a run that has not finished. A worker holding the run
// notices at its next write.
func (s *RunService) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.runs.CancelRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.note(ctx, run, "Run cancelled by user")
	return run, nil
}

// DeleteRun removes a run with its attempts, events and asset links.
func (s *RunService) DeleteRun(ctx context.Context, id string) error {
	if err := s.runs.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Run deleted", "run_id", id)
	return nil
}

// EnqueueProviderTest queues a test_provider_call job.
func (s *RunService) EnqueueProviderTest(ctx context.Context, payload jobs.TestProviderPayload) (*models.Job, error) {
	if strings.TrimSpace(payload.Provider) == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidInput)
	}
	if payload.Kind != "" && !payload.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown stage kind %q", ErrInvalidInput, payload.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.EnqueueJob(ctx, jobs.TypeTestProviderCall, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	s.logger.Info("Job enqueued", "job_id", job.ID, "job_type", job.Type, "provider", payload.Provider)
	return job, nil
}

// GetJob returns a job with its result or error.
func (s *RunService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

func (s *RunService) note(ctx context.Context, run *models.Run, message string) {
	err := s.runs.AppendEvent(ctx, &models.RunEvent{RunID: run.ID, Level: models.EventInfo, Message: message})
	if err != nil {
		s.logger.Warn("Failed to append run event", "run_id", run.ID, "error", err)
	}
	s.logger.Info(message, "run_id", run.ID, "status", run.Status)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
