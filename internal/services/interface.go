package services

import (
	"context"
	"encoding/json"

	"flowforge/pkg/models"
)

// FlowReader loads flow definitions.
type FlowReader interface {
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	ListFlows(ctx context.Context) ([]*models.Flow, error)
}

// RunStore is the subset of the run repository used by RunService.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error
	ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error)
	ResumeRun(ctx context.Context, id string) (*models.Run, error)
	CancelRun(ctx context.Context, id string) (*models.Run, error)
	AppendEvent(ctx context.Context, event *models.RunEvent) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error)
}

// JobQueue enqueues and inspects background jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// AssetLister lists the assets linked to a run.
type AssetLister interface {
	ListRunAssets(ctx context.Context, runID string) ([]*models.Asset, error)
}
