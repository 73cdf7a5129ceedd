package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowforge/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrClaimLost is returned by fenced run and job writes when the row is
	// no longer held by the caller's claim: it was reclaimed as stale,
	// cancelled or deleted.
	ErrClaimLost = errors.New("claim lost")

	// ErrInvalidState is returned when a transition is requested from a
	// status that does not allow it.
	ErrInvalidState = errors.New("invalid state transition")
)

// FlowStore persists flow definitions.
type FlowStore interface {
	// CreateFlow stores a flow and all of its stage templates.
	CreateFlow(ctx context.Context, flow *models.Flow) error
	// GetFlow loads a flow with its stages ordered by order_index.
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	// ListFlows returns flows without their stages.
	ListFlows(ctx context.Context) ([]*models.Flow, error)
}

// RunStore persists runs, their stage attempts and their event log.
//
// Methods that take a *models.Run are fenced on the run's claim token and
// only succeed while that claim is current and the run is running.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// ClaimRun reserves the oldest queued run, or a running run whose
	// updated_at is older than stale. It returns nil when nothing is eligible.
	ClaimRun(ctx context.Context, stale time.Duration) (*models.Run, error)

	// LatestStageRuns returns the highest attempt for every stage key.
	LatestStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error)
	ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error)

	StartStage(ctx context.Context, run *models.Run, sr *models.StageRun) error
	MarkStageStale(ctx context.Context, run *models.Run, sr *models.StageRun) error
	RecordStageSuccess(ctx context.Context, run *models.Run, sr *models.StageRun, result models.StageResult) error
	RecordStageFailure(ctx context.Context, run *models.Run, sr *models.StageRun, summary string) error

	CompleteRun(ctx context.Context, run *models.Run) error
	FailRun(ctx context.Context, run *models.Run, summary string) error
	PauseRun(ctx context.Context, run *models.Run, stageKey, reason string) error
	RequeueRun(ctx context.Context, run *models.Run) error

	// ResumeRun moves a waiting_user run back to queued.
	ResumeRun(ctx context.Context, id string) (*models.Run, error)
	// CancelRun moves any non-terminal run to cancelled.
	CancelRun(ctx context.Context, id string) (*models.Run, error)

	AppendEvent(ctx context.Context, event *models.RunEvent) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error)
}

// JobStore persists generic background jobs.
type JobStore interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ClaimJob has the same semantics as RunStore.ClaimRun.
	ClaimJob(ctx context.Context, stale time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, job *models.Job, result json.RawMessage) error
	FailJob(ctx context.Context, job *models.Job, message string) error
}

// SecretStore persists encrypted secret records.
type SecretStore interface {
	GetSecret(ctx context.Context, key string) (*models.EncryptedSecret, error)
	UpsertSecret(ctx context.Context, rec *models.EncryptedSecret) error
	ListSecrets(ctx context.Context) ([]*models.EncryptedSecret, error)
}

// AssetStore persists asset metadata. Blob bytes live elsewhere.
type AssetStore interface {
	FindAssetByHash(ctx context.Context, hash string) (*models.Asset, error)
	// InsertAsset inserts the asset unless its hash already exists. It
	// reports whether a row was created; either way asset holds the stored row.
	InsertAsset(ctx context.Context, asset *models.Asset) (bool, error)
	InsertAssetFile(ctx context.Context, file *models.AssetFile) error
	GetAssetFile(ctx context.Context, id string) (*models.AssetFile, error)
	ListAssetFiles(ctx context.Context, assetID string) ([]*models.AssetFile, error)
	LinkRunAsset(ctx context.Context, link *models.RunAssetLink) error
	ListRunAssets(ctx context.Context, runID string) ([]*models.Asset, error)
}
