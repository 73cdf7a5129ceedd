// Package orchestrator drives a claimed run through its flow: it picks the
// frontier stage, resolves its prompt, dispatches it to a provider and
// persists the outcome, looping until the run succeeds, fails or pauses.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowforge/internal/assets"
	"flowforge/internal/logging"
	"flowforge/internal/metrics"
	"flowforge/internal/provider"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// Store is the persistence the engine needs while it holds a claim.
type Store interface {
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	LatestStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error)
	StartStage(ctx context.Context, run *models.Run, sr *models.StageRun) error
	MarkStageStale(ctx context.Context, run *models.Run, sr *models.StageRun) error
	RecordStageSuccess(ctx context.Context, run *models.Run, sr *models.StageRun, result models.StageResult) error
	RecordStageFailure(ctx context.Context, run *models.Run, sr *models.StageRun, summary string) error
	CompleteRun(ctx context.Context, run *models.Run) error
	FailRun(ctx context.Context, run *models.Run, summary string) error
	PauseRun(ctx context.Context, run *models.Run, stageKey, reason string) error
	RequeueRun(ctx context.Context, run *models.Run) error
	AppendEvent(ctx context.Context, event *models.RunEvent) error
}

// Providers resolves a stage's provider id.
type Providers interface {
	Lookup(id string) (provider.Provider, error)
}

// CredentialSource returns the decrypted credentials a provider needs.
// Absent keys are omitted; undecryptable ones are an error.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, providerID string) (map[string]string, error)
}

// AssetWriter persists generated artifacts.
type AssetWriter interface {
	CreateAsset(ctx context.Context, in assets.NewAsset) (*models.Asset, bool, error)
	CreateAssetFile(ctx context.Context, assetID string, data []byte, fileKind, mimeType string) (*models.AssetFile, error)
	HasFiles(ctx context.Context, assetID string) (bool, error)
	LinkRun(ctx context.Context, runID, assetID, stageKey string) error
}

// FallbackPolicy decides when a generation stage may substitute a stub.
type FallbackPolicy struct {
	Enabled    bool
	Categories []provider.Kind
}

// Eligible reports whether a failure of the given kind on a stage of the
// given kind falls back to a stub.
func (p FallbackPolicy) Eligible(stage models.StageKind, kind provider.Kind) bool {
	if !p.Enabled || !stage.IsGeneration() {
		return false
	}
	for _, k := range p.Categories {
		if k == kind {
			return true
		}
	}
	return false
}

// Options tunes the engine.
type Options struct {
	StageTimeout      time.Duration
	MaxStagesPerClaim int
	Fallback          FallbackPolicy
}

// Engine executes runs. It holds no per-run state and is safe for use by
// many workers at once.
type Engine struct {
	store     Store
	providers Providers
	creds     CredentialSource
	assets    AssetWriter
	opts      Options
	logger    *logging.Logger
	metrics   *metrics.Recorder
}

// NewEngine creates an Engine.
func NewEngine(store Store, providers Providers, creds CredentialSource, assetWriter AssetWriter,
	opts Options, logger *logging.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		store:     store,
		providers: providers,
		creds:     creds,
		assets:    assetWriter,
		opts:      opts,
		logger:    logger,
		metrics:   rec,
	}
}

// ExecuteRun advances a claimed run until it succeeds, fails, pauses at a
// breakpoint or reaches the per-claim stage limit. Losing the claim midway
// returns an error wrapping repository.ErrClaimLost.
func (e *Engine) ExecuteRun(ctx context.Context, run *models.Run) error {
	logger := e.logger.With("run_id", run.ID)

	flow, err := e.store.GetFlow(ctx, run.FlowID)
	if errors.Is(err, repository.ErrNotFound) {
		return e.failRun(ctx, run, fmt.Sprintf("Flow %s not found", run.FlowID))
	}
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", run.FlowID, err)
	}
	if len(flow.Stages) == 0 {
		return e.failRun(ctx, run, fmt.Sprintf("Flow %s has no stages", flow.ID))
	}

	for executed := 0; ; executed++ {
		if e.opts.MaxStagesPerClaim > 0 && executed >= e.opts.MaxStagesPerClaim {
			if err := e.store.RequeueRun(ctx, run); err != nil {
				return e.claimErr(logger, err)
			}
			e.emit(ctx, run, nil, models.EventInfo, "Stage limit per claim reached, run requeued",
				map[string]any{"max_stages_per_claim": e.opts.MaxStagesPerClaim})
			e.metrics.Requeued(ctx, "stage_limit")
			return nil
		}

		done, err := e.step(ctx, run, flow)
		if err != nil {
			return e.claimErr(logger, err)
		}
		if done {
			return nil
		}
	}
}

func (e *Engine) claimErr(logger *logging.Logger, err error) error {
	if errors.Is(err, repository.ErrClaimLost) {
		logger.Warn("Claim lost, abandoning run", "error", err)
	}
	return err
}

// step executes at most one stage. It reports whether the run left the
// running state.
func (e *Engine) step(ctx context.Context, run *models.Run, flow *models.Flow) (bool, error) {
	latest, err := e.store.LatestStageRuns(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load stage runs: %w", err)
	}

	next, attempt, done, err := e.nextStage(ctx, run, flow, latest)
	if err != nil || done {
		return done, err
	}
	return e.runStage(ctx, run, next, attempt, latest)
}

func (e *Engine) failRun(ctx context.Context, run *models.Run, summary string) error {
	if err := e.store.FailRun(ctx, run, summary); err != nil {
		return err
	}
	e.emit(ctx, run, nil, models.EventError, "Run failed", map[string]any{"error": summary})
	e.metrics.RunFinished(ctx, string(models.RunStatusFailed))
	return nil
}

func (e *Engine) emit(ctx context.Context, run *models.Run, stageKey *string, level models.EventLevel, msg string, data map[string]any) {
	ev := &models.RunEvent{RunID: run.ID, StageKey: stageKey, Level: level, Message: msg}
	if data != nil {
		ev.Data = mustJSON(data)
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Error("Failed to append run event", "run_id", run.ID, "message", msg, "error", err)
	}
}
