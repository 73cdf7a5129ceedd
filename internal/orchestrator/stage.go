package orchestrator

import (
	"context"
	"fmt"
	"time"

	"flowforge/internal/assets"
	"flowforge/internal/provider"
	"flowforge/internal/templating"
	"flowforge/pkg/models"
)

// runStage executes one attempt of stage and persists the outcome.
func (e *Engine) runStage(ctx context.Context, run *models.Run, stage *models.StageTemplate, attempt int, latest []*models.StageRun) (bool, error) {
	key := stage.StageKey

	creds, credErr := e.creds.CredentialsFor(ctx, stage.Provider)
	if credErr != nil {
		credErr = provider.NewError(provider.KindCredentialCorrupt, stage.Provider, "stored credential could not be decrypted", credErr)
		creds = nil
	}

	tctx := templating.BuildRunContext(run, latest)
	bindings, err := templating.ResolveBindings(stage.InputBindings, tctx)
	if err != nil {
		return true, e.failResolution(ctx, run, key, err)
	}
	prompt, err := templating.ResolvePrompt(stage.PromptTemplate, templating.Bind(tctx, bindings))
	if err != nil {
		return true, e.failResolution(ctx, run, key, err)
	}

	sr := &models.StageRun{
		StageKey:         key,
		Attempt:          attempt,
		ResolvedPrompt:   prompt,
		ResolvedBindings: bindings,
	}
	if err := e.store.StartStage(ctx, run, sr); err != nil {
		return false, err
	}
	e.emit(ctx, run, &key, models.EventInfo, "Stage started", map[string]any{
		"stage_key": key, "attempt": attempt, "kind": stage.Kind, "provider": stage.Provider,
	})

	started := time.Now()
	var out *provider.Output
	if credErr != nil {
		err = credErr
	} else {
		out, err = e.dispatch(ctx, &provider.Request{
			Run:         run,
			Stage:       stage,
			Attempt:     attempt,
			Context:     tctx,
			Bindings:    bindings,
			Prompt:      prompt,
			Credentials: creds,
		})
	}

	outcome := "succeeded"
	if err != nil {
		kind := provider.Classify(err)
		if !e.opts.Fallback.Eligible(stage.Kind, kind) {
			e.metrics.StageFinished(ctx, string(stage.Kind), stage.Provider, "failed", time.Since(started))
			return true, e.failStage(ctx, run, sr, err, kind)
		}
		e.emit(ctx, run, &key, models.EventWarn, "Provider unavailable, falling back to stub", map[string]any{
			"stage_key": key, "provider": stage.Provider, "error_kind": kind, "error": err.Error(),
		})
		e.metrics.Fallback(ctx, stage.Provider, string(kind))
		out = provider.Stub(run, stage, attempt)
		outcome = "stub"
	}
	e.metrics.StageFinished(ctx, string(stage.Kind), stage.Provider, outcome, time.Since(started))

	output := out.Data
	if output == nil {
		output = map[string]any{}
	}
	artifactIDs := e.persistArtifacts(ctx, run, stage, prompt, out.Artifacts)

	if err := e.store.RecordStageSuccess(ctx, run, sr, models.StageResult{Output: output, Artifacts: artifactIDs}); err != nil {
		return false, err
	}
	e.emit(ctx, run, &key, models.EventInfo, "Stage succeeded", map[string]any{
		"stage_key": key, "attempt": attempt, "artifacts": len(artifactIDs), "stub": outcome == "stub",
	})

	if run.Mode == models.RunModeCustom && stage.BreakpointAfter {
		if err := e.store.PauseRun(ctx, run, key, models.WaitingReasonBreakpoint); err != nil {
			return false, err
		}
		e.emit(ctx, run, &key, models.EventInfo, "Paused for user breakpoint", map[string]any{"stage_key": key})
		e.metrics.RunFinished(ctx, string(models.RunStatusWaitingUser))
		return true, nil
	}
	return false, nil
}

// dispatch calls the stage's provider under the stage deadline. A panic
// inside a provider is reported as a fatal provider error.
func (e *Engine) dispatch(ctx context.Context, req *provider.Request) (out *provider.Output, err error) {
	p, err := e.providers.Lookup(req.Stage.Provider)
	if err != nil {
		return nil, err
	}
	if e.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.StageTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, provider.NewError(provider.KindFatal, p.ID(), fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	out, err = p.Execute(ctx, req)
	if err == nil && out == nil {
		err = provider.NewError(provider.KindFatal, p.ID(), "provider returned no output", nil)
	}
	return out, err
}

func (e *Engine) failResolution(ctx context.Context, run *models.Run, key string, err error) error {
	summary := fmt.Sprintf("Prompt resolution failed for %s: %v", key, err)
	e.emit(ctx, run, &key, models.EventError, "Prompt resolution failed", map[string]any{
		"stage_key": key, "error": err.Error(),
	})
	if ferr := e.store.FailRun(ctx, run, summary); ferr != nil {
		return ferr
	}
	e.metrics.RunFinished(ctx, string(models.RunStatusFailed))
	return nil
}

func (e *Engine) failStage(ctx context.Context, run *models.Run, sr *models.StageRun, err error, kind provider.Kind) error {
	summary := fmt.Sprintf("Stage %s failed: %v", sr.StageKey, err)
	if ferr := e.store.RecordStageFailure(ctx, run, sr, summary); ferr != nil {
		return ferr
	}
	e.emit(ctx, run, &sr.StageKey, models.EventError, "Stage failed", map[string]any{
		"stage_key": sr.StageKey, "attempt": sr.Attempt, "error_kind": kind, "error": err.Error(),
	})
	e.metrics.RunFinished(ctx, string(models.RunStatusFailed))
	return nil
}

// persistArtifacts stores each artifact through the asset store and links
// it to the run. A failed artifact is logged as an event and skipped.
func (e *Engine) persistArtifacts(ctx context.Context, run *models.Run, stage *models.StageTemplate, prompt string, arts []provider.Artifact) []string {
	ids := make([]string, 0, len(arts))
	key := stage.StageKey
	for _, art := range arts {
		meta := map[string]any{}
		for k, v := range art.Metadata {
			meta[k] = v
		}
		meta["source_run_id"] = run.ID
		meta["stage_key"] = key

		asset, created, err := e.assets.CreateAsset(ctx, assets.NewAsset{
			Kind:     art.Kind,
			Provider: stage.Provider,
			ModelID:  stage.ModelID,
			Prompt:   prompt,
			Metadata: meta,
			Slug:     art.Slug,
		})
		upload := created
		if err == nil && !created {
			// A dedup hit may be a row left behind by an attempt that died
			// before its file was stored.
			var stored bool
			stored, err = e.assets.HasFiles(ctx, asset.ID)
			upload = !stored
		}
		if err == nil && upload {
			_, err = e.assets.CreateAssetFile(ctx, asset.ID, art.Data, art.Kind, art.MimeType)
		}
		if err == nil {
			err = e.assets.LinkRun(ctx, run.ID, asset.ID, key)
		}
		if err != nil {
			e.emit(ctx, run, &key, models.EventError, "Failed to store artifact", map[string]any{
				"slug": art.Slug, "kind": art.Kind, "error": err.Error(),
			})
			continue
		}
		ids = append(ids, asset.ID)
		e.emit(ctx, run, &key, models.EventInfo, "Artifact stored", map[string]any{
			"asset_id": asset.ID, "slug": art.Slug, "deduplicated": !created, "uploaded": upload,
		})
	}
	return ids
}
