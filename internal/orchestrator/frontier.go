package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowforge/internal/routing"
	"flowforge/internal/templating"
	"flowforge/pkg/models"
)

// frontier returns the most recently active attempt: latest by
// coalesce(ended_at, started_at), ties broken by creation order.
func frontier(latest []*models.StageRun) *models.StageRun {
	var best *models.StageRun
	var bestAt time.Time
	for _, sr := range latest {
		at := activity(sr)
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && sr.CreatedAt.After(best.CreatedAt)) {
			best, bestAt = sr, at
		}
	}
	return best
}

func activity(sr *models.StageRun) time.Time {
	if sr.EndedAt != nil {
		return *sr.EndedAt
	}
	if sr.StartedAt != nil {
		return *sr.StartedAt
	}
	return sr.CreatedAt
}

// nextAttempt numbers a new execution of key: 1 for a stage never run,
// otherwise one past its highest attempt.
func nextAttempt(latest []*models.StageRun, key string) int {
	for _, sr := range latest {
		if sr.StageKey == key {
			return sr.Attempt + 1
		}
	}
	return 1
}

// nextStage applies the frontier rules. When it returns done the run has
// already been moved to its final state for this claim.
func (e *Engine) nextStage(ctx context.Context, run *models.Run, flow *models.Flow, latest []*models.StageRun) (*models.StageTemplate, int, bool, error) {
	last := frontier(latest)
	if last == nil {
		first, _ := flow.FirstStage()
		return first, nextAttempt(latest, first.StageKey), false, nil
	}

	key := last.StageKey
	tmpl, ok := flow.Stage(key)
	if !ok {
		return nil, 0, true, e.failRun(ctx, run, fmt.Sprintf("Stage %s is no longer part of flow %s", key, flow.ID))
	}

	switch last.Status {
	case models.StageRunRunning, models.StageRunStale:
		if last.Status == models.StageRunRunning {
			e.emit(ctx, run, &key, models.EventWarn, "Recovering stage abandoned by a previous worker",
				map[string]any{"stage_key": key, "attempt": last.Attempt})
			if err := e.store.MarkStageStale(ctx, run, last); err != nil {
				return nil, 0, false, err
			}
		}
		return tmpl, last.Attempt + 1, false, nil

	case models.StageRunFailed:
		summary := fmt.Sprintf("Stage %s failed", key)
		if last.Error != nil {
			summary += ": " + *last.Error
		}
		return nil, 0, true, e.failRun(ctx, run, summary)
	}

	env := routingEnv(run, latest, last)
	for _, rule := range tmpl.RoutingRules {
		if !routing.SafeEval(rule.Condition, env, e.logger.With("run_id", run.ID, "stage_key", key)) {
			continue
		}
		target, ok := flow.Stage(rule.NextStageKey)
		if !ok {
			e.emit(ctx, run, &key, models.EventError, "Routed to missing stage",
				map[string]any{"condition": rule.Condition, "next_stage_key": rule.NextStageKey})
			return nil, 0, true, e.failRun(ctx, run, fmt.Sprintf("Routing rule %q on stage %s targets unknown stage %s",
				rule.Condition, key, rule.NextStageKey))
		}
		e.emit(ctx, run, &key, models.EventInfo, "Routing rule matched",
			map[string]any{"condition": rule.Condition, "next_stage_key": target.StageKey})
		return target, nextAttempt(latest, target.StageKey), false, nil
	}

	succ, ok := flow.Successor(tmpl.OrderIndex)
	if !ok {
		if err := e.store.CompleteRun(ctx, run); err != nil {
			return nil, 0, false, err
		}
		e.emit(ctx, run, nil, models.EventInfo, "Run succeeded", nil)
		e.metrics.RunFinished(ctx, string(models.RunStatusSucceeded))
		return nil, 0, true, nil
	}
	return succ, nextAttempt(latest, succ.StageKey), false, nil
}

// routingEnv is what routing conditions see: the stage context, run
// inputs and the frontier's output, whose fields are also aliased at the
// root so "score > 5" reads the last stage's score.
func routingEnv(run *models.Run, latest []*models.StageRun, last *models.StageRun) map[string]any {
	tctx := templating.BuildRunContext(run, latest)
	lastOutput := map[string]any{}
	for k, v := range last.Output {
		lastOutput[k] = v
	}

	env := map[string]any{}
	for k, v := range lastOutput {
		env[k] = v
	}
	env["context"] = tctx["context"]
	env["inputs"] = tctx["inputs"]
	env["last_output"] = lastOutput
	env["meta"] = map[string]any{"last_output": lastOutput}
	return env
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
