// Package templating builds the per-run template context and resolves
// stage input bindings and prompt templates against it.
package templating

import (
	"flowforge/pkg/models"
)

// Root keys that stage-key aliases never overwrite.
var reservedRootKeys = map[string]bool{
	"run": true, "user_prompt": true, "seed": true, "mode": true, "inputs": true,
	"constraints": true, "tile_roles_supported": true, "prop_categories_supported": true,
	"context": true, "outputs": true,
}

// BuildRunContext assembles the tree templates, bindings and routing
// conditions read from. It is a pure function of its arguments.
//
// Every stage that succeeded or was skipped appears under context.<key>
// (and the legacy outputs.<key>) and as a root alias <key>. A stage entry
// carries the output's fields directly plus "output" and "artifacts", so
// both context.S1.field and context.S1.output.field resolve.
func BuildRunContext(run *models.Run, latest []*models.StageRun) map[string]any {
	inputs := map[string]any{}
	for k, v := range run.Context.Inputs {
		inputs[k] = v
	}

	stages := map[string]any{}
	for key, res := range run.Context.Context {
		stages[key] = stageEntry(res.Output, res.Artifacts)
	}
	for _, sr := range latest {
		if sr.Status.Contributes() {
			stages[sr.StageKey] = stageEntry(sr.Output, sr.ProducedArtifacts)
		}
	}

	outputs := make(map[string]any, len(stages))
	for k, v := range stages {
		outputs[k] = v
	}

	ctx := map[string]any{
		"run": map[string]any{
			"id":          run.ID,
			"flow_id":     run.FlowID,
			"mode":        string(run.Mode),
			"seed":        run.Seed,
			"user_prompt": run.UserPrompt,
		},
		"user_prompt":               run.UserPrompt,
		"seed":                      run.Seed,
		"mode":                      string(run.Mode),
		"inputs":                    inputs,
		"constraints":               inputs["constraints"],
		"tile_roles_supported":      inputs["tile_roles_supported"],
		"prop_categories_supported": inputs["prop_categories_supported"],
		"context":                   stages,
		"outputs":                   outputs,
	}
	for k, v := range stages {
		if !reservedRootKeys[k] {
			ctx[k] = v
		}
	}
	return ctx
}

func stageEntry(output map[string]any, artifacts []string) map[string]any {
	entry := make(map[string]any, len(output)+2)
	for k, v := range output {
		entry[k] = v
	}
	out := make(map[string]any, len(output))
	for k, v := range output {
		out[k] = v
	}
	arts := make([]any, 0, len(artifacts))
	for _, a := range artifacts {
		arts = append(arts, a)
	}
	entry["output"] = out
	entry["artifacts"] = arts
	return entry
}

// StageEntry exposes the context shape of one stage result, for callers
// that evaluate conditions against a freshly produced output.
func StageEntry(res models.StageResult) map[string]any {
	return stageEntry(res.Output, res.Artifacts)
}
