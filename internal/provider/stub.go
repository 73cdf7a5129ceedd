package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"flowforge/pkg/models"
)

type stubKey struct {
	RunID      string `json:"runId"`
	UserPrompt string `json:"userPrompt"`
	Seed       int64  `json:"seed"`
	StageKey   string `json:"stageKey"`
	Attempt    int    `json:"attempt"`
	Kind       string `json:"kind"`
	Provider   string `json:"provider"`
}

// StubDigest is the first 16 hex chars of the sha256 of the attempt's
// identity, so a stub for the same attempt is always byte-identical.
func StubDigest(run *models.Run, stage *models.StageTemplate, attempt int) string {
	b, _ := json.Marshal(stubKey{
		RunID:      run.ID,
		UserPrompt: run.UserPrompt,
		Seed:       run.Seed,
		StageKey:   stage.StageKey,
		Attempt:    attempt,
		Kind:       string(stage.Kind),
		Provider:   stage.Provider,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Stub returns the deterministic placeholder output used when a generation
// stage cannot reach its real provider. Every stub carries stub=true.
func Stub(run *models.Run, stage *models.StageTemplate, attempt int) *Output {
	data := map[string]any{
		"stub":      true,
		"kind":      string(stage.Kind),
		"stage_key": stage.StageKey,
		"attempt":   attempt,
		"digest":    StubDigest(run, stage, attempt),
		"timestamp": "NO_TIMESTAMP_IN_STUB",
	}
	out := &Output{Data: data}

	switch stage.Kind {
	case models.StageKindCode:
		data["echo"] = map[string]any{"user_prompt": run.UserPrompt, "seed": run.Seed}
	case models.StageKindLLM:
		data["text"] = fmt.Sprintf("STUB LLM OUTPUT for %s (Provider: %s)", stage.StageKey, stage.Provider)
		data["json_stub"] = map[string]any{"analysis": "This is a stub", "score": 9000}
	case models.StageKindImage:
		data["image_note"] = "STUB IMAGE"
		data["width"] = 1024
		data["height"] = 1024
		out.Artifacts = []Artifact{{
			Kind:     "grid_image",
			Slug:     fmt.Sprintf("%s_%s_grid", run.ID, stage.StageKey),
			Data:     []byte(fmt.Sprintf("FAKE_IMAGE_DATA_FOR_%s_%d", stage.StageKey, attempt)),
			MimeType: "application/octet-stream",
		}}
	case models.StageKindModel3D:
		data["model_note"] = "STUB 3D MODEL"
		data["triangles"] = 10000
		out.Artifacts = []Artifact{{
			Kind:     "exterior_model_source",
			Slug:     fmt.Sprintf("%s_%s_model", run.ID, stage.StageKey),
			Data:     []byte(fmt.Sprintf("FAKE_MODEL_DATA_FOR_%s_%d", stage.StageKey, attempt)),
			MimeType: "application/octet-stream",
		}}
	default:
		data["unknown"] = true
	}
	return out
}
