package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowforge/internal/provider"
	"flowforge/pkg/models"
)

// TypeTestProviderCall runs one provider outside any flow, to check that
// it is reachable and configured.
const TypeTestProviderCall = "test_provider_call"

// TestProviderPayload is the payload of a test_provider_call job.
type TestProviderPayload struct {
	Provider string           `json:"provider"`
	Prompt   string           `json:"prompt"`
	Model    string           `json:"model,omitempty"`
	Kind     models.StageKind `json:"kind,omitempty"`
	Options  map[string]any   `json:"options,omitempty"`
}

// TestProviderResult is stored as the job result on success.
type TestProviderResult struct {
	Provider  string         `json:"provider"`
	Data      map[string]any `json:"data"`
	Artifacts []ArtifactInfo `json:"artifacts,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// ArtifactInfo describes an artifact without its bytes.
type ArtifactInfo struct {
	Kind      string `json:"kind"`
	Slug      string `json:"slug"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int    `json:"size_bytes"`
}

// Providers resolves provider ids.
type Providers interface {
	Lookup(id string) (provider.Provider, error)
}

// Credentials returns decrypted provider credentials.
type Credentials interface {
	CredentialsFor(ctx context.Context, providerID string) (map[string]string, error)
}

// TestProviderCall returns the handler for test_provider_call jobs.
func TestProviderCall(providers Providers, creds Credentials, timeout time.Duration) HandlerFunc {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		var payload TestProviderPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		if payload.Provider == "" {
			return nil, fmt.Errorf("payload.provider is required")
		}
		if payload.Kind == "" {
			payload.Kind = models.StageKindLLM
		}

		p, err := providers.Lookup(payload.Provider)
		if err != nil {
			return nil, err
		}
		secrets, err := creds.CredentialsFor(ctx, payload.Provider)
		if err != nil {
			return nil, provider.NewError(provider.KindCredentialCorrupt, payload.Provider, "stored credential could not be decrypted", err)
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req := &provider.Request{
			Run:         &models.Run{ID: "test-" + job.ID, Mode: models.RunModeExpress, Seed: 123, UserPrompt: payload.Prompt},
			Stage:       &models.StageTemplate{StageKey: "TEST_STAGE", Kind: payload.Kind, Provider: payload.Provider, ModelID: payload.Model, ProviderConfig: payload.Options},
			Attempt:     1,
			Context:     map[string]any{},
			Bindings:    map[string]any{},
			Prompt:      payload.Prompt,
			Credentials: secrets,
		}
		started := time.Now()
		out, err := p.Execute(ctx, req)
		if err != nil {
			return nil, err
		}

		res := TestProviderResult{Provider: payload.Provider, Data: out.Data, ElapsedMs: time.Since(started).Milliseconds()}
		for _, a := range out.Artifacts {
			res.Artifacts = append(res.Artifacts, ArtifactInfo{Kind: a.Kind, Slug: a.Slug, MimeType: a.MimeType, SizeBytes: len(a.Data)})
		}
		return json.Marshal(res)
	}
}
