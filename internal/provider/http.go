package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider forwards a stage to a generation sidecar over JSON/HTTP.
type HTTPProvider struct {
	id            string
	url           string
	credentialKey string
	client        *http.Client
}

// HTTPConfig configures an HTTPProvider. When CredentialKey is set the
// provider refuses to run without that credential.
type HTTPConfig struct {
	ID            string
	URL           string
	CredentialKey string
	Timeout       time.Duration
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		id:            cfg.ID,
		url:           cfg.URL,
		credentialKey: cfg.CredentialKey,
		client:        &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) ID() string { return p.id }

type httpRequest struct {
	RunID    string         `json:"run_id"`
	StageKey string         `json:"stage_key"`
	Attempt  int            `json:"attempt"`
	Kind     string         `json:"kind"`
	Model    string         `json:"model,omitempty"`
	Prompt   string         `json:"prompt"`
	Bindings map[string]any `json:"bindings"`
	Config   map[string]any `json:"config,omitempty"`
}

type httpResponse struct {
	Output    map[string]any `json:"output"`
	Artifacts []struct {
		Kind     string         `json:"kind"`
		Slug     string         `json:"slug"`
		Data     []byte         `json:"data"`
		MimeType string         `json:"mime_type"`
		Metadata map[string]any `json:"metadata"`
	} `json:"artifacts"`
}

// Execute posts the resolved prompt and bindings and decodes the output.
func (p *HTTPProvider) Execute(ctx context.Context, req *Request) (*Output, error) {
	if p.url == "" {
		return nil, NewError(KindNotConfigured, p.id, "no endpoint url configured", nil)
	}
	var apiKey string
	if p.credentialKey != "" {
		apiKey = req.Credentials[p.credentialKey]
		if apiKey == "" {
			return nil, NewError(KindNotConfigured, p.id, p.credentialKey+" not configured", nil)
		}
	}

	body := httpRequest{
		RunID:    req.Run.ID,
		StageKey: req.Stage.StageKey,
		Attempt:  req.Attempt,
		Kind:     string(req.Stage.Kind),
		Model:    req.Stage.ModelID,
		Prompt:   req.Prompt,
		Bindings: req.Bindings,
		Config:   req.Stage.ProviderConfig,
	}
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(KindInvalidRequest, p.id, "failed to marshal request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, NewError(KindInvalidRequest, p.id, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, p.id, "request timed out", err)
		}
		return nil, NewError(KindTransient, p.id, "failed to make request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewError(KindForStatus(resp.StatusCode), p.id,
			fmt.Sprintf("status code %d", resp.StatusCode), errors.New(string(bytes.TrimSpace(snippet))))
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewError(KindFatal, p.id, "failed to decode response body", err)
	}
	out := &Output{Data: decoded.Output}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	for _, a := range decoded.Artifacts {
		out.Artifacts = append(out.Artifacts, Artifact{
			Kind: a.Kind, Slug: a.Slug, Data: a.Data, MimeType: a.MimeType, Metadata: a.Metadata,
		})
	}
	return out, nil
}
