// Package provider defines the capability the orchestrator dispatches stages
// to, the enumerated error classification at that boundary, and the
// decorators (retry, rate limiting) wrapped around concrete providers.
package provider

import (
	"context"

	"flowforge/pkg/models"
)

// Provider executes one stage attempt. Implementations are registered once
// at process start and looked up by the stage template's provider id.
type Provider interface {
	ID() string
	Execute(ctx context.Context, req *Request) (*Output, error)
}

// Request is everything a provider may read for one attempt.
type Request struct {
	Run         *models.Run
	Stage       *models.StageTemplate
	Attempt     int
	Context     map[string]any
	Bindings    map[string]any
	Prompt      string
	Credentials map[string]string
}

// Output is a provider's result. Data becomes the stage output; Artifacts
// are persisted through the asset store.
type Output struct {
	Data      map[string]any
	Artifacts []Artifact
}

// Artifact is one generated binary.
type Artifact struct {
	Kind     string
	Slug     string
	Data     []byte
	MimeType string
	Metadata map[string]any
}

// Func adapts a function to the Provider interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, req *Request) (*Output, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Execute(ctx context.Context, req *Request) (*Output, error) {
	return f.Fn(ctx, req)
}
