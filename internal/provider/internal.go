package provider

import (
	"context"
)

// InternalID is the provider id of code stages that run in-process.
const InternalID = "internal"

// InternalProvider handles code stages. It echoes the resolved prompt and
// bindings back as output so later stages can read them.
type InternalProvider struct{}

func (InternalProvider) ID() string { return InternalID }

func (InternalProvider) Execute(ctx context.Context, req *Request) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bindings := req.Bindings
	if bindings == nil {
		bindings = map[string]any{}
	}
	return &Output{Data: map[string]any{
		"message":   "Internal stage executed",
		"stage_key": req.Stage.StageKey,
		"prompt":    req.Prompt,
		"bindings":  bindings,
	}}, nil
}
