package models

import (
	"time"
)

// StageKind identifies which family of provider a stage talks to.
type StageKind string

const (
	StageKindLLM     StageKind = "llm"
	StageKindImage   StageKind = "image"
	StageKindModel3D StageKind = "model3d"
	StageKindCode    StageKind = "code"
)

// IsGeneration reports whether the stage produces generated content
// (text, image or 3D model) as opposed to running internal code.
func (k StageKind) IsGeneration() bool {
	switch k {
	case StageKindLLM, StageKindImage, StageKindModel3D:
		return true
	}
	return false
}

// Valid reports whether k is a known stage kind.
func (k StageKind) Valid() bool {
	return k.IsGeneration() || k == StageKindCode
}

// Flow is an immutable, versioned pipeline definition.
type Flow struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Version     int             `json:"version" yaml:"version"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageTemplate `json:"stages" yaml:"stages"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
}

// RoutingRule sends the run to NextStageKey when Condition evaluates true.
type RoutingRule struct {
	Condition    string `json:"condition" yaml:"condition"`
	NextStageKey string `json:"next_stage_key" yaml:"next_stage_key"`
}

// StageTemplate is one step of a flow.
type StageTemplate struct {
	ID              string            `json:"id,omitempty" yaml:"-"`
	FlowID          string            `json:"flow_id,omitempty" yaml:"-"`
	StageKey        string            `json:"stage_key" yaml:"stage_key"`
	OrderIndex      int               `json:"order_index" yaml:"order_index"`
	Kind            StageKind         `json:"kind" yaml:"kind"`
	Provider        string            `json:"provider" yaml:"provider"`
	ModelID         string            `json:"model_id" yaml:"model_id"`
	PromptTemplate  string            `json:"prompt_template" yaml:"prompt_template"`
	InputBindings   map[string]string `json:"input_bindings,omitempty" yaml:"input_bindings,omitempty"`
	ProviderConfig  map[string]any    `json:"provider_config,omitempty" yaml:"provider_config,omitempty"`
	RoutingRules    []RoutingRule     `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
	BreakpointAfter bool              `json:"breakpoint_after" yaml:"breakpoint_after"`
}

// FirstStage returns the template with the lowest order index.
func (f *Flow) FirstStage() (*StageTemplate, bool) {
	var first *StageTemplate
	for i := range f.Stages {
		if first == nil || f.Stages[i].OrderIndex < first.OrderIndex {
			first = &f.Stages[i]
		}
	}
	return first, first != nil
}

// Stage looks up a template by key.
func (f *Flow) Stage(key string) (*StageTemplate, bool) {
	for i := range f.Stages {
		if f.Stages[i].StageKey == key {
			return &f.Stages[i], true
		}
	}
	return nil, false
}

// Successor returns the template with the smallest order index strictly
// greater than orderIndex.
func (f *Flow) Successor(orderIndex int) (*StageTemplate, bool) {
	var next *StageTemplate
	for i := range f.Stages {
		s := &f.Stages[i]
		if s.OrderIndex <= orderIndex {
			continue
		}
		if next == nil || s.OrderIndex < next.OrderIndex {
			next = s
		}
	}
	return next, next != nil
}
