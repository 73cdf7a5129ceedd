// Package flowfile reads flow definitions from YAML documents and checks
// them before they are stored.
package flowfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"flowforge/internal/routing"
	"flowforge/pkg/models"
)

// File is the top-level document: one or more flows.
type File struct {
	Flows []*models.Flow `yaml:"flows"`
}

// Load decodes and validates every flow in r.
func Load(r io.Reader) ([]*models.Flow, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("flowfile: document is empty")
		}
		return nil, fmt.Errorf("flowfile: %w", err)
	}
	for _, flow := range f.Flows {
		if err := Validate(flow); err != nil {
			return nil, err
		}
	}
	return f.Flows, nil
}

// LoadFile is Load on a file path.
func LoadFile(path string) ([]*models.Flow, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Load(fh)
}

// Validate checks that a flow can be executed: unique stage keys and
// order indexes, known kinds, routing targets that exist and conditions
// that parse.
func Validate(flow *models.Flow) error {
	if flow.Name == "" {
		return errors.New("flowfile: flow name is required")
	}
	if len(flow.Stages) == 0 {
		return fmt.Errorf("flowfile: flow %s has no stages", flow.Name)
	}

	keys := make(map[string]bool, len(flow.Stages))
	orders := make(map[int]string, len(flow.Stages))
	for _, st := range flow.Stages {
		if st.StageKey == "" {
			return fmt.Errorf("flowfile: flow %s: stage at order %d has no stage_key", flow.Name, st.OrderIndex)
		}
		if keys[st.StageKey] {
			return fmt.Errorf("flowfile: flow %s: duplicate stage_key %s", flow.Name, st.StageKey)
		}
		keys[st.StageKey] = true
		if other, ok := orders[st.OrderIndex]; ok {
			return fmt.Errorf("flowfile: flow %s: stages %s and %s share order_index %d", flow.Name, other, st.StageKey, st.OrderIndex)
		}
		orders[st.OrderIndex] = st.StageKey
		if !st.Kind.Valid() {
			return fmt.Errorf("flowfile: flow %s: stage %s has unknown kind %q", flow.Name, st.StageKey, st.Kind)
		}
		if st.Provider == "" {
			return fmt.Errorf("flowfile: flow %s: stage %s has no provider", flow.Name, st.StageKey)
		}
	}

	for _, st := range flow.Stages {
		for _, rule := range st.RoutingRules {
			if !keys[rule.NextStageKey] {
				return fmt.Errorf("flowfile: flow %s: stage %s routes to unknown stage %s", flow.Name, st.StageKey, rule.NextStageKey)
			}
			if _, err := routing.Parse(rule.Condition); err != nil {
				return fmt.Errorf("flowfile: flow %s: stage %s: %w", flow.Name, st.StageKey, err)
			}
		}
	}
	return nil
}
