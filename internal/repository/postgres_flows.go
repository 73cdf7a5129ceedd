package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"flowforge/pkg/models"
)

// CreateFlow stores a flow and its stage templates in one transaction.
func (s *PostgresStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if flow.Version == 0 {
		flow.Version = 1
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO flows (id, name, version, description) VALUES ($1, $2, $3, $4) RETURNING created_at`,
			flow.ID, flow.Name, flow.Version, flow.Description,
		).Scan(&flow.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert flow: %w", err)
		}

		for i := range flow.Stages {
			st := &flow.Stages[i]
			if st.ID == "" {
				st.ID = uuid.New().String()
			}
			st.FlowID = flow.ID

			bindings, err := marshalJSON(orEmptyMap(st.InputBindings))
			if err != nil {
				return err
			}
			cfg, err := marshalJSON(orEmptyAnyMap(st.ProviderConfig))
			if err != nil {
				return err
			}
			rules := st.RoutingRules
			if rules == nil {
				rules = []models.RoutingRule{}
			}
			rulesJSON, err := marshalJSON(rules)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO flow_stage_templates
					(id, flow_id, stage_key, order_index, kind, provider, model_id, prompt_template,
					 input_bindings, provider_config, routing_rules, breakpoint_after)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				st.ID, st.FlowID, st.StageKey, st.OrderIndex, string(st.Kind), st.Provider, st.ModelID,
				st.PromptTemplate, bindings, cfg, rulesJSON, st.BreakpointAfter,
			)
			if err != nil {
				return fmt.Errorf("failed to insert stage %s: %w", st.StageKey, err)
			}
		}
		return nil
	})
}

// GetFlow loads a flow and its stages.
func (s *PostgresStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	var flow models.Flow
	err := s.db.QueryRow(ctx,
		`SELECT id, name, version, description, created_at FROM flows WHERE id = $1`, id,
	).Scan(&flow.ID, &flow.Name, &flow.Version, &flow.Description, &flow.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, flow_id, stage_key, order_index, kind, provider, model_id, prompt_template,
		       input_bindings, provider_config, routing_rules, breakpoint_after
		FROM flow_stage_templates
		WHERE flow_id = $1
		ORDER BY order_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st models.StageTemplate
		var kind string
		err := rows.Scan(&st.ID, &st.FlowID, &st.StageKey, &st.OrderIndex, &kind, &st.Provider, &st.ModelID,
			&st.PromptTemplate, &st.InputBindings, &st.ProviderConfig, &st.RoutingRules, &st.BreakpointAfter)
		if err != nil {
			return nil, err
		}
		st.Kind = models.StageKind(kind)
		flow.Stages = append(flow.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &flow, nil
}

// ListFlows returns flows newest first, without stages.
func (s *PostgresStore) ListFlows(ctx context.Context) ([]*models.Flow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, version, description, created_at FROM flows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		var f models.Flow
		if err := rows.Scan(&f.ID, &f.Name, &f.Version, &f.Description, &f.CreatedAt); err != nil {
			return nil, err
		}
		flows = append(flows, &f)
	}
	return flows, rows.Err()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
