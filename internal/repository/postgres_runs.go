package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"flowforge/pkg/models"
)

const runColumns = `id, flow_id, mode, status, user_prompt, seed, context, current_stage_key,
	waiting_for_stage_key, waiting_reason, error_summary, COALESCE(claim_token::text, ''), created_at, updated_at`

const stageRunColumns = `id, run_id, stage_key, attempt, status, resolved_prompt, resolved_bindings, output,
	produced_artifacts, error, started_at, ended_at, created_at`

// fenced is appended to run updates issued by the claim holder.
const fenced = `id = $1 AND claim_token = $2 AND status = 'running'`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var mode, status string
	err := row.Scan(&r.ID, &r.FlowID, &mode, &status, &r.UserPrompt, &r.Seed, &r.Context, &r.CurrentStageKey,
		&r.WaitingForStageKey, &r.WaitingReason, &r.ErrorSummary, &r.ClaimToken, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Mode = models.RunMode(mode)
	r.Status = models.RunStatus(status)
	normalizeContext(&r.Context)
	return &r, nil
}

func scanStageRun(row pgx.Row) (*models.StageRun, error) {
	var sr models.StageRun
	var status string
	err := row.Scan(&sr.ID, &sr.RunID, &sr.StageKey, &sr.Attempt, &status, &sr.ResolvedPrompt, &sr.ResolvedBindings,
		&sr.Output, &sr.ProducedArtifacts, &sr.Error, &sr.StartedAt, &sr.EndedAt, &sr.CreatedAt)
	if err != nil {
		return nil, err
	}
	sr.Status = models.StageRunStatus(status)
	return &sr, nil
}

func normalizeContext(c *models.RunContext) {
	if c.Inputs == nil {
		c.Inputs = map[string]any{}
	}
	if c.Context == nil {
		c.Context = map[string]models.StageResult{}
	}
}

// CreateRun inserts a new run. Status defaults to queued and mode to express.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if run.Mode == "" {
		run.Mode = models.RunModeExpress
	}
	normalizeContext(&run.Context)
	ctxJSON, err := marshalJSON(run.Context)
	if err != nil {
		return err
	}

	return s.db.QueryRow(ctx, `
		INSERT INTO runs (id, flow_id, mode, status, user_prompt, seed, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		run.ID, run.FlowID, string(run.Mode), string(run.Status), run.UserPrompt, run.Seed, ctxJSON,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

// GetRun retrieves a run by its ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListRuns returns the most recently created runs.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run together with its stage runs, events and links.
func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimRun reserves the next eligible run and records the claim in its
// event log within the same transaction.
func (s *PostgresStore) ClaimRun(ctx context.Context, stale time.Duration) (*models.Run, error) {
	return claimOne(ctx, s, runQueue, stale, scanRun, func(tx pgx.Tx, run *models.Run) error {
		data, _ := json.Marshal(map[string]any{"stale_threshold_ms": stale.Milliseconds()})
		return insertEvent(ctx, tx, &models.RunEvent{
			RunID:   run.ID,
			Level:   models.EventInfo,
			Message: "Worker claimed run",
			Data:    data,
		})
	})
}

// LatestStageRuns returns the highest attempt per stage key.
func (s *PostgresStore) LatestStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error) {
	return s.queryStageRuns(ctx, `
		SELECT DISTINCT ON (stage_key) `+stageRunColumns+`
		FROM stage_runs
		WHERE run_id = $1
		ORDER BY stage_key, attempt DESC`, runID)
}

// ListStageRuns returns every attempt of a run in creation order.
func (s *PostgresStore) ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error) {
	return s.queryStageRuns(ctx, `
		SELECT `+stageRunColumns+` FROM stage_runs WHERE run_id = $1 ORDER BY created_at`, runID)
}

func (s *PostgresStore) queryStageRuns(ctx context.Context, sql string, args ...any) ([]*models.StageRun, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// StartStage inserts a running stage attempt and points the run at it.
func (s *PostgresStore) StartStage(ctx context.Context, run *models.Run, sr *models.StageRun) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	sr.RunID = run.ID
	sr.Status = models.StageRunRunning
	bindings, err := marshalJSON(orEmptyAnyMap(sr.ResolvedBindings))
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET current_stage_key = $3, updated_at = now() WHERE `+fenced,
			run.ID, run.ClaimToken, sr.StageKey)
		if err != nil {
			return err
		}
		if err := expectOne(tag.RowsAffected()); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO stage_runs (id, run_id, stage_key, attempt, status, resolved_prompt, resolved_bindings, started_at)
			VALUES ($1, $2, $3, $4, 'running', $5, $6, clock_timestamp())
			RETURNING started_at, created_at`,
			sr.ID, sr.RunID, sr.StageKey, sr.Attempt, sr.ResolvedPrompt, bindings,
		).Scan(&sr.StartedAt, &sr.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to start stage %s attempt %d: %w", sr.StageKey, sr.Attempt, err)
	}
	key := sr.StageKey
	run.CurrentStageKey = &key
	return nil
}

// MarkStageStale closes an attempt abandoned by a crashed worker.
func (s *PostgresStore) MarkStageStale(ctx context.Context, run *models.Run, sr *models.StageRun) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := touchRun(ctx, tx, run); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE stage_runs
			SET status = 'stale', ended_at = COALESCE(ended_at, clock_timestamp()),
			    error = COALESCE(error, 'abandoned by a previous worker')
			WHERE id = $1
			RETURNING ended_at`, sr.ID,
		).Scan(&sr.EndedAt)
		if err != nil {
			return notFound(err)
		}
		sr.Status = models.StageRunStale
		return nil
	})
}

// RecordStageSuccess marks the attempt succeeded and merges its result
// into the run context atomically.
func (s *PostgresStore) RecordStageSuccess(ctx context.Context, run *models.Run, sr *models.StageRun, result models.StageResult) error {
	if result.Artifacts == nil {
		result.Artifacts = []string{}
	}
	if result.Output == nil {
		result.Output = map[string]any{}
	}
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(result.Output)
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON(result.Artifacts)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs
			SET context = jsonb_set(
			        jsonb_set(context, '{context}', COALESCE(context->'context', '{}'::jsonb)),
			        ARRAY['context', $3::text], $4::jsonb),
			    updated_at = now()
			WHERE `+fenced,
			run.ID, run.ClaimToken, sr.StageKey, resultJSON)
		if err != nil {
			return err
		}
		if err := expectOne(tag.RowsAffected()); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			UPDATE stage_runs
			SET status = 'succeeded', output = $2, produced_artifacts = $3, ended_at = clock_timestamp()
			WHERE id = $1
			RETURNING ended_at`,
			sr.ID, outputJSON, artifactsJSON,
		).Scan(&sr.EndedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to record success of stage %s: %w", sr.StageKey, err)
	}

	sr.Status = models.StageRunSucceeded
	sr.Output = result.Output
	sr.ProducedArtifacts = result.Artifacts
	normalizeContext(&run.Context)
	run.Context.Context[sr.StageKey] = result
	return nil
}

// RecordStageFailure fails the attempt and the run together.
func (s *PostgresStore) RecordStageFailure(ctx context.Context, run *models.Run, sr *models.StageRun, summary string) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs
			SET status = 'failed', error_summary = $3, current_stage_key = NULL, updated_at = now()
			WHERE `+fenced,
			run.ID, run.ClaimToken, summary)
		if err != nil {
			return err
		}
		if err := expectOne(tag.RowsAffected()); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			UPDATE stage_runs SET status = 'failed', error = $2, ended_at = clock_timestamp()
			WHERE id = $1
			RETURNING ended_at`,
			sr.ID, summary,
		).Scan(&sr.EndedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of stage %s: %w", sr.StageKey, err)
	}
	sr.Status = models.StageRunFailed
	sr.Error = &summary
	run.Status = models.RunStatusFailed
	run.ErrorSummary = &summary
	run.CurrentStageKey = nil
	return nil
}

// CompleteRun marks the run succeeded.
func (s *PostgresStore) CompleteRun(ctx context.Context, run *models.Run) error {
	err := fencedUpdate(ctx, s.db, run,
		`status = 'succeeded', current_stage_key = NULL`)
	if err != nil {
		return err
	}
	run.Status = models.RunStatusSucceeded
	run.CurrentStageKey = nil
	return nil
}

// FailRun marks the run failed with a summary.
func (s *PostgresStore) FailRun(ctx context.Context, run *models.Run, summary string) error {
	err := fencedUpdate(ctx, s.db, run,
		`status = 'failed', current_stage_key = NULL, error_summary = $3`, summary)
	if err != nil {
		return err
	}
	run.Status = models.RunStatusFailed
	run.ErrorSummary = &summary
	run.CurrentStageKey = nil
	return nil
}

// PauseRun parks the run until a user resumes it.
func (s *PostgresStore) PauseRun(ctx context.Context, run *models.Run, stageKey, reason string) error {
	err := fencedUpdate(ctx, s.db, run, `
		status = 'waiting_user', current_stage_key = NULL, claim_token = NULL,
		waiting_for_stage_key = $3, waiting_reason = $4`, stageKey, reason)
	if err != nil {
		return err
	}
	run.Status = models.RunStatusWaitingUser
	run.CurrentStageKey = nil
	run.WaitingForStageKey = &stageKey
	run.WaitingReason = &reason
	run.ClaimToken = ""
	return nil
}

// RequeueRun releases the claim and puts the run back in the queue.
func (s *PostgresStore) RequeueRun(ctx context.Context, run *models.Run) error {
	err := fencedUpdate(ctx, s.db, run, `status = 'queued', claim_token = NULL`)
	if err != nil {
		return err
	}
	run.Status = models.RunStatusQueued
	run.ClaimToken = ""
	return nil
}

func fencedUpdate(ctx context.Context, db execer, run *models.Run, set string, args ...any) error {
	tag, err := db.Exec(ctx,
		`UPDATE runs SET `+set+`, updated_at = now() WHERE `+fenced,
		append([]any{run.ID, run.ClaimToken}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return expectOne(tag.RowsAffected())
}

func touchRun(ctx context.Context, db execer, run *models.Run) error {
	tag, err := db.Exec(ctx, `UPDATE runs SET updated_at = now() WHERE `+fenced, run.ID, run.ClaimToken)
	if err != nil {
		return err
	}
	return expectOne(tag.RowsAffected())
}

// ResumeRun moves a paused run back to queued and clears the waiting fields.
func (s *PostgresStore) ResumeRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `
		UPDATE runs
		SET status = 'queued', waiting_reason = NULL, waiting_for_stage_key = NULL, updated_at = now()
		WHERE id = $1 AND status = 'waiting_user'
		RETURNING `+runColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainNoTransition(ctx, id, "resume")
	}
	return run, err
}

// CancelRun moves a non-terminal run to cancelled. A worker holding the
// run notices at its next fenced write.
func (s *PostgresStore) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `
		UPDATE runs
		SET status = 'cancelled', current_stage_key = NULL, claim_token = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running', 'waiting_user')
		RETURNING `+runColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainNoTransition(ctx, id, "cancel")
	}
	return run, err
}

func (s *PostgresStore) explainNoTransition(ctx context.Context, id, action string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s run in status %s", ErrInvalidState, action, run.Status)
}

// AppendEvent adds an entry to a run's event log.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *models.RunEvent) error {
	return insertEvent(ctx, s.db, event)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertEvent(ctx context.Context, db queryRower, event *models.RunEvent) error {
	var data any
	if len(event.Data) > 0 {
		data = event.Data
	}
	if event.Level == "" {
		event.Level = models.EventInfo
	}
	return db.QueryRow(ctx, `
		INSERT INTO run_events (run_id, stage_key, level, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		event.RunID, event.StageKey, string(event.Level), event.Message, data,
	).Scan(&event.ID, &event.CreatedAt)
}

// ListEvents pages through a run's events in insertion order.
func (s *PostgresStore) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, stage_key, level, message, data, created_at
		FROM run_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		var ev models.RunEvent
		var level string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StageKey, &level, &ev.Message, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Level = models.EventLevel(level)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
