package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// workQueue describes a table whose rows are claimed by workers.
type workQueue struct {
	table   string
	pending string
	active  string
	columns string
}

var (
	runQueue = workQueue{table: "runs", pending: "queued", active: "running", columns: runColumns}
	jobQueue = workQueue{table: "jobs", pending: "pending", active: "processing", columns: jobColumns}
)

// claimOne reserves the oldest eligible row of q. Eligible rows are pending
// ones and active ones whose updated_at is older than stale. Rows locked by
// a concurrent claimer are skipped instead of waited on. The selected row
// is moved to the active status under a fresh claim token before the
// transaction commits; onClaim runs inside that same transaction.
//
// claimOne returns nil, nil when nothing is eligible.
func claimOne[T any](
	ctx context.Context,
	s *PostgresStore,
	q workQueue,
	stale time.Duration,
	scan func(pgx.Row) (*T, error),
	onClaim func(pgx.Tx, *T) error,
) (*T, error) {
	var claimed *T
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT id FROM %s
			WHERE status = $1
			   OR (status = $2 AND updated_at < now() - ($3::bigint * interval '1 millisecond'))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, q.table),
			q.pending, q.active, stale.Milliseconds(),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable %s: %w", q.table, err)
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $1, updated_at = now(), claim_token = $2
			WHERE id = $3
			RETURNING %s`, q.table, q.columns),
			q.active, uuid.New().String(), id,
		)
		item, err := scan(row)
		if err != nil {
			return fmt.Errorf("failed to mark %s %s claimed: %w", q.table, id, err)
		}
		if onClaim != nil {
			if err := onClaim(tx, item); err != nil {
				return err
			}
		}
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
