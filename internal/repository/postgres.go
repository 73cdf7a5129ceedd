package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowforge/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the PostgreSQL implementation of every store interface
// in this package.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *logging.Logger
}

var (
	_ FlowStore   = (*PostgresStore)(nil)
	_ RunStore    = (*PostgresStore)(nil)
	_ JobStore    = (*PostgresStore)(nil)
	_ SecretStore = (*PostgresStore)(nil)
	_ AssetStore  = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *logging.Logger) *PostgresStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates any missing tables and indexes. It is safe to run on
// every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}

// expectOne turns a zero-row fenced write into ErrClaimLost.
func expectOne(rowsAffected int64) error {
	if rowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}
