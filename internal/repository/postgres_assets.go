package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"flowforge/pkg/models"
)

const assetColumns = `id, asset_key_hash, kind, slug, provider, model_id, prompt, metadata, created_at`

const assetFileColumns = `id, asset_id, file_kind, storage_key, mime_type, size_bytes, sha256, created_at`

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.AssetKeyHash, &a.Kind, &a.Slug, &a.Provider, &a.ModelID, &a.Prompt, &a.Metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAssetFile(row pgx.Row) (*models.AssetFile, error) {
	var f models.AssetFile
	err := row.Scan(&f.ID, &f.AssetID, &f.FileKind, &f.StorageKey, &f.MimeType, &f.SizeBytes, &f.SHA256, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FindAssetByHash looks an asset up by its dedup key.
func (s *PostgresStore) FindAssetByHash(ctx context.Context, hash string) (*models.Asset, error) {
	a, err := scanAsset(s.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_key_hash = $1`, hash))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// InsertAsset inserts asset unless another row already carries its hash,
// in which case asset is overwritten with the existing row.
func (s *PostgresStore) InsertAsset(ctx context.Context, asset *models.Asset) (bool, error) {
	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	meta, err := marshalJSON(orEmptyAnyMap(asset.Metadata))
	if err != nil {
		return false, err
	}

	inserted, err := scanAsset(s.db.QueryRow(ctx, `
		INSERT INTO assets (id, asset_key_hash, kind, slug, provider, model_id, prompt, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset_key_hash) DO NOTHING
		RETURNING `+assetColumns,
		asset.ID, asset.AssetKeyHash, asset.Kind, asset.Slug, asset.Provider, asset.ModelID, asset.Prompt, meta))
	if err == nil {
		*asset = *inserted
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert asset: %w", err)
	}

	// Lost a race with a concurrent creator of the same content.
	existing, err := s.FindAssetByHash(ctx, asset.AssetKeyHash)
	if err != nil {
		return false, err
	}
	*asset = *existing
	return false, nil
}

// InsertAssetFile records a stored binary.
func (s *PostgresStore) InsertAssetFile(ctx context.Context, file *models.AssetFile) error {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO asset_files (id, asset_id, file_kind, storage_key, mime_type, size_bytes, sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		file.ID, file.AssetID, file.FileKind, file.StorageKey, file.MimeType, file.SizeBytes, file.SHA256,
	).Scan(&file.CreatedAt)
}

// GetAssetFile retrieves a file record by its ID.
func (s *PostgresStore) GetAssetFile(ctx context.Context, id string) (*models.AssetFile, error) {
	f, err := scanAssetFile(s.db.QueryRow(ctx, `SELECT `+assetFileColumns+` FROM asset_files WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// ListAssetFiles returns the files of an asset, oldest first.
func (s *PostgresStore) ListAssetFiles(ctx context.Context, assetID string) ([]*models.AssetFile, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+assetFileColumns+` FROM asset_files WHERE asset_id = $1 ORDER BY created_at`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AssetFile
	for rows.Next() {
		f, err := scanAssetFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LinkRunAsset records usage of an asset by a run stage. Repeated links
// are ignored.
func (s *PostgresStore) LinkRunAsset(ctx context.Context, link *models.RunAssetLink) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO run_asset_links (run_id, asset_id, usage_stage_key)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		link.RunID, link.AssetID, link.UsageStageKey)
	return err
}

// ListRunAssets returns the assets linked to a run.
func (s *PostgresStore) ListRunAssets(ctx context.Context, runID string) ([]*models.Asset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (a.id) a.id, a.asset_key_hash, a.kind, a.slug, a.provider, a.model_id, a.prompt, a.metadata, a.created_at
		FROM assets a
		JOIN run_asset_links l ON l.asset_id = a.id
		WHERE l.run_id = $1
		ORDER BY a.id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
