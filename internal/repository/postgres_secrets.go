package repository

import (
	"context"

	"flowforge/pkg/models"
)

// GetSecret loads one encrypted record.
func (s *PostgresStore) GetSecret(ctx context.Context, key string) (*models.EncryptedSecret, error) {
	var rec models.EncryptedSecret
	err := s.db.QueryRow(ctx,
		`SELECT key, algo, ciphertext, nonce, tag, updated_at FROM secrets WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.Algo, &rec.Ciphertext, &rec.Nonce, &rec.Tag, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// UpsertSecret inserts or replaces an encrypted record.
func (s *PostgresStore) UpsertSecret(ctx context.Context, rec *models.EncryptedSecret) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO secrets (key, algo, ciphertext, nonce, tag, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (key) DO UPDATE
		SET algo = EXCLUDED.algo, ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce,
		    tag = EXCLUDED.tag, updated_at = now()
		RETURNING updated_at`,
		rec.Key, rec.Algo, rec.Ciphertext, rec.Nonce, rec.Tag,
	).Scan(&rec.UpdatedAt)
}

// ListSecrets returns every stored record.
func (s *PostgresStore) ListSecrets(ctx context.Context) ([]*models.EncryptedSecret, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, algo, ciphertext, nonce, tag, updated_at FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EncryptedSecret
	for rows.Next() {
		var rec models.EncryptedSecret
		if err := rows.Scan(&rec.Key, &rec.Algo, &rec.Ciphertext, &rec.Nonce, &rec.Tag, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
