// Package bootstrap builds the long-lived dependencies shared by the
// server and seed commands from a loaded Config.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowforge/internal/blobstore"
	"flowforge/internal/config"
	"flowforge/internal/logging"
	"flowforge/internal/orchestrator"
	"flowforge/internal/provider"
	"flowforge/internal/vault"
)

// OpenDatabase connects to Postgres and verifies the connection.
func OpenDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// NewCipher builds the vault cipher. A missing or malformed master key is
// an error: the process must not start without one.
func NewCipher(cfg *config.Config) (*vault.Cipher, error) {
	if cfg.Secrets.MasterKey == "" {
		return nil, fmt.Errorf("secrets.master_key (SECRETS_MASTER_KEY) is required")
	}
	cipher, err := vault.NewCipher(cfg.Secrets.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return cipher, nil
}

// SecretReader reads vault entries.
type SecretReader interface {
	GetDecryptedSecret(ctx context.Context, key string) (string, bool, error)
}

// NewBlobStore builds the configured blob store. R2 fields left empty in
// the config are read from the matching CF_R2_* vault entries.
func NewBlobStore(ctx context.Context, cfg *config.Config, secrets SecretReader) (blobstore.Store, error) {
	switch cfg.Blob.Driver {
	case "r2":
		r2 := blobstore.R2Config{
			AccountID:       cfg.Blob.R2.AccountID,
			AccessKeyID:     cfg.Blob.R2.AccessKeyID,
			SecretAccessKey: cfg.Blob.R2.SecretAccessKey,
			Bucket:          cfg.Blob.R2.Bucket,
			Endpoint:        cfg.Blob.R2.Endpoint,
		}
		fill := []struct {
			field *string
			key   string
		}{
			{&r2.AccountID, "CF_R2_ACCOUNT_ID"},
			{&r2.AccessKeyID, "CF_R2_ACCESS_KEY_ID"},
			{&r2.SecretAccessKey, "CF_R2_SECRET_ACCESS_KEY"},
			{&r2.Bucket, "CF_R2_BUCKET_NAME"},
			{&r2.Endpoint, "CF_R2_ENDPOINT"},
		}
		for _, f := range fill {
			if *f.field != "" || secrets == nil {
				continue
			}
			value, ok, err := secrets.GetDecryptedSecret(ctx, f.key)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", f.key, err)
			}
			if ok {
				*f.field = value
			}
		}
		return blobstore.NewR2Store(r2)
	default:
		baseURL := cfg.Blob.FS.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost" + cfg.Server.Addr + "/blobs"
		}
		return blobstore.NewFSStore(cfg.Blob.FS.Root, baseURL, SigningKey(cfg))
	}
}

// SigningKey derives the filesystem blob URL key from the master key.
func SigningKey(cfg *config.Config) []byte {
	sum := sha256.Sum256([]byte("blob-url:" + cfg.Secrets.MasterKey))
	return sum[:]
}

// NewRegistry registers the internal provider and every configured HTTP
// provider, each wrapped with its rate limit and retry policy.
func NewRegistry(cfg *config.Config, logger *logging.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if err := registry.Register(provider.InternalProvider{}); err != nil {
		return nil, err
	}

	for _, pc := range cfg.Providers {
		var credentialKey string
		if keys := vault.RequiredSecrets(pc.ID); len(keys) > 0 {
			credentialKey = keys[0]
		}
		var p provider.Provider = provider.NewHTTPProvider(provider.HTTPConfig{
			ID:            pc.ID,
			URL:           pc.URL,
			CredentialKey: credentialKey,
			Timeout:       time.Duration(pc.TimeoutMs) * time.Millisecond,
		})
		if pc.RequestsPerSec > 0 {
			p = provider.WithRateLimit(p, pc.RequestsPerSec, pc.Burst)
		}
		if pc.MaxRetries > 0 {
			p = provider.WithRetry(p, pc.MaxRetries, logger)
		}
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
	}

	logger.Info("Providers registered", "providers", registry.IDs())
	return registry, nil
}

// EngineOptions maps the worker and fallback settings onto the engine.
func EngineOptions(cfg *config.Config) (orchestrator.Options, error) {
	policy := orchestrator.FallbackPolicy{Enabled: cfg.Fallback.Enabled}
	for _, c := range cfg.Fallback.Categories {
		kind, err := provider.ParseKind(c)
		if err != nil {
			return orchestrator.Options{}, fmt.Errorf("fallback.categories: %w", err)
		}
		policy.Categories = append(policy.Categories, kind)
	}
	return orchestrator.Options{
		StageTimeout:      cfg.StageTimeout(),
		MaxStagesPerClaim: cfg.Worker.MaxStagesPerClaim,
		Fallback:          policy,
	}, nil
}
