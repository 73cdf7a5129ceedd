package assets

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowforge/internal/blobstore"
	"flowforge/internal/logging"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// NewAsset describes content to register. Slug is for display only.
type NewAsset struct {
	Kind     string
	Provider string
	ModelID  string
	Prompt   string
	Metadata map[string]any
	Slug     string
}

// Store combines asset metadata in Postgres with bytes in a blob store.
type Store struct {
	repo   repository.AssetStore
	blobs  blobstore.Store
	logger *logging.Logger
}

// NewStore creates a Store.
func NewStore(repo repository.AssetStore, blobs blobstore.Store, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{repo: repo, blobs: blobs, logger: logger}
}

// CreateAsset returns the existing asset for this content when there is
// one, otherwise inserts it. created reports which happened.
func (s *Store) CreateAsset(ctx context.Context, in NewAsset) (*models.Asset, bool, error) {
	hash, err := ComputeAssetKeyHash(in.Kind, in.ModelID, in.Prompt, in.Metadata)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.repo.FindAssetByHash(ctx, hash)
	if err == nil {
		s.logger.Debug("asset dedup hit", "asset_id", existing.ID, "kind", in.Kind)
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("assets: lookup: %w", err)
	}

	provider := in.Provider
	if provider == "" {
		provider = "internal"
	}
	asset := &models.Asset{
		AssetKeyHash: hash,
		Kind:         in.Kind,
		Slug:         in.Slug,
		Provider:     provider,
		ModelID:      in.ModelID,
		Prompt:       strings.TrimSpace(in.Prompt),
		Metadata:     in.Metadata,
	}
	created, err := s.repo.InsertAsset(ctx, asset)
	if err != nil {
		return nil, false, fmt.Errorf("assets: insert: %w", err)
	}
	return asset, created, nil
}

// CreateAssetFile uploads data and records it under assetID. Files are
// never deduplicated; an asset can hold many. An empty mimeType is
// inferred from fileKind.
func (s *Store) CreateAssetFile(ctx context.Context, assetID string, data []byte, fileKind, mimeType string) (*models.AssetFile, error) {
	if mimeType == "" {
		mimeType = MimeTypeFor(fileKind)
	}
	fileID := uuid.New().String()
	key := fmt.Sprintf("assets/%s/%s.%s", assetID, fileID, ExtensionFor(mimeType))

	if err := s.blobs.Put(ctx, key, data, mimeType); err != nil {
		return nil, fmt.Errorf("assets: upload: %w", err)
	}

	file := &models.AssetFile{
		ID:         fileID,
		AssetID:    assetID,
		FileKind:   fileKind,
		StorageKey: key,
		MimeType:   mimeType,
		SizeBytes:  int64(len(data)),
		SHA256:     SHA256Hex(data),
	}
	if err := s.repo.InsertAssetFile(ctx, file); err != nil {
		return nil, fmt.Errorf("assets: record file: %w", err)
	}
	return file, nil
}

// HasFiles reports whether any file is stored under assetID.
func (s *Store) HasFiles(ctx context.Context, assetID string) (bool, error) {
	files, err := s.repo.ListAssetFiles(ctx, assetID)
	if err != nil {
		return false, fmt.Errorf("assets: list files: %w", err)
	}
	return len(files) > 0, nil
}

// SignedURL returns a download link for a stored file.
func (s *Store) SignedURL(ctx context.Context, fileID string, ttl time.Duration) (string, error) {
	file, err := s.repo.GetAssetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return s.blobs.SignedURL(ctx, file.StorageKey, ttl)
}

// LinkRun records that a run stage produced or reused an asset.
func (s *Store) LinkRun(ctx context.Context, runID, assetID, stageKey string) error {
	return s.repo.LinkRunAsset(ctx, &models.RunAssetLink{RunID: runID, AssetID: assetID, UsageStageKey: stageKey})
}

var knownTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"glb":  "model/gltf-binary",
	"gltf": "model/gltf+json",
	"obj":  "model/obj",
	"fbx":  "application/octet-stream",
	"json": "application/json",
	"txt":  "text/plain",
}

var knownExtensions = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/webp":               "webp",
	"model/gltf-binary":        "glb",
	"model/gltf+json":          "gltf",
	"model/obj":                "obj",
	"application/json":         "json",
	"text/plain":               "txt",
	"application/octet-stream": "bin",
}

// MimeTypeFor guesses a MIME type from a file kind such as "png" or
// "grid_image". Unknown kinds are application/octet-stream.
func MimeTypeFor(fileKind string) string {
	k := strings.ToLower(strings.TrimPrefix(fileKind, "."))
	if t, ok := knownTypes[k]; ok {
		return t
	}
	if t := mime.TypeByExtension("." + k); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ExtensionFor picks the file extension used in storage keys.
func ExtensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	if ext, ok := knownExtensions[base]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}
