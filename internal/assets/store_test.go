package assets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowforge/internal/blobstore"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

type memAssets struct {
	mu     sync.Mutex
	byHash map[string]*models.Asset
	files  map[string]*models.AssetFile
	links  map[models.RunAssetLink]bool
	nextID int
}

func newMemAssets() *memAssets {
	return &memAssets{byHash: map[string]*models.Asset{}, files: map[string]*models.AssetFile{}, links: map[models.RunAssetLink]bool{}}
}

func (m *memAssets) FindAssetByHash(_ context.Context, hash string) (*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byHash[hash]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memAssets) InsertAsset(_ context.Context, a *models.Asset) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byHash[a.AssetKeyHash]; ok {
		*a = *existing
		return false, nil
	}
	m.nextID++
	a.ID = fmt.Sprintf("asset-%d", m.nextID)
	cp := *a
	m.byHash[a.AssetKeyHash] = &cp
	return true, nil
}

func (m *memAssets) InsertAssetFile(_ context.Context, f *models.AssetFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *memAssets) GetAssetFile(_ context.Context, id string) (*models.AssetFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[id]; ok {
		return f, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memAssets) ListAssetFiles(_ context.Context, assetID string) ([]*models.AssetFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AssetFile
	for _, f := range m.files {
		if f.AssetID == assetID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memAssets) LinkRunAsset(_ context.Context, l *models.RunAssetLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[models.RunAssetLink{RunID: l.RunID, AssetID: l.AssetID, UsageStageKey: l.UsageStageKey}] = true
	return nil
}

func (m *memAssets) ListRunAssets(context.Context, string) ([]*models.Asset, error) {
	return nil, nil
}

func TestComputeAssetKeyHash(t *testing.T) {
	h1, err := ComputeAssetKeyHash("prop_image", "m1", "A dragon", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := ComputeAssetKeyHash("prop_image", "m1", "  A dragon\n", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	nested1, _ := ComputeAssetKeyHash("k", "m", "p", map[string]any{"x": map[string]any{"z": 1, "y": 2}})
	nested2, _ := ComputeAssetKeyHash("k", "m", "p", map[string]any{"x": map[string]any{"y": 2, "z": 1}})
	assert.Equal(t, nested1, nested2)

	other, _ := ComputeAssetKeyHash("prop_image", "m2", "A dragon", map[string]any{"a": 1, "b": 2})
	assert.NotEqual(t, h1, other)

	empty, _ := ComputeAssetKeyHash("k", "m", "p", nil)
	emptyMap, _ := ComputeAssetKeyHash("k", "m", "p", map[string]any{})
	assert.Equal(t, empty, emptyMap)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewFSStore(t.TempDir(), "http://blobs", []byte("k"))
	require.NoError(t, err)
	repo := newMemAssets()
	store := NewStore(repo, blobs, nil)

	t.Run("dedup ignores slug and metadata order", func(t *testing.T) {
		a, created, err := store.CreateAsset(ctx, NewAsset{Kind: "prop_image", ModelID: "m1", Prompt: "A dragon",
			Metadata: map[string]any{"a": 1, "b": 2}, Slug: "slug-1"})
		require.NoError(t, err)
		assert.True(t, created)

		b, created, err := store.CreateAsset(ctx, NewAsset{Kind: "prop_image", ModelID: "m1", Prompt: "A dragon",
			Metadata: map[string]any{"b": 2, "a": 1}, Slug: "slug-2"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.ID, b.ID)
		assert.Equal(t, "slug-1", b.Slug)
		assert.Equal(t, "internal", b.Provider)
	})

	t.Run("files are stored with integrity metadata", func(t *testing.T) {
		a, _, err := store.CreateAsset(ctx, NewAsset{Kind: "grid_image", Prompt: "tiles"})
		require.NoError(t, err)
		has, err := store.HasFiles(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, has)

		f1, err := store.CreateAssetFile(ctx, a.ID, []byte("hello"), "png", "")
		require.NoError(t, err)
		f2, err := store.CreateAssetFile(ctx, a.ID, []byte("hello"), "png", "")
		require.NoError(t, err)
		assert.NotEqual(t, f1.StorageKey, f2.StorageKey, "files are never deduplicated")

		assert.Equal(t, "image/png", f1.MimeType)
		assert.Equal(t, int64(5), f1.SizeBytes)
		assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", f1.SHA256)
		assert.True(t, strings.HasPrefix(f1.StorageKey, "assets/"+a.ID+"/"))
		assert.True(t, strings.HasSuffix(f1.StorageKey, ".png"))

		stored, err := blobs.Get(ctx, f1.StorageKey)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), stored)

		url, err := store.SignedURL(ctx, f1.ID, time.Minute)
		require.NoError(t, err)
		assert.Contains(t, url, f1.StorageKey)

		files, err := repo.ListAssetFiles(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, files, 2)
		has, err = store.HasFiles(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("run links", func(t *testing.T) {
		require.NoError(t, store.LinkRun(ctx, "run-1", "asset-1", "S1"))
		assert.True(t, repo.links[models.RunAssetLink{RunID: "run-1", AssetID: "asset-1", UsageStageKey: "S1"}])
	})
}

func TestMimeAndExtension(t *testing.T) {
	assert.Equal(t, "model/gltf-binary", MimeTypeFor("glb"))
	assert.Equal(t, "application/octet-stream", MimeTypeFor("exterior_model_source"))
	assert.Equal(t, "bin", ExtensionFor("application/octet-stream"))
	assert.Equal(t, "jpg", ExtensionFor("image/jpeg; charset=binary"))
}
