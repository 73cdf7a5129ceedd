package models

import (
	"time"
)

// Asset is a deduplicated piece of generated content, identified by the
// hash of what was asked for rather than by the bytes produced.
type Asset struct {
	ID           string         `json:"id"`
	AssetKeyHash string         `json:"asset_key_hash"`
	Kind         string         `json:"kind"`
	Slug         string         `json:"slug"`
	Provider     string         `json:"provider"`
	ModelID      string         `json:"model_id"`
	Prompt       string         `json:"prompt"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AssetFile is one stored binary belonging to an asset.
type AssetFile struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"asset_id"`
	FileKind   string    `json:"file_kind"`
	StorageKey string    `json:"storage_key"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunAssetLink records that a run stage produced or reused an asset.
type RunAssetLink struct {
	RunID         string    `json:"run_id"`
	AssetID       string    `json:"asset_id"`
	UsageStageKey string    `json:"usage_stage_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// EncryptedSecret is the at-rest form of a vault entry. All byte fields
// are base64 encoded.
type EncryptedSecret struct {
	Key        string    `json:"key"`
	Algo       string    `json:"algo"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	Tag        string    `json:"tag"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SecretStatus is the listing view of a vault entry.
type SecretStatus struct {
	Key       string     `json:"key"`
	IsSet     bool       `json:"is_set"`
	Masked    string     `json:"masked,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
