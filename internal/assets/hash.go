// Package assets is the content-addressed asset store: generated content
// is keyed by what was requested, so asking twice for the same thing
// yields the same asset.
package assets

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type assetKey struct {
	Kind     string         `json:"kind"`
	ModelID  string         `json:"modelId"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata"`
}

// ComputeAssetKeyHash returns the hex sha256 of the canonical JSON form of
// {kind, modelId, trimmed prompt, metadata}. Map keys are emitted sorted at
// every depth, so metadata key order does not affect the result.
func ComputeAssetKeyHash(kind, modelID, prompt string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(assetKey{
		Kind:     kind,
		ModelID:  modelID,
		Prompt:   strings.TrimSpace(prompt),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("assets: canonicalize key: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// SHA256Hex is the integrity hash stored with each file.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
