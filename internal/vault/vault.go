package vault

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// KnownSecrets is the whitelist of keys the vault will accept.
var KnownSecrets = []string{
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"FAL_API_KEY",
	"MESHY_API_KEY",
	"RODIN_API_KEY",
	"CF_R2_ACCOUNT_ID",
	"CF_R2_ACCESS_KEY_ID",
	"CF_R2_SECRET_ACCESS_KEY",
	"CF_R2_BUCKET_NAME",
	"CF_R2_ENDPOINT",
	"CF_R2_PUBLIC_BASE_URL",
	"RENDER_DEPLOY_HOOK_URL",
	"RENDER_API_KEY",
}

// providerSecrets lists the credentials each provider needs. Providers
// not listed need none.
var providerSecrets = map[string][]string{
	"openai": {"OPENAI_API_KEY"},
	"gemini": {"GEMINI_API_KEY"},
	"fal":    {"FAL_API_KEY"},
	"meshy":  {"MESHY_API_KEY"},
	"rodin":  {"RODIN_API_KEY"},
}

// ErrUnknownSecret is returned by SetSecret for keys outside KnownSecrets.
var ErrUnknownSecret = errors.New("vault: unknown secret key")

// ErrEmptySecret is returned by SetSecret for blank values.
var ErrEmptySecret = errors.New("vault: secret value is empty")

const maskedDecryptError = "ERROR_DECRYPT"

// Vault reads and writes encrypted secrets through a SecretStore.
type Vault struct {
	store  repository.SecretStore
	cipher *Cipher
}

// New creates a Vault.
func New(store repository.SecretStore, cipher *Cipher) *Vault {
	return &Vault{store: store, cipher: cipher}
}

// IsKnown reports whether key is on the whitelist.
func IsKnown(key string) bool {
	return slices.Contains(KnownSecrets, key)
}

// RequiredSecrets returns the credential keys providerID needs.
func RequiredSecrets(providerID string) []string {
	return providerSecrets[providerID]
}

// GetDecryptedSecret returns (value, true, nil) when the secret is set,
// ("", false, nil) when it was never configured, and an error wrapping
// ErrDecrypt when it is stored but cannot be opened.
func (v *Vault) GetDecryptedSecret(ctx context.Context, key string) (string, bool, error) {
	rec, err := v.store.GetSecret(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vault: load %s: %w", key, err)
	}
	plain, err := v.cipher.Decrypt(*rec)
	if err != nil {
		return "", false, fmt.Errorf("vault: %s: %w", key, err)
	}
	return plain, true, nil
}

// SetSecret encrypts and upserts a whitelisted secret.
func (v *Vault) SetSecret(ctx context.Context, key, value string) error {
	if !IsKnown(key) {
		return fmt.Errorf("%w: %s", ErrUnknownSecret, key)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrEmptySecret
	}
	rec, err := v.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	rec.Key = key
	if err := v.store.UpsertSecret(ctx, &rec); err != nil {
		return fmt.Errorf("vault: store %s: %w", key, err)
	}
	return nil
}

// ListSecrets reports every known key with a masked preview of its value.
func (v *Vault) ListSecrets(ctx context.Context) ([]models.SecretStatus, error) {
	stored, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	byKey := make(map[string]*models.EncryptedSecret, len(stored))
	for _, rec := range stored {
		byKey[rec.Key] = rec
	}

	out := make([]models.SecretStatus, 0, len(KnownSecrets))
	for _, key := range KnownSecrets {
		status := models.SecretStatus{Key: key}
		if rec, ok := byKey[key]; ok {
			status.IsSet = true
			updated := rec.UpdatedAt
			status.UpdatedAt = &updated
			if plain, err := v.cipher.Decrypt(*rec); err != nil {
				status.Masked = maskedDecryptError
			} else {
				status.Masked = Mask(plain)
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// CredentialsFor decrypts the secrets providerID requires. Missing secrets
// are left out of the map so the provider can report itself unconfigured;
// a secret that is present but cannot be decrypted is an error.
func (v *Vault) CredentialsFor(ctx context.Context, providerID string) (map[string]string, error) {
	creds := make(map[string]string)
	for _, key := range RequiredSecrets(providerID) {
		value, ok, err := v.GetDecryptedSecret(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			creds[key] = value
		}
	}
	return creds, nil
}

// Mask renders a secret for display: the first and last four characters
// around a fixed filler, or a fully masked string for short values.
func Mask(value string) string {
	r := []rune(value)
	if len(r) <= 8 {
		return "********"
	}
	return string(r[:4]) + "••••" + string(r[len(r)-4:])
}
