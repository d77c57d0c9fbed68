package secrets

import (
	"context"
	"strings"

	"github.com/rendis/skillflow/pkg/schema"
)

// APIKeyName is the vault key holding the generative service credential.
const APIKeyName = "anthropic_api_key"

// Credentials resolves the API key used by remote skills.
// The vault wins over the static fallback (typically an environment variable).
type Credentials struct {
	vault    Vault
	fallback string
}

// NewCredentials creates a resolver. vault may be nil.
func NewCredentials(vault Vault, fallback string) *Credentials {
	return &Credentials{vault: vault, fallback: strings.TrimSpace(fallback)}
}

// APIKey returns the credential or a MISSING_CREDENTIAL error.
// Vault errors other than not-found are surfaced as-is.
func (c *Credentials) APIKey(ctx context.Context) (string, error) {
	if c.vault != nil {
		raw, err := c.vault.Resolve(ctx, APIKeyName)
		switch {
		case err == nil:
			if key := strings.TrimSpace(string(raw)); key != "" {
				return key, nil
			}
		case !schema.IsCode(err, schema.ErrCodeNotFound):
			return "", err
		}
	}
	if c.fallback != "" {
		return c.fallback, nil
	}
	return "", schema.NewError(schema.ErrCodeMissingCredential,
		"no API key configured; run `skillflow secret set` or set SKILLFLOW_API_KEY")
}

// SetAPIKey stores the credential in the vault.
func (c *Credentials) SetAPIKey(ctx context.Context, key string) error {
	if c.vault == nil {
		return schema.NewError(schema.ErrCodeVault, "no vault configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "API key must not be empty")
	}
	return c.vault.Store(ctx, APIKeyName, []byte(key))
}
