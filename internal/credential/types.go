// Package credential provides durable storage of provider credentials
// (API key plus optional base URL) keyed by provider name.
//
// Two strategies implement the same Store contract: FileStore keeps every
// credential in one AES-256-GCM encrypted blob on disk, and KeychainStore
// keeps one OS-vault secret per provider plus an index secret listing them.
package credential

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when no credential exists for the provider.
	ErrNotFound = errors.New("credential not found")

	// ErrDecrypt is returned when stored credentials cannot be decoded or
	// fail authentication. It is never reported as "no credentials".
	ErrDecrypt = errors.New("failed to decrypt credentials, data may be corrupted")

	// ErrInvalidCredential is returned for an empty provider name or API key.
	ErrInvalidCredential = errors.New("invalid credential")
)

// ProviderCredential is the credential stored for a single provider.
// An empty BaseURL means the provider's default endpoint.
type ProviderCredential struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Store defines the credential storage contract shared by all strategies.
type Store interface {
	// Save upserts the credential for provider and persists it.
	Save(provider string, cred ProviderCredential) error
	// Get returns the credential for provider or an error wrapping ErrNotFound.
	Get(provider string) (*ProviderCredential, error)
	// Delete removes the credential. Deleting an absent provider is not an error.
	Delete(provider string) error
	// List returns the names of all stored providers.
	List() ([]string, error)
	// GetAll returns every readable credential keyed by provider name.
	GetAll() (map[string]ProviderCredential, error)
}

// Validate checks a provider name and credential before they are persisted.
func Validate(provider string, cred ProviderCredential) error {
	if strings.TrimSpace(provider) == "" {
		return fmt.Errorf("%w: provider name is empty", ErrInvalidCredential)
	}
	if cred.APIKey == "" {
		return fmt.Errorf("%w: api key for %s is empty", ErrInvalidCredential, provider)
	}
	return nil
}

func notFound(provider string) error {
	return fmt.Errorf("%w: provider '%s'", ErrNotFound, provider)
}
