package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the default keyring service identifier.
	// Can be overridden with MIND_FLAYER_KEYRING_SERVICE for test isolation.
	ServiceName = "mind-flayer"

	// IndexAccount is the reserved secret holding the JSON array of provider
	// names. OS vaults cannot enumerate their own entries.
	IndexAccount = "__provider_index__"
)

// Vault is the subset of an OS credential vault the KeychainStore needs.
// Get must return an error wrapping keyring.ErrNotFound for absent secrets.
type Vault interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// systemVault talks to the platform keychain through go-keyring.
type systemVault struct{}

func (systemVault) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (systemVault) Set(service, account, secret string) error {
	return keyring.Set(service, account, secret)
}

func (systemVault) Delete(service, account string) error {
	return keyring.Delete(service, account)
}

// KeychainStore implements Store with one vault secret per provider and an
// index secret kept in lock-step with every save and delete.
type KeychainStore struct {
	vault   Vault
	service string

	// mu serializes index read-modify-write cycles.
	mu sync.Mutex
}

// NewKeychainStore creates a store backed by the system keychain.
func NewKeychainStore() *KeychainStore {
	return NewKeychainStoreWithVault(systemVault{}, keyringServiceName())
}

// NewKeychainStoreWithVault creates a store backed by the given vault.
func NewKeychainStoreWithVault(vault Vault, service string) *KeychainStore {
	if service == "" {
		service = ServiceName
	}
	return &KeychainStore{vault: vault, service: service}
}

func keyringServiceName() string {
	if name := os.Getenv("MIND_FLAYER_KEYRING_SERVICE"); name != "" {
		return name
	}
	return ServiceName
}

// Save stores the credential and appends the provider to the index if new.
func (s *KeychainStore) Save(provider string, cred ProviderCredential) error {
	if err := Validate(provider, cred); err != nil {
		return err
	}
	if provider == IndexAccount {
		return fmt.Errorf("%w: provider name %q is reserved", ErrInvalidCredential, provider)
	}
	storageLog.Info("saving credential to keychain", "provider", provider)

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}

	if err := s.vault.Set(s.service, provider, string(data)); err != nil {
		return fmt.Errorf("keychain set %s: %w", provider, err)
	}

	if slices.Contains(index, provider) {
		return nil
	}
	if err := s.writeIndex(append(index, provider)); err != nil {
		// Roll back so the entry is never stored without being listed.
		if delErr := s.vault.Delete(s.service, provider); delErr != nil {
			storageLog.Warn("failed to roll back unindexed credential", "provider", provider, "error", delErr)
		}
		return err
	}
	return nil
}

// Get retrieves the credential for the given provider.
func (s *KeychainStore) Get(provider string) (*ProviderCredential, error) {
	data, err := s.vault.Get(s.service, provider)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, notFound(provider)
		}
		return nil, fmt.Errorf("keychain get %s: %w", provider, err)
	}

	var cred ProviderCredential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("%w: parsing credential for %s: %v", ErrDecrypt, provider, err)
	}
	return &cred, nil
}

// Delete removes the credential and its index entry. Absence is not an error.
func (s *KeychainStore) Delete(provider string) error {
	storageLog.Info("deleting credential from keychain", "provider", provider)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vault.Delete(s.service, provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete %s: %w", provider, err)
	}

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	i := slices.Index(index, provider)
	if i < 0 {
		return nil
	}
	return s.writeIndex(slices.Delete(index, i, i+1))
}

// List returns provider names in the order they were first saved.
func (s *KeychainStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex()
}

// GetAll returns every readable credential. An unreadable entry is logged
// and skipped so it cannot hide the others.
func (s *KeychainStore) GetAll() (map[string]ProviderCredential, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}

	all := make(map[string]ProviderCredential, len(names))
	for _, name := range names {
		cred, err := s.Get(name)
		if err != nil {
			storageLog.Warn("skipping unreadable credential", "provider", name, "error", err)
			continue
		}
		all[name] = *cred
	}
	storageLog.Debug("loaded credentials from keychain", "providers", len(all), "indexed", len(names))
	return all, nil
}

// readIndex returns the provider index; a missing index is empty.
func (s *KeychainStore) readIndex() ([]string, error) {
	data, err := s.vault.Get(s.service, IndexAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("keychain get index: %w", err)
	}

	var index []string
	if err := json.Unmarshal([]byte(data), &index); err != nil {
		return nil, fmt.Errorf("%w: parsing provider index: %v", ErrDecrypt, err)
	}
	return index, nil
}

func (s *KeychainStore) writeIndex(index []string) error {
	if index == nil {
		index = []string{}
	}
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshaling provider index: %w", err)
	}
	if err := s.vault.Set(s.service, IndexAccount, string(data)); err != nil {
		return fmt.Errorf("keychain set index: %w", err)
	}
	return nil
}
