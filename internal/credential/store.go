package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/wangshunnn/mind-flayer/internal/log"
)

const (
	// FileName is the name of the encrypted credential file.
	FileName = "provider_configs.dat"

	// keyContext is mixed into the machine-derived key.
	keyContext = "mind-flayer-v1"

	// envelopeV2 prefixes blobs written with a per-write random nonce.
	envelopeV2 = "v2:"

	// envelopeV2Info labels the subkey that seals v2 envelopes.
	envelopeV2Info = "mind-flayer provider_configs v2"
)

// legacyNonce is the fixed nonce older releases sealed every blob with.
// It is only used to read those blobs; every write uses a fresh nonce.
var legacyNonce = []byte("mind-flayer!")

var storageLog = log.WithComponent("storage")

// FileStore implements Store as a single encrypted file holding every
// provider's credential.
type FileStore struct {
	path   string
	cipher cipher.AEAD
	legacy cipher.AEAD

	// mu serializes read-modify-write cycles within the process; the
	// advisory lock file covers other processes.
	mu sync.Mutex
}

// NewFileStore creates a file-based credential store at path.
// key must be 32 bytes for AES-256.
func NewFileStore(path string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}

	subkey := make([]byte, len(key))
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(envelopeV2Info)), subkey); err != nil {
		return nil, fmt.Errorf("deriving envelope key: %w", err)
	}

	gcm, err := newGCM(subkey)
	if err != nil {
		return nil, err
	}
	legacy, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &FileStore{path: path, cipher: gcm, legacy: legacy}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Path returns the location of the encrypted credential file.
func (s *FileStore) Path() string { return s.path }

// Save stores a credential, replacing any existing one for the provider.
func (s *FileStore) Save(provider string, cred ProviderCredential) error {
	if err := Validate(provider, cred); err != nil {
		return err
	}
	storageLog.Info("saving credential", "provider", provider)

	return s.update(func(all map[string]ProviderCredential) bool {
		all[provider] = cred
		return true
	})
}

// Get retrieves the credential for the given provider.
func (s *FileStore) Get(provider string) (*ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	cred, ok := all[provider]
	if !ok {
		return nil, notFound(provider)
	}
	return &cred, nil
}

// Delete removes the credential for the given provider.
func (s *FileStore) Delete(provider string) error {
	storageLog.Info("deleting credential", "provider", provider)

	return s.update(func(all map[string]ProviderCredential) bool {
		if _, ok := all[provider]; !ok {
			return false
		}
		delete(all, provider)
		return true
	})
}

// List returns all stored provider names in sorted order.
func (s *FileStore) List() ([]string, error) {
	all, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetAll returns every stored credential. The blob is encrypted as a unit, so
// a decryption failure fails the whole read with ErrDecrypt.
func (s *FileStore) GetAll() (map[string]ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	storageLog.Debug("loaded credentials", "providers", len(all))
	return all, nil
}

// update applies fn to the current credential set under both locks and
// persists the result when fn reports a change.
func (s *FileStore) update(fn func(map[string]ProviderCredential) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireFileLock(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("acquiring credential lock: %w", err)
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if !fn(all) {
		return nil
	}
	return s.persist(all)
}

// load reads and decrypts the credential file. A missing or empty file is an
// empty set.
func (s *FileStore) load() (map[string]ProviderCredential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProviderCredential{}, nil
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]ProviderCredential{}, nil
	}

	plaintext, err := s.open(data)
	if err != nil {
		storageLog.Error("failed to decrypt credential file", "path", s.path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling credentials: %v", ErrDecrypt, err)
	}
	return decodeEntries(entries), nil
}

// decodeEntries decodes each provider separately so one unreadable entry is
// logged and skipped instead of failing the whole set. Skipped entries are
// dropped by the next write.
func decodeEntries(entries map[string]json.RawMessage) map[string]ProviderCredential {
	all := make(map[string]ProviderCredential, len(entries))
	for provider, raw := range entries {
		var cred ProviderCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			storageLog.Warn("skipping unreadable credential", "provider", provider, "error", err)
			continue
		}
		if err := Validate(provider, cred); err != nil {
			storageLog.Warn("skipping invalid credential", "provider", provider, "error", err)
			continue
		}
		all[provider] = cred
	}
	return all
}

// open decodes and decrypts a stored blob in either envelope format.
func (s *FileStore) open(data []byte) ([]byte, error) {
	if encoded, ok := bytes.CutPrefix(data, []byte(envelopeV2)); ok {
		raw, err := decodeBase64(encoded)
		if err != nil {
			return nil, err
		}
		nonceSize := s.cipher.NonceSize()
		if len(raw) < nonceSize {
			return nil, errors.New("ciphertext shorter than nonce")
		}
		return s.cipher.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	}

	raw, err := decodeBase64(data)
	if err != nil {
		return nil, err
	}
	return s.legacy.Open(nil, legacyNonce, raw, nil)
}

// persist encrypts all with a fresh nonce and atomically replaces the file.
func (s *FileStore) persist(all map[string]ProviderCredential) error {
	plaintext, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	nonce := make([]byte, s.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.cipher.Seal(nonce, nonce, plaintext, nil)
	encoded := envelopeV2 + base64.StdEncoding.EncodeToString(sealed)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.WriteString(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting credential file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}

	storageLog.Info("saved credentials", "providers", len(all))
	return nil
}

func decodeBase64(data []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return raw[:n], nil
}

// MachineKey derives the file encryption key from the application identifier
// and the machine's device name.
func MachineKey() ([]byte, error) {
	device, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading device name: %w", err)
	}
	return deriveKey(device), nil
}

func deriveKey(device string) []byte {
	h := sha256.New()
	h.Write([]byte(keyContext))
	h.Write([]byte(device))
	return h.Sum(nil)
}

// DefaultFilePath returns the credential file location within dir.
func DefaultFilePath(dir string) string {
	return filepath.Join(dir, FileName)
}
