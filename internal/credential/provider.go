package credential

import (
	"fmt"

	"github.com/wangshunnn/mind-flayer/internal/config"
)

// NewStore returns the Store selected by cfg.Backend.
func NewStore(cfg config.CredentialConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendKeychain:
		return NewKeychainStore(), nil
	case config.BackendFile, "":
		key, err := MachineKey()
		if err != nil {
			return nil, err
		}
		return NewFileStore(DefaultFilePath(cfg.Dir), key)
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}
