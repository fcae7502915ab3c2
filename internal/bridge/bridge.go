// Package bridge keeps the running sidecar's view of credentials current by
// pushing full snapshots from the credential store over the child's stdin.
package bridge

import (
	"fmt"

	"github.com/wangshunnn/mind-flayer/internal/credential"
	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/protocol"
)

var bridgeLog = log.WithComponent("bridge")

// InputWriter delivers one protocol line to the running child. It returns
// sidecar.ErrNotRunning when no child is owned.
type InputWriter interface {
	WriteInput(p []byte) error
}

// Bridge pushes credential snapshots from a store to the child.
type Bridge struct {
	store  credential.Store
	target InputWriter
}

// New creates a Bridge.
func New(store credential.Store, target InputWriter) *Bridge {
	return &Bridge{store: store, target: target}
}

// Snapshot converts every readable credential into its wire form.
func (b *Bridge) Snapshot() (map[string]protocol.ProviderConfig, error) {
	creds, err := b.store.GetAll()
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	configs := make(map[string]protocol.ProviderConfig, len(creds))
	for name, cred := range creds {
		cfg := protocol.ProviderConfig{APIKey: cred.APIKey}
		if cred.BaseURL != "" {
			baseURL := cred.BaseURL
			cfg.BaseURL = &baseURL
		}
		configs[name] = cfg
	}
	return configs, nil
}

// Push writes the current snapshot to the child as one config_update line.
func (b *Bridge) Push() error {
	configs, err := b.Snapshot()
	if err != nil {
		return err
	}

	line, err := protocol.EncodeLine(protocol.NewConfigUpdate(configs))
	if err != nil {
		return fmt.Errorf("encoding config update: %w", err)
	}

	if err := b.target.WriteInput(line); err != nil {
		return err
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	bridgeLog.Info("pushed config update to sidecar", "providers", len(configs), "names", names)
	return nil
}
